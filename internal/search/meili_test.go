package search

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeMeiliServer answers just enough of the Meilisearch HTTP API for the
// client to accept index configuration and document writes.
type fakeMeiliServer struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeMeiliServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/health" {
		json.NewEncoder(w).Encode(map[string]string{"status": "available"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"taskUid":    1,
		"indexUid":   idxDocuments,
		"status":     "enqueued",
		"enqueuedAt": "2026-09-01T00:00:00Z",
	})
}

func (f *fakeMeiliServer) saw(want string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.requests {
		if got == want {
			return true
		}
	}
	return false
}

func TestMeiliDocumentWrites(t *testing.T) {
	fake := &fakeMeiliServer{}
	server := httptest.NewServer(fake)
	defer server.Close()

	m := NewMeili(server.URL, "")
	defer m.Close()

	if !m.Healthy() {
		t.Fatal("expected healthy instance against a reachable server")
	}

	err := m.IndexDocument(DocumentRecord{ID: "doc_1", Title: "Budget", Status: "DRAFT", AuthorID: "usr_a"})
	if err != nil {
		t.Fatalf("index document: %v", err)
	}
	if !fake.saw("POST /indexes/" + idxDocuments + "/documents") {
		t.Fatalf("document upsert never reached the index, saw %v", fake.requests)
	}

	if err := m.DeleteDocument("doc_1"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if !fake.saw("DELETE /indexes/" + idxDocuments + "/documents/doc_1") {
		t.Fatalf("document delete never reached the index, saw %v", fake.requests)
	}
}
