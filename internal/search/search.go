package search

// Result is a single search hit. Hits are candidates only: the listing layer
// re-applies the viewer-relationship filter before anything is returned to a
// client.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
	AuthorID string `json:"authorId"`
}

// Query describes a free-text search over approval documents.
type Query struct {
	Text     string
	Status   string
	AuthorID string
	Limit    int
	Offset   int
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for an approval document.
type DocumentRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	AuthorID string `json:"authorId"`
}
