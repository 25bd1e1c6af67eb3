package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestActivityImmutabilityMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_activity_immutability_trigger.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"document_activity_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_document_activities_block_update",
		"CREATE TRIGGER trg_document_activities_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

// TestActivityTrailIsAppendOnly verifies the database triggers block UPDATE
// and DELETE on document_activities.
func TestActivityTrailIsAppendOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("APPROVALFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("APPROVALFLOW_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ('usr_t', 'Trigger Test');
		INSERT INTO templates (id, title, created_by) VALUES ('tpl_t', 'T', 'usr_t');
		INSERT INTO approval_documents (id, template_id, author_id, title) VALUES ('doc_t', 'tpl_t', 'usr_t', 'Doc');
		INSERT INTO document_activities (document_id, activity_type, actor_id) VALUES ('doc_t', 'CREATE', 'usr_t');
	`)
	if err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	_, err = db.ExecContext(ctx, `UPDATE document_activities SET actor_id = 'usr_other' WHERE document_id = 'doc_t'`)
	if err == nil {
		t.Fatal("expected UPDATE on activity trail to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected a postgres error, got %v", err)
	}

	_, err = db.ExecContext(ctx, `DELETE FROM document_activities WHERE document_id = 'doc_t'`)
	if err == nil {
		t.Fatal("expected DELETE on activity trail to be blocked")
	}
}
