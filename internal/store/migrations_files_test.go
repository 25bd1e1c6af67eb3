package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		set := ups
		if match[2] == "down" {
			set = downs
		}
		if set[match[1]] {
			t.Fatalf("duplicate %s file for version %s", match[2], match[1])
		}
		set[match[1]] = true
	}

	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version := range ups {
		if !downs[version] {
			t.Errorf("version %s has no down file", version)
		}
	}
	for version := range downs {
		if !ups[version] {
			t.Errorf("version %s has a down file but no up file", version)
		}
	}
}
