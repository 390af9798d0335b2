package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	ups, err := migrationFiles(migrationsDir, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := migrationFiles(migrationsDir, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("%d up files but %d down files", len(ups), len(downs))
	}
	for i := range ups {
		if ups[i].version != downs[i].version {
			t.Fatalf("version %s has no matching down file", ups[i].version)
		}
		if i > 0 && ups[i].version == ups[i-1].version {
			t.Fatalf("duplicate up migration for version %s", ups[i].version)
		}
	}
}

func TestMigrationFilesOrderAndFilter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md", "0003_c.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0004_d.up.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ups, err := migrationFiles(dir, "up")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(ups) != 2 || ups[0].name != "0001_a.up.sql" || ups[1].name != "0002_b.up.sql" {
		t.Fatalf("unexpected up migrations %+v", ups)
	}

	if _, err := migrationFiles(filepath.Join(dir, "missing"), "up"); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
