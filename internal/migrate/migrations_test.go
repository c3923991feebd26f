package migrate_test

import (
	"context"
	"testing"

	"tasktally/internal/db"
	"tasktally/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	all, err := migrate.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != len(all) {
		t.Fatalf("expected %d applied, got %d", len(all), applied)
	}
	applied, err = migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no migrations on second run, got %d", applied)
	}
	for _, table := range []string{"kv", "events"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
