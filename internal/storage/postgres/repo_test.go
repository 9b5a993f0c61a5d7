package postgres

import (
	"context"
	"io"
	"os"
	"testing"

	"lmodingest/internal/migrate"
	"lmodingest/internal/normalize"
	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// openIntegration connects to the server named by TEST_PG_DSN and resets
// the flat table; without the variable the test is skipped.
func openIntegration(t *testing.T) storage.Repository {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("skipping integration test: set TEST_PG_DSN to run")
	}
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(repo.Close)
	_ = repo.Exec(ctx, "DROP TABLE IF EXISTS log_data")
	_ = repo.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '0.1'")
	if err := migrate.Apply(ctx, repo, migrate.DialectPostgres, "0.1", false, io.Discard); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func usage(user, host, module, path string, sec float64) schema.Usage {
	pkg, version := normalize.SplitModule(module)
	return schema.Usage{
		Logname: "/logs/module-usage.log",
		Time:    normalize.Timestamp(sec),
		Host:    host,
		User:    user,
		Module:  module,
		Path:    path,
		Package: pkg,
		Version: version,
	}
}

/*
TestUpsertFlat_DuplicateInBatch verifies that a batch carrying the same
natural key twice upserts cleanly under the overwrite policy: the set-based
DO UPDATE must never see the same target row twice in one statement.
*/
func TestUpsertFlat_DuplicateInBatch(t *testing.T) {
	repo := openIntegration(t)
	ctx := context.Background()

	first := usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799)
	dup := first
	dup.Path = "/sw/new/gcc.lua"

	if _, err := repo.UpsertFlat(ctx, []schema.Usage{first, dup}, storage.PolicyOverwrite); err != nil {
		t.Fatalf("upsert with in-batch duplicate: %v", err)
	}

	rows, err := repo.QueryStrings(ctx, "SELECT path FROM log_data")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}
	if rows[0] != "/sw/new/gcc.lua" {
		t.Errorf("path = %q, want the later occurrence", rows[0])
	}
}

func TestUpsertFlat_Idempotent(t *testing.T) {
	repo := openIntegration(t)
	ctx := context.Background()

	batch := []schema.Usage{
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799),
		usage("bob", "n2", "settarg", "/sw/settarg.lua", 1682407235.5),
	}
	if _, err := repo.UpsertFlat(ctx, batch, storage.PolicyOverwrite); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := repo.UpsertFlat(ctx, batch, storage.PolicyOverwrite); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	rows, err := repo.QueryStrings(ctx, "SELECT \"user\" FROM log_data ORDER BY \"user\"")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("row count = %d, want 2", len(rows))
	}
}
