package sqlite

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"lmodingest/internal/migrate"
	"lmodingest/internal/normalize"
	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// openMigrated opens a fresh database file and applies migrations up to
// target ("" applies every version).
func openMigrated(t *testing.T, target string, rowBudget int) storage.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{
		Kind:      "sqlite",
		DSN:       filepath.Join(t.TempDir(), "lmod.db"),
		RowBudget: rowBudget,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := migrate.Apply(ctx, repo, migrate.DialectSQLite, target, false, io.Discard); err != nil {
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

func queryOne(t *testing.T, repo storage.Repository, q string) string {
	t.Helper()
	rows, err := repo.QueryStrings(context.Background(), q)
	if err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	if len(rows) != 1 {
		t.Fatalf("query %q returned %d rows, want 1", q, len(rows))
	}
	return rows[0]
}

/*
TestUpsertFlat_Idempotent verifies the core ingestion contract: running the
same batch twice leaves exactly one row per natural key, so a failed run can
always be repeated from the top.
*/
func TestUpsertFlat_Idempotent(t *testing.T) {
	repo := openMigrated(t, "0.1", 0)
	ctx := context.Background()

	batch := []schema.Usage{
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799),
		usage("bob", "n2", "settarg", "/sw/settarg.lua", 1682407235.5),
	}

	n, err := repo.UpsertFlat(ctx, batch, storage.PolicyIgnore)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if n != 2 {
		t.Errorf("first upsert inserted = %d, want 2", n)
	}

	n, err = repo.UpsertFlat(ctx, batch, storage.PolicyIgnore)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if n != 0 {
		t.Errorf("second upsert inserted = %d, want 0", n)
	}

	if got := queryOne(t, repo, "SELECT COUNT(*) FROM log_data"); got != "2" {
		t.Errorf("row count = %s, want 2", got)
	}
}

/*
TestUpsertFlat_Policy verifies collision handling: overwrite replaces the
non-key columns of the existing row, ignore keeps them.
*/
func TestUpsertFlat_Policy(t *testing.T) {
	for _, tt := range []struct {
		policy   storage.Policy
		wantPath string
	}{
		{storage.PolicyOverwrite, "/sw/new/gcc.lua"},
		{storage.PolicyIgnore, "/sw/gcc.lua"},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			repo := openMigrated(t, "0.1", 0)
			ctx := context.Background()

			first := usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799)
			if _, err := repo.UpsertFlat(ctx, []schema.Usage{first}, tt.policy); err != nil {
				t.Fatalf("seed: %v", err)
			}

			// Same natural key (time, host, user, module), different path.
			changed := first
			changed.Path = "/sw/new/gcc.lua"
			if _, err := repo.UpsertFlat(ctx, []schema.Usage{changed}, tt.policy); err != nil {
				t.Fatalf("collide: %v", err)
			}

			if got := queryOne(t, repo, "SELECT COUNT(*) FROM log_data"); got != "1" {
				t.Fatalf("row count = %s, want 1", got)
			}
			if got := queryOne(t, repo, "SELECT path FROM log_data"); got != tt.wantPath {
				t.Errorf("path = %s, want %s", got, tt.wantPath)
			}
		})
	}
}

// A row budget of one row per statement forces one transaction per record;
// the batch must still land completely and stay idempotent.
func TestUpsertFlat_SmallChunks(t *testing.T) {
	repo := openMigrated(t, "0.1", len(schema.FlatColumns))
	ctx := context.Background()

	batch := []schema.Usage{
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799),
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407236),
		usage("carol", "n3", "fftw/3.3.8", "/sw/fftw.lua", 1682407237),
	}
	if _, err := repo.UpsertFlat(ctx, batch, storage.PolicyIgnore); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := repo.UpsertFlat(ctx, batch, storage.PolicyIgnore); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if got := queryOne(t, repo, "SELECT COUNT(*) FROM log_data"); got != "3" {
		t.Errorf("row count = %s, want 3", got)
	}
}

/*
TestMergeNormalized verifies the star-schema merge: dimensions are
deduplicated across records, facts join against them, and re-running the
merge inserts nothing new.
*/
func TestMergeNormalized(t *testing.T) {
	repo := openMigrated(t, "", 0)
	ctx := context.Background()

	batch := []schema.Usage{
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799),
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407240),
		usage("bob", "n1", "settarg", "/sw/settarg.lua", 1682407241),
	}

	n, err := repo.MergeNormalized(ctx, batch)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if n != 3 {
		t.Errorf("facts inserted = %d, want 3", n)
	}

	for q, want := range map[string]string{
		"SELECT COUNT(*) FROM users":        "2",
		"SELECT COUNT(*) FROM hosts":        "1",
		"SELECT COUNT(*) FROM packages":     "2",
		"SELECT COUNT(*) FROM module_usage": "3",
	} {
		if got := queryOne(t, repo, q); got != want {
			t.Errorf("%s = %s, want %s", q, got, want)
		}
	}

	n, err = repo.MergeNormalized(ctx, batch)
	if err != nil {
		t.Fatalf("re-merge: %v", err)
	}
	if n != 0 {
		t.Errorf("re-merge inserted = %d, want 0", n)
	}
	if got := queryOne(t, repo, "SELECT COUNT(*) FROM module_usage"); got != "3" {
		t.Errorf("fact count after re-merge = %s, want 3", got)
	}
}

/*
TestUpsertFlat_DuplicateInBatch verifies that a batch carrying the same
natural key twice (a log line duplicated in its file) is never an error
under either policy: one row survives, and under overwrite it carries the
later occurrence's values.
*/
func TestUpsertFlat_DuplicateInBatch(t *testing.T) {
	for _, tt := range []struct {
		policy   storage.Policy
		wantPath string
	}{
		{storage.PolicyOverwrite, "/sw/new/gcc.lua"},
		{storage.PolicyIgnore, "/sw/gcc.lua"},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			repo := openMigrated(t, "0.1", 0)
			ctx := context.Background()

			first := usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234.086799)
			dup := first
			dup.Path = "/sw/new/gcc.lua"

			if _, err := repo.UpsertFlat(ctx, []schema.Usage{first, dup}, tt.policy); err != nil {
				t.Fatalf("upsert with in-batch duplicate: %v", err)
			}
			if got := queryOne(t, repo, "SELECT COUNT(*) FROM log_data"); got != "1" {
				t.Fatalf("row count = %s, want 1", got)
			}
			if got := queryOne(t, repo, "SELECT path FROM log_data"); got != tt.wantPath {
				t.Errorf("path = %s, want %s", got, tt.wantPath)
			}
		})
	}
}

func TestUpsertFlat_EmptyBatch(t *testing.T) {
	repo := openMigrated(t, "0.1", 0)
	n, err := repo.UpsertFlat(context.Background(), nil, storage.PolicyOverwrite)
	if err != nil {
		t.Fatalf("empty upsert: %v", err)
	}
	if n != 0 {
		t.Errorf("inserted = %d, want 0", n)
	}
}

func TestProbe(t *testing.T) {
	repo := openMigrated(t, "0.1", 0)
	ctx := context.Background()

	if err := repo.Probe(ctx, schema.FlatTable.Name, schema.FlatTable.DataColumns()); err != nil {
		t.Fatalf("probe log_data: %v", err)
	}

	err := repo.Probe(ctx, "module_usage", []string{"user_id"})
	if !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("probe missing table err = %v, want ErrSchemaMismatch", err)
	}
	err = repo.Probe(ctx, schema.FlatTable.Name, []string{"no_such_column"})
	if !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("probe bad column err = %v, want ErrSchemaMismatch", err)
	}
}

/*
TestAggregateViews verifies the reporting views shipped with version
0.1.views: per-package load counts and the most recent load time.
*/
func TestAggregateViews(t *testing.T) {
	repo := openMigrated(t, "0.1.views", 0)
	ctx := context.Background()

	batch := []schema.Usage{
		usage("alice", "n1", "gcc/8.2.0", "/sw/gcc.lua", 1682407234),
		usage("bob", "n2", "gcc/9.3.0", "/sw/gcc9.lua", 1682407235),
		usage("carol", "n3", "settarg", "/sw/settarg.lua", 1682407236),
	}
	if _, err := repo.UpsertFlat(ctx, batch, storage.PolicyOverwrite); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got := queryOne(t, repo, "SELECT total FROM package_count WHERE package = 'gcc'")
	if got != "2" {
		t.Errorf("package_count(gcc) = %s, want 2", got)
	}
	got = queryOne(t, repo, "SELECT total FROM package_version_count WHERE package = 'gcc' AND version = '9.3.0'")
	if got != "1" {
		t.Errorf("package_version_count(gcc, 9.3.0) = %s, want 1", got)
	}
}
