// Package storage contains the storage-agnostic contracts of the batch
// ingestor: the Repository interface, the backend factory, and the chunking
// rules shared by every backend.
//
// Concrete backends live in subpackages (postgres, mysql, mssql, sqlite) and
// register themselves with the factory at init time. Importing
// lmodingest/internal/storage/all enables every built-in backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lmodingest/internal/schema"
)

// Policy selects what a flat-table upsert does when the incoming row
// collides with an existing natural key.
type Policy string

const (
	// PolicyOverwrite replaces all non-key columns with the incoming values
	// ("last write wins"). This is the default: re-ingesting a corrected log
	// should reflect the latest known truth for that key.
	PolicyOverwrite Policy = "overwrite"

	// PolicyIgnore leaves the existing row untouched.
	PolicyIgnore Policy = "ignore"
)

// ErrSchemaMismatch wraps failures caused by a missing destination table or
// a column layout that does not match the declared schema. These indicate a
// deployment/migration error; retrying without fixing the schema cannot
// succeed, so callers abort the batch.
var ErrSchemaMismatch = errors.New("destination schema mismatch")

// ErrShapeUnsupported reports that a backend does not implement the
// requested destination schema shape.
var ErrShapeUnsupported = errors.New("schema shape not supported by this backend")

// Repository is the write path into one destination store. Implementations
// are scoped to a single ingestion run: acquired, used, released.
type Repository interface {
	// UpsertFlat merges recs into the flat log_data table, chunked, one
	// transaction per chunk, resolving natural-key collisions per policy.
	// It returns the number of rows reported written by the store.
	UpsertFlat(ctx context.Context, recs []schema.Usage, policy Policy) (int64, error)

	// MergeNormalized merges recs into the normalized star schema: stage the
	// chunk, populate dimensions insert-if-absent, then insert facts joined
	// against the dimensions. Dimension rows are never overwritten.
	MergeNormalized(ctx context.Context, recs []schema.Usage) (int64, error)

	// Probe validates that the named table exists with the declared columns.
	// A failure is reported as (wrapped) ErrSchemaMismatch.
	Probe(ctx context.Context, table string, columns []string) error

	// Exec runs a raw statement; used by the schema migrator.
	Exec(ctx context.Context, sql string) error

	// QueryStrings runs a query returning a single text column; used by the
	// schema migrator to read applied versions.
	QueryStrings(ctx context.Context, sql string) ([]string, error)

	// Close releases the underlying connection or pool.
	Close()
}

// Config selects and configures a backend.
type Config struct {
	Kind      string // "postgres", "mysql", "mssql", "sqlite"
	DSN       string
	RowBudget int // parameter budget per statement; 0 uses the backend ceiling
}

// Factory builds a Repository from a Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a backend factory for kind. Backend packages call this
// from init().
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New opens a Repository for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no storage backend registered for kind %q", cfg.Kind)
	}
	return fn(ctx, cfg)
}
