package sqlite

import (
	"context"

	"lmodingest/internal/storage"
)

var newRepository = NewRepository

var _ storage.Repository = (*wrappedRepo)(nil)

// init registers the "sqlite" backend with the factory.
func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		r, closeFn, err := newRepository(ctx, Config{DSN: cfg.DSN, RowBudget: cfg.RowBudget})
		if err != nil {
			return nil, err
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}

// wrappedRepo adapts *sqlite.Repository to storage.Repository.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

// Close closes the underlying database handle.
func (w *wrappedRepo) Close() { w.closeFn() }
