// Package postgres implements the Postgres repository using pgx v5. Writes
// go through a COPY into a transaction-scoped temp table followed by an
// INSERT ... SELECT with an ON CONFLICT clause, one transaction per chunk.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// paramCeiling is the Postgres wire-protocol limit on bind parameters per
// statement. COPY is not bound by it, but chunk commits still honor it so
// the flat and normalized paths share one chunking rule.
const paramCeiling = 65535

// Config holds Postgres repository configuration.
type Config struct {
	DSN       string
	RowBudget int
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewRepository opens a connection pool and verifies connectivity.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	close := func() { pool.Close() }
	return &Repository{pool: pool, cfg: cfg}, close, nil
}

// UpsertFlat merges recs into log_data in chunked transactions.
func (r *Repository) UpsertFlat(ctx context.Context, recs []schema.Usage, policy storage.Policy) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	// Duplicate keys within one statement would make DO UPDATE touch the
	// same target row twice, which Postgres rejects (SQLSTATE 21000).
	recs = storage.DedupeByKey(recs, policy)

	cols := schema.FlatColumns
	size := storage.ChunkSize(r.cfg.RowBudget, paramCeiling, len(cols))

	var total int64
	err := storage.ForEachChunk(ctx, recs, size, schema.FlatTable.Name, func(chunk []schema.Usage) error {
		n, err := r.upsertFlatChunk(ctx, chunk, policy)
		total += n
		return err
	})
	return total, err
}

func (r *Repository) upsertFlatChunk(ctx context.Context, chunk []schema.Usage, policy storage.Policy) (int64, error) {
	cols := schema.FlatColumns

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Temp table with the target's column types; dropped on commit.
	create := fmt.Sprintf(
		"CREATE TEMP TABLE lmod_chunk ON COMMIT DROP AS SELECT %s FROM log_data WHERE false",
		strings.Join(mapIdent(cols), ","),
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, schemaErr("create temp", err)
	}

	rows := make([][]any, 0, len(chunk))
	for _, rec := range chunk {
		rows = append(rows, rec.Values())
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"lmod_chunk"}, cols, pgx.CopyFromRows(rows)); err != nil {
		return 0, schemaErr("copy into temp", err)
	}

	conflict := "DO NOTHING"
	if policy == storage.PolicyOverwrite {
		conflict = "DO UPDATE SET " + strings.Join(updateColumns(nonKeyColumns()), ", ")
	}
	insert := fmt.Sprintf(
		"INSERT INTO log_data (%s) SELECT %s FROM lmod_chunk ON CONFLICT (%s) %s",
		strings.Join(mapIdent(cols), ","),
		strings.Join(mapIdent(cols), ","),
		strings.Join(mapIdent(schema.FlatKeyColumns), ","),
		conflict,
	)
	tag, err := tx.Exec(ctx, insert)
	if err != nil {
		return 0, schemaErr("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MergeNormalized merges recs into the star schema in chunked transactions:
// stage, resolve dimensions insert-if-absent, insert facts by joining the
// staged rows against the dimensions on their natural keys.
func (r *Repository) MergeNormalized(ctx context.Context, recs []schema.Usage) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	cols := schema.FlatColumns
	size := storage.ChunkSize(r.cfg.RowBudget, paramCeiling, len(cols))

	var total int64
	err := storage.ForEachChunk(ctx, recs, size, schema.ModuleUsageTable.Name, func(chunk []schema.Usage) error {
		n, err := r.mergeChunk(ctx, chunk)
		total += n
		return err
	})
	return total, err
}

func (r *Repository) mergeChunk(ctx context.Context, chunk []schema.Usage) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The staging table is declared explicitly rather than cloned from
	// log_data: the normalized shape can be deployed without the flat table.
	create := `CREATE TEMP TABLE lmod_stage (
		logname text, "time" timestamptz, host text, "user" text,
		"module" text, path text, package text, version text) ON COMMIT DROP`
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, schemaErr("create staging", err)
	}

	rows := make([][]any, 0, len(chunk))
	for _, rec := range chunk {
		rows = append(rows, rec.Values())
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"lmod_stage"}, schema.FlatColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, schemaErr("copy into staging", err)
	}

	// Dimensions are append-only: collisions on the natural key are ignored,
	// never overwritten.
	dims := []string{
		`INSERT INTO users (name) SELECT DISTINCT "user" FROM lmod_stage ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO hosts (name) SELECT DISTINCT host FROM lmod_stage ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO packages (name, version, path) SELECT DISTINCT package, version, path FROM lmod_stage ON CONFLICT (path) DO NOTHING`,
	}
	for _, stmt := range dims {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, schemaErr("populate dimension", err)
		}
	}

	facts := `INSERT INTO module_usage (user_id, host_id, package_id, load_time, logname)
		SELECT u.id, h.id, p.id, s."time", s.logname
		FROM lmod_stage s
		JOIN users u ON u.name = s."user"
		JOIN hosts h ON h.name = s.host
		JOIN packages p ON p.path = s.path
		ON CONFLICT (user_id, host_id, package_id, load_time) DO NOTHING`
	tag, err := tx.Exec(ctx, facts)
	if err != nil {
		return 0, schemaErr("insert facts", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Probe validates the declared columns against the live table with a
// zero-row select.
func (r *Repository) Probe(ctx context.Context, table string, columns []string) error {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE false",
		strings.Join(mapIdent(columns), ","), pgIdent(table))
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return schemaErr("probe "+table, err)
	}
	return nil
}

// Exec implements storage.Repository.Exec.
func (r *Repository) Exec(ctx context.Context, sql string) error {
	_, err := r.pool.Exec(ctx, sql)
	return err
}

// QueryStrings implements storage.Repository.QueryStrings.
func (r *Repository) QueryStrings(ctx context.Context, sql string) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// schemaErr classifies backend errors: undefined tables and columns become
// storage.ErrSchemaMismatch so callers fail fast instead of retrying.
func schemaErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703", "42804": // undefined_table, undefined_column, datatype_mismatch
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, storage.ErrSchemaMismatch)
		}
		if pgErr.Detail != "" {
			return fmt.Errorf("%s: %s (%s)", op, pgErr.Detail, pgErr.SQLState())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nonKeyColumns returns the flat columns outside the natural key.
func nonKeyColumns() []string {
	key := map[string]struct{}{}
	for _, k := range schema.FlatKeyColumns {
		key[k] = struct{}{}
	}
	var out []string
	for _, c := range schema.FlatColumns {
		if _, ok := key[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// updateColumns generates "col = EXCLUDED.col" assignments.
func updateColumns(cols []string) []string {
	var updates []string
	for _, col := range cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(col), pgIdent(col)))
	}
	return updates
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
