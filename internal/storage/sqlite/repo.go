// Package sqlite implements the repository on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver. It supports both destination
// shapes and is the backend exercised by the test suite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// paramCeiling matches SQLITE_MAX_VARIABLE_NUMBER for modern builds.
const paramCeiling = 32766

// timeLayout stores timestamps as UTC text with microsecond precision so
// natural-key comparisons are exact.
const timeLayout = "2006-01-02 15:04:05.000000"

// Config holds SQLite repository configuration.
type Config struct {
	DSN       string // file path or file: URI
	RowBudget int
}

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository opens the database file and verifies connectivity.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	// Temp tables are connection-scoped; a single connection keeps the
	// staging lifecycle predictable.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	close := func() { _ = db.Close() }
	return &Repository{db: db, cfg: cfg}, close, nil
}

// UpsertFlat merges recs into log_data in chunked transactions.
func (r *Repository) UpsertFlat(ctx context.Context, recs []schema.Usage, policy storage.Policy) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	cols := schema.FlatColumns
	size := storage.ChunkSize(r.cfg.RowBudget, paramCeiling, len(cols))

	conflict := "DO NOTHING"
	if policy == storage.PolicyOverwrite {
		var sets []string
		for _, c := range nonKeyColumns() {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", ident(c), ident(c)))
		}
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	var total int64
	err := storage.ForEachChunk(ctx, recs, size, schema.FlatTable.Name, func(chunk []schema.Usage) error {
		stmt := fmt.Sprintf(
			"INSERT INTO log_data (%s) VALUES %s ON CONFLICT (%s) %s",
			strings.Join(mapIdent(cols), ","),
			placeholderRows(len(chunk), len(cols)),
			strings.Join(mapIdent(schema.FlatKeyColumns), ","),
			conflict,
		)
		args := make([]any, 0, len(chunk)*len(cols))
		for _, rec := range chunk {
			args = append(args, bindValues(rec)...)
		}

		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			_ = tx.Rollback()
			return schemaErr("upsert", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
		return nil
	})
	return total, err
}

// MergeNormalized merges recs into the star schema: stage each chunk in a
// temp table, populate dimensions insert-if-absent, then insert facts by
// joining staging against the dimensions.
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	create := `CREATE TEMP TABLE lmod_stage (
		logname TEXT, "time" TEXT, host TEXT, "user" TEXT,
		"module" TEXT, path TEXT, package TEXT, version TEXT)`
	if _, err := tx.ExecContext(ctx, create); err != nil {
		rollback()
		return 0, schemaErr("create staging", err)
	}

	cols := schema.FlatColumns
	insert := fmt.Sprintf("INSERT INTO temp.lmod_stage (%s) VALUES %s",
		strings.Join(mapIdent(cols), ","), placeholderRows(len(chunk), len(cols)))
	args := make([]any, 0, len(chunk)*len(cols))
	for _, rec := range chunk {
		args = append(args, bindValues(rec)...)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		rollback()
		return 0, schemaErr("stage chunk", err)
	}

	// The WHERE true clause disambiguates the upsert grammar when the insert
	// source is a SELECT.
	dims := []string{
		`INSERT INTO users (name) SELECT DISTINCT "user" FROM temp.lmod_stage WHERE true ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO hosts (name) SELECT DISTINCT host FROM temp.lmod_stage WHERE true ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO packages (name, version, path) SELECT DISTINCT package, version, path FROM temp.lmod_stage WHERE true ON CONFLICT (path) DO NOTHING`,
	}
	for _, stmt := range dims {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			rollback()
			return 0, schemaErr("populate dimension", err)
		}
	}

	facts := `INSERT INTO module_usage (user_id, host_id, package_id, load_time, logname)
		SELECT u.id, h.id, p.id, s."time", s.logname
		FROM temp.lmod_stage s
		JOIN users u ON u.name = s."user"
		JOIN hosts h ON h.name = s.host
		JOIN packages p ON p.path = s.path
		WHERE true
		ON CONFLICT (user_id, host_id, package_id, load_time) DO NOTHING`
	res, err := tx.ExecContext(ctx, facts)
	if err != nil {
		rollback()
		return 0, schemaErr("insert facts", err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE temp.lmod_stage"); err != nil {
		rollback()
		return 0, fmt.Errorf("drop staging: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Probe validates the declared columns against the live table with a
// zero-row select.
func (r *Repository) Probe(ctx context.Context, table string, columns []string) error {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE 0",
		strings.Join(mapIdent(columns), ","), ident(table))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("probe %s: %v: %w", table, err, storage.ErrSchemaMismatch)
	}
	return nil
}

// Exec implements storage.Repository.Exec.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	_, err := r.db.ExecContext(ctx, sqlText)
	return err
}

// QueryStrings implements storage.Repository.QueryStrings.
func (r *Repository) QueryStrings(ctx context.Context, sqlText string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, sqlText)
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

// bindValues renders a record for SQLite: timestamps become UTC text so the
// natural-key unique constraint compares exactly.
func bindValues(rec schema.Usage) []any {
	vals := rec.Values()
	for i, v := range vals {
		if t, ok := v.(time.Time); ok {
			vals[i] = t.UTC().Format(timeLayout)
		}
	}
	return vals
}

// schemaErr maps missing-table and missing-column failures onto
// storage.ErrSchemaMismatch so callers abort instead of retrying.
func schemaErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") || strings.Contains(msg, "has no column") {
		return fmt.Errorf("%s: %v: %w", op, err, storage.ErrSchemaMismatch)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// placeholderRows renders "(?,?,...),(?,?,...)" for n rows of width cols.
func placeholderRows(n, cols int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", cols), ",") + ")"
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(row)
	}
	return b.String()
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

// ident quotes an identifier for SQLite.
func ident(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// mapIdent maps column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
