// Package mssql implements the flat-shape repository on SQL Server using the
// go-mssqldb bulk copy API: each chunk is bulk-copied into a session-scoped
// #temp table and merged into log_data with delete-then-insert (overwrite)
// or insert-where-absent (ignore).
//
// The normalized star shape is not offered on this backend: SQL Server has
// no atomic insert-if-absent primitive, so a set-based dimension merge would
// not be safe under the concurrent-ingestion model the tool guarantees.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// paramCeiling is the SQL Server limit on parameters per RPC request.
const paramCeiling = 2100

// Config holds MSSQL repository configuration.
type Config struct {
	DSN       string
	RowBudget int
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository validates the DSN early, opens a pool, and pings.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
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

	// Duplicate keys within one chunk would survive the delete-then-insert
	// merge as two copies and violate the unique constraint; the NOT EXISTS
	// guard of the ignore policy only checks the target table.
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	// 1) Temp table with the target's shape.
	create := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
		strings.Join(mapIdent(cols), ","), ident("#lmod_chunk"), ident("log_data"))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		rollback()
		return 0, schemaErr("create temp", err)
	}

	// 2) Bulk copy the chunk into the temp table.
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn("#lmod_chunk", mssql.BulkOptions{}, cols...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("prepare bulk copy: %w", err)
	}
	for i, rec := range chunk {
		if _, err := stmt.ExecContext(ctx, rec.Values()...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	_, err = stmt.ExecContext(ctx) // flush
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}

	keyJoin := joinCondition(schema.FlatKeyColumns)

	// 3) Overwrite policy replaces existing rows wholesale; ignore keeps
	// them. The reported count comes from the final INSERT, not the bulk
	// copy: under ignore, rows already present are copied but not written.
	var res sql.Result
	if policy == storage.PolicyOverwrite {
		del := fmt.Sprintf("DELETE T FROM %s AS T INNER JOIN %s AS S ON %s",
			ident("log_data"), ident("#lmod_chunk"), keyJoin)
		if _, err := tx.ExecContext(ctx, del); err != nil {
			rollback()
			return 0, schemaErr("delete matching rows", err)
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			ident("log_data"),
			strings.Join(mapIdent(cols), ","),
			strings.Join(mapIdent(cols), ","),
			ident("#lmod_chunk"))
		if res, err = tx.ExecContext(ctx, insert); err != nil {
			rollback()
			return 0, schemaErr("insert", err)
		}
	} else {
		insert := fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s AS S WHERE NOT EXISTS (SELECT 1 FROM %s AS T WHERE %s)",
			ident("log_data"),
			strings.Join(mapIdent(cols), ","),
			strings.Join(mapIdentPrefixed("S", cols), ","),
			ident("#lmod_chunk"),
			ident("log_data"),
			keyJoin)
		if res, err = tx.ExecContext(ctx, insert); err != nil {
			rollback()
			return 0, schemaErr("insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	written, _ := res.RowsAffected()
	return written, nil
}

// MergeNormalized is not supported on SQL Server.
func (r *Repository) MergeNormalized(ctx context.Context, recs []schema.Usage) (int64, error) {
	return 0, fmt.Errorf("mssql: %w", storage.ErrShapeUnsupported)
}

// Probe validates the declared columns against the live table.
func (r *Repository) Probe(ctx context.Context, table string, columns []string) error {
	q := fmt.Sprintf("SELECT TOP 0 %s FROM %s",
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

// schemaErr maps invalid-object and invalid-column errors (208, 207) onto
// storage.ErrSchemaMismatch.
func schemaErr(op string, err error) error {
	if serr, ok := err.(mssql.Error); ok {
		switch serr.Number {
		case 208, 207: // invalid object name, invalid column name
			return fmt.Errorf("%s: %s: %w", op, serr.Message, storage.ErrSchemaMismatch)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// joinCondition renders "T.col = S.col AND ..." for the key columns.
func joinCondition(keyColumns []string) string {
	conds := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		conds = append(conds, fmt.Sprintf("T.%s = S.%s", ident(col), ident(col)))
	}
	return strings.Join(conds, " AND ")
}

// ident quotes an identifier with brackets.
func ident(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" }

// mapIdent maps column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}

// mapIdentPrefixed maps column names to "alias.[col]" forms.
func mapIdentPrefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + ident(c)
	}
	return out
}
