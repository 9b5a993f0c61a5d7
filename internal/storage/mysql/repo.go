// Package mysql implements the repository on MySQL/MariaDB. Flat upserts use
// multi-row INSERT with ON DUPLICATE KEY UPDATE (or INSERT IGNORE); the
// normalized merge stages each chunk in a temporary table and resolves
// dimensions with INSERT IGNORE.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"

	"lmodingest/internal/schema"
	"lmodingest/internal/storage"
)

// paramCeiling is the placeholder limit for one prepared statement.
const paramCeiling = 65535

// Config holds MySQL repository configuration.
type Config struct {
	DSN       string
	RowBudget int
}

// Repository is a MySQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
}

// NewRepository validates the DSN, opens a pool, and verifies connectivity.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if _, err := gomysql.ParseDSN(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", cfg.DSN)
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

	cols := schema.FlatColumns
	size := storage.ChunkSize(r.cfg.RowBudget, paramCeiling, len(cols))

	verb := "INSERT"
	suffix := ""
	if policy == storage.PolicyOverwrite {
		var sets []string
		for _, c := range nonKeyColumns() {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", ident(c), ident(c)))
		}
		suffix = " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		verb = "INSERT IGNORE"
	}

	var total int64
	err := storage.ForEachChunk(ctx, recs, size, schema.FlatTable.Name, func(chunk []schema.Usage) error {
		stmt := fmt.Sprintf("%s INTO log_data (%s) VALUES %s%s",
			verb,
			strings.Join(mapIdent(cols), ","),
			placeholderRows(len(chunk), len(cols)),
			suffix,
		)
		args := make([]any, 0, len(chunk)*len(cols))
		for _, rec := range chunk {
			args = append(args, rec.Values()...)
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

// MergeNormalized merges recs into the star schema using a session-scoped
// temporary staging table per chunk.
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

	create := "CREATE TEMPORARY TABLE lmod_stage (" +
		"logname VARCHAR(4096), `time` DATETIME(6), host VARCHAR(255), `user` VARCHAR(255), " +
		"`module` VARCHAR(255), path VARCHAR(4096), package VARCHAR(255), version VARCHAR(255))"
	if _, err := tx.ExecContext(ctx, create); err != nil {
		rollback()
		return 0, schemaErr("create staging", err)
	}
	cols := schema.FlatColumns
	insert := fmt.Sprintf("INSERT INTO lmod_stage (%s) VALUES %s",
		strings.Join(mapIdent(cols), ","), placeholderRows(len(chunk), len(cols)))
	args := make([]any, 0, len(chunk)*len(cols))
	for _, rec := range chunk {
		args = append(args, rec.Values()...)
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		rollback()
		return 0, schemaErr("stage chunk", err)
	}

	dims := []string{
		"INSERT IGNORE INTO users (name) SELECT DISTINCT `user` FROM lmod_stage",
		"INSERT IGNORE INTO hosts (name) SELECT DISTINCT host FROM lmod_stage",
		"INSERT IGNORE INTO packages (name, version, path) SELECT DISTINCT package, version, path FROM lmod_stage",
	}
	for _, stmt := range dims {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			rollback()
			return 0, schemaErr("populate dimension", err)
		}
	}

	facts := "INSERT IGNORE INTO module_usage (user_id, host_id, package_id, load_time, logname) " +
		"SELECT u.id, h.id, p.id, s.`time`, s.logname FROM lmod_stage s " +
		"JOIN users u ON u.name = s.`user` " +
		"JOIN hosts h ON h.name = s.host " +
		"JOIN packages p ON p.path = s.path"
	res, err := tx.ExecContext(ctx, facts)
	if err != nil {
		rollback()
		return 0, schemaErr("insert facts", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE lmod_stage"); err != nil {
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
	q := fmt.Sprintf("SELECT %s FROM %s WHERE 1=0",
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

// schemaErr maps missing-table and bad-column server errors (1146, 1054)
// onto storage.ErrSchemaMismatch.
func schemaErr(op string, err error) error {
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1146, 1054: // ER_NO_SUCH_TABLE, ER_BAD_FIELD_ERROR
			return fmt.Errorf("%s: %s: %w", op, myErr.Message, storage.ErrSchemaMismatch)
		}
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

// ident quotes an identifier with backticks.
func ident(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// mapIdent maps column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return out
}
