package migrate

import "lmodingest/internal/schema"

var dialects = []string{DialectPostgres, DialectMySQL, DialectMSSQL, DialectSQLite}

// Migration is one named schema version with per-dialect DDL. A dialect
// absent from Up does not support the version.
type Migration struct {
	Version string
	Up      map[string][]string
	Down    map[string][]string
}

// Versions returns the ordered migration set.
func Versions() []Migration { return versions }

var versions []Migration

func init() {
	flat := Migration{
		Version: "0.1",
		Up:      map[string][]string{},
		Down:    map[string][]string{},
	}
	for _, d := range dialects {
		flat.Up[d] = []string{mustCreateTableSQL(d, schema.FlatTable)}
		flat.Down[d] = []string{"DROP TABLE " + ident(d, schema.FlatTable.Name)}
	}

	views := Migration{
		Version: "0.1.views",
		Up:      map[string][]string{},
		Down:    map[string][]string{},
	}
	for _, d := range dialects {
		views.Up[d] = viewsSQL(d)
		views.Down[d] = []string{
			"DROP VIEW " + ident(d, "package_count"),
			"DROP VIEW " + ident(d, "package_version_count"),
		}
	}

	star := Migration{
		Version: "0.2",
		Up:      map[string][]string{},
		Down:    map[string][]string{},
	}
	// The normalized shape is not offered on SQL Server; see the mssql
	// backend for why.
	for _, d := range []string{DialectPostgres, DialectMySQL, DialectSQLite} {
		star.Up[d] = []string{
			mustCreateTableSQL(d, schema.UsersTable),
			mustCreateTableSQL(d, schema.HostsTable),
			mustCreateTableSQL(d, schema.PackagesTable),
			mustCreateTableSQL(d, schema.ModuleUsageTable),
		}
		star.Down[d] = []string{
			"DROP TABLE " + ident(d, schema.ModuleUsageTable.Name),
			"DROP TABLE " + ident(d, schema.PackagesTable.Name),
			"DROP TABLE " + ident(d, schema.HostsTable.Name),
			"DROP TABLE " + ident(d, schema.UsersTable.Name),
		}
	}

	versions = []Migration{flat, views, star}
}

// viewsSQL renders the read-only aggregate views over the flat table.
func viewsSQL(dialect string) []string {
	timeCol := ident(dialect, "time")
	return []string{
		"CREATE VIEW " + ident(dialect, "package_count") + " AS " +
			"SELECT package, COUNT(*) AS total, MAX(" + timeCol + ") AS lastload " +
			"FROM " + ident(dialect, "log_data") + " GROUP BY package",
		"CREATE VIEW " + ident(dialect, "package_version_count") + " AS " +
			"SELECT package, version, COUNT(*) AS total, MAX(" + timeCol + ") AS lastload " +
			"FROM " + ident(dialect, "log_data") + " GROUP BY package, version",
	}
}

// historySQL creates the migration history table if it does not exist.
func historySQL(dialect string) string {
	switch dialect {
	case DialectPostgres:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	case DialectMySQL:
		return "CREATE TABLE IF NOT EXISTS schema_migrations (" +
			"version VARCHAR(32) PRIMARY KEY, " +
			"applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6))"
	case DialectMSSQL:
		return "IF OBJECT_ID('schema_migrations', 'U') IS NULL " +
			"CREATE TABLE schema_migrations (" +
			"version NVARCHAR(32) PRIMARY KEY, " +
			"applied_at DATETIME2(6) NOT NULL DEFAULT SYSUTCDATETIME())"
	default: // sqlite
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
)`
	}
}
