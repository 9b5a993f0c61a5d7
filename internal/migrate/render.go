// Package migrate applies versioned schema migrations to the destination
// store. Versions are named after the schemas they introduce ("0.1" is the
// flat table, "0.2" the normalized star schema) and are tracked in a
// schema_migrations history table.
package migrate

import (
	"fmt"
	"strings"

	"lmodingest/internal/schema"
)

// dialect identifiers; these match the storage backend kinds.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectMSSQL    = "mssql"
	DialectSQLite   = "sqlite"
)

// renderType maps a generic column type onto the dialect's SQL type.
func renderType(dialect string, c schema.ColumnDef) (string, error) {
	switch c.SQLType {
	case "id":
		switch dialect {
		case DialectPostgres:
			return "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY", nil
		case DialectMySQL:
			return "BIGINT AUTO_INCREMENT PRIMARY KEY", nil
		case DialectMSSQL:
			return "BIGINT IDENTITY(1,1) PRIMARY KEY", nil
		case DialectSQLite:
			return "INTEGER PRIMARY KEY AUTOINCREMENT", nil
		}
	case "text":
		switch dialect {
		case DialectPostgres, DialectSQLite:
			return "TEXT", nil
		case DialectMySQL:
			if c.Size > 0 {
				return fmt.Sprintf("VARCHAR(%d)", c.Size), nil
			}
			return "TEXT", nil
		case DialectMSSQL:
			size := c.Size
			// Bounded so the column can participate in unique indexes.
			if size == 0 || size > 450 {
				size = 450
			}
			return fmt.Sprintf("NVARCHAR(%d)", size), nil
		}
	case "timestamp":
		switch dialect {
		case DialectPostgres:
			return "TIMESTAMPTZ", nil
		case DialectMySQL:
			return "DATETIME(6)", nil
		case DialectMSSQL:
			return "DATETIME2(6)", nil
		case DialectSQLite:
			return "TEXT", nil
		}
	case "bigint":
		switch dialect {
		case DialectPostgres, DialectMySQL, DialectMSSQL:
			return "BIGINT", nil
		case DialectSQLite:
			return "INTEGER", nil
		}
	}
	return "", fmt.Errorf("no %s rendering for column type %q", dialect, c.SQLType)
}

// ident quotes an identifier for the dialect.
func ident(dialect, id string) string {
	switch dialect {
	case DialectMySQL:
		return "`" + strings.ReplaceAll(id, "`", "``") + "`"
	case DialectMSSQL:
		return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
	}
}

func mapIdent(dialect string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(dialect, c)
	}
	return out
}

// createTableSQL renders a CREATE TABLE statement for the dialect from the
// statically declared table description, including the natural-key unique
// constraint and foreign keys.
func createTableSQL(dialect string, t schema.TableDef) (string, error) {
	if t.Name == "" || len(t.Columns) == 0 {
		return "", fmt.Errorf("table name and columns required")
	}

	var defs []string
	for _, c := range t.Columns {
		typ, err := renderType(dialect, c)
		if err != nil {
			return "", err
		}
		def := ident(dialect, c.Name) + " " + typ
		if c.SQLType != "id" && !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	if len(t.Unique) > 0 {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			ident(dialect, "unq_"+t.Name),
			strings.Join(mapIdent(dialect, t.Unique), ",")))
	}
	for _, c := range t.Columns {
		ref, ok := t.ForeignKey[c.Name]
		if !ok {
			continue
		}
		refTable, refCol, found := strings.Cut(ref, "(")
		if !found {
			return "", fmt.Errorf("malformed foreign key reference %q", ref)
		}
		refCol = strings.TrimSuffix(refCol, ")")
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			ident(dialect, c.Name), ident(dialect, refTable), ident(dialect, refCol)))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)",
		ident(dialect, t.Name), strings.Join(defs, ",\n  ")), nil
}

// mustCreateTableSQL panics on a rendering error; used only for the static
// migration set, where a failure is a programming error caught by tests.
func mustCreateTableSQL(dialect string, t schema.TableDef) string {
	s, err := createTableSQL(dialect, t)
	if err != nil {
		panic(err)
	}
	return s
}
