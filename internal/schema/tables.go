package schema

// ColumnDef is a minimal, dialect-neutral description of a column. SQLType
// uses a small set of generic type names ("id", "text", "timestamp",
// "bigint") that each backend's migration renderer maps to its dialect.
type ColumnDef struct {
	Name     string
	SQLType  string
	Size     int // advisory character length for dialects with bounded strings
	Nullable bool
}

// TableDef describes one destination table: its columns in order, the
// columns forming the natural-key unique constraint, and any foreign keys.
type TableDef struct {
	Name       string
	Columns    []ColumnDef
	Unique     []string
	ForeignKey map[string]string // column -> referenced "table(column)"
}

// FlatTable is the single wide table keyed by (time, host, user, module).
var FlatTable = TableDef{
	Name: "log_data",
	Columns: []ColumnDef{
		{Name: "id", SQLType: "id"},
		{Name: "logname", SQLType: "text", Size: 255},
		{Name: "time", SQLType: "timestamp"},
		{Name: "host", SQLType: "text", Size: 255},
		{Name: "user", SQLType: "text", Size: 50},
		{Name: "module", SQLType: "text", Size: 100},
		{Name: "path", SQLType: "text", Size: 4096},
		{Name: "package", SQLType: "text", Size: 100},
		{Name: "version", SQLType: "text", Size: 150, Nullable: true},
	},
	Unique: []string{"time", "host", "user", "module"},
}

// Normalized star schema: three append-only dimensions and one fact table.
var (
	UsersTable = TableDef{
		Name: "users",
		Columns: []ColumnDef{
			{Name: "id", SQLType: "id"},
			{Name: "name", SQLType: "text", Size: 50},
		},
		Unique: []string{"name"},
	}

	HostsTable = TableDef{
		Name: "hosts",
		Columns: []ColumnDef{
			{Name: "id", SQLType: "id"},
			{Name: "name", SQLType: "text", Size: 255},
		},
		Unique: []string{"name"},
	}

	PackagesTable = TableDef{
		Name: "packages",
		Columns: []ColumnDef{
			{Name: "id", SQLType: "id"},
			{Name: "name", SQLType: "text", Size: 100},
			{Name: "version", SQLType: "text", Size: 150, Nullable: true},
			{Name: "path", SQLType: "text", Size: 512},
		},
		Unique: []string{"path"},
	}

	ModuleUsageTable = TableDef{
		Name: "module_usage",
		Columns: []ColumnDef{
			{Name: "id", SQLType: "id"},
			{Name: "user_id", SQLType: "bigint"},
			{Name: "host_id", SQLType: "bigint"},
			{Name: "package_id", SQLType: "bigint"},
			{Name: "load_time", SQLType: "timestamp"},
			{Name: "logname", SQLType: "text", Size: 255},
		},
		Unique: []string{"user_id", "host_id", "package_id", "load_time"},
		ForeignKey: map[string]string{
			"user_id":    "users(id)",
			"host_id":    "hosts(id)",
			"package_id": "packages(id)",
		},
	}
)

// DataColumns returns the table's column names without the generated id.
func (t TableDef) DataColumns() []string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.SQLType == "id" {
			continue
		}
		cols = append(cols, c.Name)
	}
	return cols
}
