// Package schema declares the destination data model for module-usage
// records. The table layout is declared statically here and validated once
// against the live database at startup, instead of being reflected at runtime.
package schema

import "time"

// Usage is one normalized module-load event, aligned with the destination
// data model.
type Usage struct {
	Logname string    `db:"logname"`
	Time    time.Time `db:"time"`
	Host    string    `db:"host"`
	User    string    `db:"user"`
	Module  string    `db:"module"`
	Path    string    `db:"path"`
	Package string    `db:"package"`
	Version *string   `db:"version"`
}

// FlatColumns is the ordered column list of the flat log_data table,
// excluding the auto-generated id. Every backend builds its INSERT and
// staging statements from this order.
var FlatColumns = []string{"logname", "time", "host", "user", "module", "path", "package", "version"}

// FlatKeyColumns is the natural key of the flat table; it carries the
// unique constraint that makes re-ingestion idempotent.
var FlatKeyColumns = []string{"time", "host", "user", "module"}

// Values returns the record's values aligned to FlatColumns.
func (u Usage) Values() []any {
	var version any
	if u.Version != nil {
		version = *u.Version
	}
	return []any{u.Logname, u.Time, u.Host, u.User, u.Module, u.Path, u.Package, version}
}
