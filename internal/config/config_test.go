package config

import (
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DB_DRIVER", "DB_USER", "DB_PASS", "DB_HOST", "DB_PORT", "DB_NAME",
		"DB_PATH", "SCHEMA_SHAPE", "ON_CONFLICT", "ROW_BUDGET", "STRICT_PARSE",
	} {
		t.Setenv(k, "")
	}
}

/*
TestFromEnv_Defaults verifies the documented defaults: postgres on
localhost:5432, database "lmod", flat shape, overwrite policy.
*/
func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Driver)
	}
	if cfg.Host != "localhost" || cfg.Port != 5432 {
		t.Errorf("Host:Port = %s:%d, want localhost:5432", cfg.Host, cfg.Port)
	}
	if cfg.Name != "lmod" {
		t.Errorf("Name = %q, want lmod", cfg.Name)
	}
	if cfg.Shape != ShapeFlat {
		t.Errorf("Shape = %q, want flat", cfg.Shape)
	}
	if cfg.OnConflict != "overwrite" {
		t.Errorf("OnConflict = %q, want overwrite", cfg.OnConflict)
	}
	if cfg.RowBudget != DefaultRowBudget {
		t.Errorf("RowBudget = %d, want %d", cfg.RowBudget, DefaultRowBudget)
	}
	if cfg.Strict {
		t.Error("Strict = true, want false")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "ingest")
	t.Setenv("DB_PASS", "secret")
	t.Setenv("DB_NAME", "usage")
	t.Setenv("SCHEMA_SHAPE", "normalized")
	t.Setenv("ROW_BUDGET", "8000")
	t.Setenv("STRICT_PARSE", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Driver != "mysql" {
		t.Errorf("Driver = %q", cfg.Driver)
	}
	if cfg.Port != 3306 {
		t.Errorf("Port = %d, want mysql default 3306", cfg.Port)
	}
	if cfg.Shape != ShapeNormalized {
		t.Errorf("Shape = %q", cfg.Shape)
	}
	if cfg.RowBudget != 8000 {
		t.Errorf("RowBudget = %d", cfg.RowBudget)
	}
	if !cfg.Strict {
		t.Error("Strict = false, want true")
	}
}

func TestFromEnv_BadValues(t *testing.T) {
	for _, tt := range []struct{ key, val string }{
		{"DB_PORT", "not-a-port"},
		{"ROW_BUDGET", "-5"},
		{"ROW_BUDGET", "lots"},
	} {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("FromEnv with %s=%s succeeded, want error", tt.key, tt.val)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "postgres",
			cfg:  Config{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: 5432, Name: "lmod"},
			want: "postgres://u:p@db:5432/lmod",
		},
		{
			name: "mysql",
			cfg:  Config{Driver: "mysql", User: "u", Password: "p", Host: "db", Port: 3306, Name: "lmod"},
			want: "u:p@tcp(db:3306)/lmod?parseTime=true",
		},
		{
			name: "mssql",
			cfg:  Config{Driver: "mssql", User: "u", Password: "p", Host: "db", Port: 1433, Name: "lmod"},
			want: "sqlserver://u:p@db:1433?database=lmod",
		},
		{
			name: "sqlite",
			cfg:  Config{Driver: "sqlite", Path: "/var/lib/lmod.db"},
			want: "/var/lib/lmod.db",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.DSN()
			if err != nil {
				t.Fatalf("DSN: %v", err)
			}
			if got != tt.want {
				t.Errorf("DSN = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (Config{Driver: "oracle"}).DSN(); err == nil {
		t.Error("DSN for unknown driver succeeded, want error")
	}
}
