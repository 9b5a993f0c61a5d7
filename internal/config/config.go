// Package config defines the explicit configuration model for the ingestion
// tool. A Config is constructed once at process start (usually from
// environment variables) and passed into the pipeline; core logic never
// reads ambient state.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultDriver = "postgres"
	DefaultHost   = "localhost"
	DefaultName   = "lmod"

	// DefaultRowBudget caps bind parameters per statement; chunk size is
	// this budget divided by the column count.
	DefaultRowBudget = 32000
)

// Shape selects the destination schema shape.
const (
	ShapeFlat       = "flat"
	ShapeNormalized = "normalized"
)

// Config carries everything an ingestion or migration run needs.
type Config struct {
	Driver   string // "postgres", "mysql", "mssql", "sqlite"
	User     string
	Password string
	Host     string
	Port     int
	Name     string // database name
	Path     string // database file, sqlite only

	Shape      string // "flat" or "normalized"
	OnConflict string // "overwrite" or "ignore"
	RowBudget  int
	Strict     bool // abort the batch on the first malformed line
}

// FromEnv builds a Config from environment variables, applying documented
// defaults. Validation is separate; see Validate.
//
// Variables: DB_DRIVER, DB_USER, DB_PASS, DB_HOST, DB_PORT, DB_NAME,
// DB_PATH, SCHEMA_SHAPE, ON_CONFLICT, ROW_BUDGET, STRICT_PARSE.
func FromEnv() (Config, error) {
	cfg := Config{
		Driver:     envDefault("DB_DRIVER", DefaultDriver),
		User:       os.Getenv("DB_USER"),
		Password:   os.Getenv("DB_PASS"),
		Host:       envDefault("DB_HOST", DefaultHost),
		Name:       envDefault("DB_NAME", DefaultName),
		Path:       os.Getenv("DB_PATH"),
		Shape:      envDefault("SCHEMA_SHAPE", ShapeFlat),
		OnConflict: envDefault("ON_CONFLICT", "overwrite"),
		RowBudget:  DefaultRowBudget,
		Strict:     os.Getenv("STRICT_PARSE") == "1" || os.Getenv("STRICT_PARSE") == "true",
	}

	if v := os.Getenv("DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("DB_PORT %q is not a number", v)
		}
		cfg.Port = p
	} else {
		cfg.Port = defaultPort(cfg.Driver)
	}

	if v := os.Getenv("ROW_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("ROW_BUDGET %q is not a positive number", v)
		}
		cfg.RowBudget = n
	}

	return cfg, nil
}

// DSN assembles the driver-specific connection string.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:   "/" + c.Name,
		}
		return u.String(), nil

	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name), nil

	case "mssql":
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.User, c.Password),
			Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			RawQuery: url.Values{"database": []string{c.Name}}.Encode(),
		}
		return u.String(), nil

	case "sqlite":
		return c.Path, nil
	}
	return "", fmt.Errorf("unknown driver %q", c.Driver)
}

func defaultPort(driver string) int {
	switch driver {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	case "mssql":
		return 1433
	}
	return 0
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
