package config

import "fmt"

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced but does not
	// block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path names the offending
// setting; Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error where needed.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Validate performs static checks over the Config and returns findings.
// Errors must abort before any I/O is attempted; warnings are advisory.
func (c Config) Validate() []Issue {
	var issues []Issue

	switch c.Driver {
	case "postgres", "mysql", "mssql", "sqlite":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "driver",
			Message:  fmt.Sprintf("unknown driver %q (expected postgres, mysql, mssql, or sqlite)", c.Driver),
		})
		return issues
	}

	if c.Driver == "sqlite" {
		if c.Path == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "path",
				Message:  "DB_PATH must be set for the sqlite driver",
			})
		}
	} else {
		if c.User == "" || c.Password == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "credentials",
				Message:  "DB_USER and DB_PASS must be configured in the environment",
			})
		}
		if c.Name == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "name",
				Message:  "DB_NAME must not be empty",
			})
		}
		if c.Port <= 0 || c.Port > 65535 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "port",
				Message:  fmt.Sprintf("port %d is out of range", c.Port),
			})
		}
	}

	switch c.Shape {
	case ShapeFlat, ShapeNormalized:
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "shape",
			Message:  fmt.Sprintf("unknown schema shape %q (expected flat or normalized)", c.Shape),
		})
	}
	if c.Shape == ShapeNormalized && c.Driver == "mssql" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "shape",
			Message:  "the normalized shape is not available on mssql",
		})
	}

	switch c.OnConflict {
	case "overwrite", "ignore":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "on_conflict",
			Message:  fmt.Sprintf("unknown conflict policy %q (expected overwrite or ignore)", c.OnConflict),
		})
	}
	if c.Shape == ShapeNormalized && c.OnConflict == "overwrite" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "on_conflict",
			Message:  "the normalized shape always ignores conflicts; the overwrite policy applies to the flat shape only",
		})
	}

	if c.RowBudget <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "row_budget",
			Message:  "row budget must be positive",
		})
	}

	return issues
}

// HasError reports whether any issue is severity error.
func HasError(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
