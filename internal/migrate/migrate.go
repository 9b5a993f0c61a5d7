package migrate

import (
	"context"
	"fmt"
	"io"
	"log"

	"lmodingest/internal/storage"
)

// Apply brings the store up to the target schema version, applying every
// pending migration in order. An empty target applies every version the
// dialect offers; naming a target the dialect does not offer is an error.
//
// When dryRun is set the SQL is written to out instead of being executed and
// the history table is left untouched.
func Apply(ctx context.Context, repo storage.Repository, dialect, target string, dryRun bool, out io.Writer) error {
	if target != "" && !knownVersion(target) {
		return fmt.Errorf("unknown schema version %q", target)
	}

	done, err := appliedVersions(ctx, repo, dialect, dryRun)
	if err != nil {
		return err
	}

	for _, m := range versions {
		if done[m.Version] {
			continue
		}
		stmts, ok := m.Up[dialect]
		if !ok {
			// Only a version the caller named is an error; "apply all"
			// walks past versions the dialect does not offer.
			if m.Version == target {
				return fmt.Errorf("schema version %s is not available for %s", m.Version, dialect)
			}
			continue
		}

		if dryRun {
			fmt.Fprintf(out, "-- %s\n", m.Version)
			for _, stmt := range stmts {
				fmt.Fprintf(out, "%s;\n", stmt)
			}
		} else {
			log.Printf("migrate: applying %s", m.Version)
			for _, stmt := range stmts {
				if err := repo.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("apply %s: %w", m.Version, err)
				}
			}
			if err := record(ctx, repo, m.Version); err != nil {
				return err
			}
		}

		if m.Version == target {
			return nil
		}
	}
	return nil
}

// Rollback undoes a single named schema version.
func Rollback(ctx context.Context, repo storage.Repository, dialect, version string, dryRun bool, out io.Writer) error {
	var mig *Migration
	for i := range versions {
		if versions[i].Version == version {
			mig = &versions[i]
			break
		}
	}
	if mig == nil {
		return fmt.Errorf("unknown schema version %q", version)
	}
	stmts, ok := mig.Down[dialect]
	if !ok {
		return fmt.Errorf("schema version %s is not available for %s", version, dialect)
	}

	if dryRun {
		fmt.Fprintf(out, "-- rollback %s\n", version)
		for _, stmt := range stmts {
			fmt.Fprintf(out, "%s;\n", stmt)
		}
		return nil
	}

	log.Printf("migrate: rolling back %s", version)
	for _, stmt := range stmts {
		if err := repo.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rollback %s: %w", version, err)
		}
	}
	return repo.Exec(ctx,
		fmt.Sprintf("DELETE FROM schema_migrations WHERE version = '%s'", version))
}

// appliedVersions ensures the history table exists and returns the set of
// recorded versions. In dry-run mode a missing history table is tolerated.
func appliedVersions(ctx context.Context, repo storage.Repository, dialect string, dryRun bool) (map[string]bool, error) {
	if !dryRun {
		if err := repo.Exec(ctx, historySQL(dialect)); err != nil {
			return nil, fmt.Errorf("ensure history table: %w", err)
		}
	}

	done := map[string]bool{}
	rows, err := repo.QueryStrings(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		if dryRun {
			return done, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	for _, v := range rows {
		done[v] = true
	}
	return done, nil
}

// record marks a version as applied. Versions are internal constants, never
// user input.
func record(ctx context.Context, repo storage.Repository, version string) error {
	stmt := fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES ('%s')", version)
	if err := repo.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("record %s: %w", version, err)
	}
	return nil
}

func knownVersion(v string) bool {
	for _, m := range versions {
		if m.Version == v {
			return true
		}
	}
	return false
}
