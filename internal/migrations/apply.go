package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Pending filters all down to the migrations not yet recorded in applied,
// keeping file order.
func Pending(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// Applied lists the recorded migration names.
func Applied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", describe(err))
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", describe(err))
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Apply runs every pending migration in its own transaction and returns
// the names it applied. A migration recorded concurrently by another
// process is skipped.
func Apply(ctx context.Context, db *sql.DB, logger zerolog.Logger) ([]string, error) {
	all, err := All()
	if err != nil {
		return nil, err
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range Pending(all, applied) {
		mlog := logger.With().Str("migration", m.Name).Logger()
		ok, err := applyOne(ctx, db, m)
		if err != nil {
			return done, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if !ok {
			mlog.Info().Msg("migrate: already applied elsewhere")
			continue
		}
		mlog.Info().Msg("migrate: applied")
		done = append(done, m.Name)
	}
	return done, nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, describe(err)
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return false, describe(err)
	}
	if err := tx.Commit(); err != nil {
		return false, describe(err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

// describe adds the Postgres error class and detail to err.
func describe(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	msg := fmt.Sprintf("%s (%s)", pqErr.Message, pqErr.Code.Name())
	if pqErr.Detail != "" {
		msg += ": " + pqErr.Detail
	}
	return fmt.Errorf("%s: %w", msg, err)
}
