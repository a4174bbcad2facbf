// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package migrate drives golang-migrate/migrate/v4 against the
// subscriber/policy/usage schema, backing the --db-upgrade CLI flag.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // registers the "file://" source driver
	_ "github.com/jackc/pgx/v5/stdlib"                   // registers the "pgx" database/sql driver

	"grimm.is/cellmeter/internal/logging"
)

// Run applies every pending migration in migrationsDir against connString,
// logging the resulting schema version on success.
func Run(connString, migrationsDir string, log *logging.Logger) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("migrate: open db: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    "cellmeter",
	})
	if err != nil {
		return fmt.Errorf("migrate: postgres driver: %w", err)
	}

	sourceURL := "file://" + migrationsDir
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate: version: %w", err)
	}

	log.Info("database schema up to date", "version", version, "dirty", dirty)
	return nil
}
