// Package migrator applies the Postgres schema migrations for the
// transaction, history, subscription and delivery tables.
package migrator

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var pgMigrations embed.FS

type Migrator struct {
	migrate *migrate.Migrate
}

type MigrationOpts struct {
	PostgresURL string
}

func (opts *MigrationOpts) validate() error {
	if opts.PostgresURL == "" {
		return fmt.Errorf("postgres url is required")
	}
	return nil
}

func New(opts MigrationOpts) (*Migrator, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid migration opts: %w", err)
	}

	d, err := iofs.New(pgMigrations, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, opts.PostgresURL)
	if err != nil {
		return nil, sanitizeConnectionError(err, opts.PostgresURL)
	}

	return &Migrator{migrate: m}, nil
}

func (m *Migrator) Version(ctx context.Context) (int, error) {
	version, _, err := m.migrate.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			return 0, nil
		}
		return 0, fmt.Errorf("migrate.Version: %w", err)
	}
	return int(version), nil
}

// Up migrates the database up by n migrations, or all pending migrations
// when n < 0. It returns the resulting version and the number applied.
func (m *Migrator) Up(ctx context.Context, n int) (int, int, error) {
	initVersion, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n < 0 {
		if err := m.migrate.Up(); err != nil {
			if err == migrate.ErrNoChange {
				return initVersion, 0, nil
			}
			return initVersion, 0, fmt.Errorf("migrate.Up: %w", err)
		}
	} else if err := m.migrate.Steps(n); err != nil {
		return initVersion, 0, fmt.Errorf("migrate.Steps: %w", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		return initVersion, 0, fmt.Errorf("reading version after migration: %w", err)
	}
	return version, version - initVersion, nil
}

// Down rolls back n migrations, or all of them when n <= 0.
func (m *Migrator) Down(ctx context.Context, n int) (int, int, error) {
	initVersion, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n > 0 {
		if n > initVersion {
			return initVersion, 0, fmt.Errorf("cannot rollback more migrations than current version; current version: %d, n: %d", initVersion, n)
		}
		if err := m.migrate.Steps(n * -1); err != nil {
			return initVersion, 0, fmt.Errorf("migrate.Steps: %w", err)
		}
	} else if err := m.migrate.Down(); err != nil {
		if err == migrate.ErrNoChange {
			return initVersion, 0, nil
		}
		return initVersion, 0, fmt.Errorf("migrate.Down: %w", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		return initVersion, 0, fmt.Errorf("reading version after migration: %w", err)
	}
	return version, initVersion - version, nil
}

func (m *Migrator) Force(ctx context.Context, version int) error {
	return m.migrate.Force(version)
}

func (m *Migrator) Close(ctx context.Context) (error, error) {
	return m.migrate.Close()
}
