package registry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations for the store's dialect. It
// is safe to call on every start.
func (s *Store) Migrate() error {
	db := s.db
	// The mysql and postgres migration drivers hold a connection until they
	// are closed and closing them closes their database, so they get their
	// own.
	own := s.dsn != "" && s.dialect != SQLite
	if own {
		var err error
		if db, err = sql.Open(s.dialect.driver(), s.dsn); err != nil {
			return fmt.Errorf("failed to open database for migration: %w", err)
		}
	}

	m, err := s.migrator(db)
	if err != nil {
		if own {
			_ = db.Close()
		}
		return err
	}
	if own {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *Store) migrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case MySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case Postgres:
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	case SQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", s.dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(s.dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}
