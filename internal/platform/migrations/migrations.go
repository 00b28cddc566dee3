// Package migrations applies the embedded schema using golang-migrate. Each
// dialect has its own directory; the schemas differ only in column types.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Supported dialects. They double as database/sql driver names.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Up applies every pending migration. A database that is already current is
// not an error.
func Up(dialect, dsn string) error {
	return run(dialect, dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// Down reverts the last n migrations.
func Down(dialect, dsn string, n int) error {
	if n <= 0 {
		return fmt.Errorf("steps must be positive")
	}
	return run(dialect, dsn, func(m *migrate.Migrate) error { return m.Steps(-n) })
}

// Version reports the applied schema version.
func Version(dialect, dsn string) (version uint, dirty bool, err error) {
	err = run(dialect, dsn, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

func run(dialect, dsn string, fn func(*migrate.Migrate) error) error {
	m, err := open(dialect, dsn)
	if err != nil {
		return err
	}
	runErr := fn(m)
	if errors.Is(runErr, migrate.ErrNoChange) {
		runErr = nil
	}
	srcErr, dbErr := m.Close()
	if runErr != nil {
		return fmt.Errorf("migrate %s: %w", dialect, runErr)
	}
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// open uses a dedicated handle because closing the migrator closes the
// database it was given.
func open(dialect, dsn string) (*migrate.Migrate, error) {
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	src, err := iofs.New(files, dialect)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	var drv database.Driver
	switch dialect {
	case Postgres:
		drv, err = postgres.WithInstance(db, &postgres.Config{})
	case SQLite:
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	return m, nil
}
