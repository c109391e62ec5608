package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	mpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Sentinel errors surfaced to the control plane.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// DB wraps the SQL handle with its dialect. The zero value is not usable;
// construct via Open.
type DB struct {
	sql     *sql.DB
	dialect string
}

// Open connects to the database named by dsn and applies pending migrations.
// A postgres:// DSN selects the postgres backend; anything else is treated
// as a sqlite file path ("" defaults to agencyd.db in the working directory).
func Open(dsn string) (*DB, error) {
	db, err := Connect(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.migrate(); err != nil {
		db.sql.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens the database without touching the schema. The serve path
// uses Open; Connect exists for the migrate CLI, which manages schema
// versions explicitly.
func Connect(dsn string) (*DB, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driver = "pgx"
	} else if dsn == "" {
		dsn = "agencyd.db"
	}
	if dialect == DialectSQLite {
		// Serialized access + FK enforcement; busy timeout covers the brief
		// cross-handle write contention on a shared file.
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	handle, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// modernc sqlite serializes writes; a single conn avoids table locks
		// between the pool's connections.
		handle.SetMaxOpenConns(1)
	}

	return &DB{sql: handle, dialect: dialect}, nil
}

// Close releases the underlying pool.
func (db *DB) Close() error { return db.sql.Close() }

// Dialect returns "sqlite" or "postgres".
func (db *DB) Dialect() string { return db.dialect }

func (db *DB) migrate() error {
	m, err := db.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Migrator builds a migrate handle over the embedded migrations for the
// connection's dialect. Used by the migrate CLI for down/version/force.
func (db *DB) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+db.dialect)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	switch db.dialect {
	case DialectPostgres:
		drv, err := mpostgres.WithInstance(db.sql, &mpostgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil
	default:
		drv, err := msqlite.WithInstance(db.sql, &msqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil
	}
}

// rebind rewrites ?-style placeholders to $N for postgres. Queries are
// written with ? (sqlite native) throughout the package.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
