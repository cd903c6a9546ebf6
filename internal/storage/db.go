// Package storage owns the control plane's SQLite database: schema
// migrations, connection pool tuning, and transaction helpers shared by the
// queue, events, webhook and responder layers.
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/0001_init.sql
var migration0001 string

//go:embed migrations/0002_webhook_pattern_seed.sql
var migration0002 string

//go:embed migrations/0003_effort_hours.sql
var migration0003 string

//go:embed migrations/0004_health_attempts.sql
var migration0004 string

// Driver selects which registered database/sql driver backs the engine.
// "sqlite" (modernc.org/sqlite, pure Go) is the default; "sqlite3"
// (mattn/go-sqlite3, cgo) is kept available for builds that already link
// cgo elsewhere and want a single driver across the binary.
type Driver string

const (
	DriverPureGo Driver = "sqlite"
	DriverCgo    Driver = "sqlite3"
)

// Engine wraps the control plane's database handle.
type Engine struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path using driver.
func Open(path string, driver Driver) (*Engine, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=on"
	if driver == "" {
		driver = DriverPureGo
	}

	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	e := &Engine{db: db}
	if err := e.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate storage db: %w", err)
	}

	return e, nil
}

// DB returns the underlying *sql.DB for packages that need direct access.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Close closes the database connection.
func (e *Engine) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

func (e *Engine) migrate() error {
	if _, err := e.db.Exec(migration0001); err != nil {
		return fmt.Errorf("failed to execute initial schema: %w", err)
	}

	var version int
	err := e.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version < 2 {
		log.Println("[STORAGE] running migration to v2: pattern seed")
		if _, err := e.db.Exec(migration0002); err != nil {
			return fmt.Errorf("failed to run migration 0002: %w", err)
		}
		if _, err := e.db.Exec("PRAGMA user_version = 2"); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		log.Println("[STORAGE] migrated to schema v2")
	}

	if version < 3 {
		log.Println("[STORAGE] running migration to v3: effort hours")
		if _, err := e.db.Exec(migration0003); err != nil {
			return fmt.Errorf("failed to run migration 0003: %w", err)
		}
		if _, err := e.db.Exec("PRAGMA user_version = 3"); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		log.Println("[STORAGE] migrated to schema v3")
	}

	if version < 4 {
		log.Println("[STORAGE] running migration to v4: health restore attempts")
		if _, err := e.db.Exec(migration0004); err != nil {
			return fmt.Errorf("failed to run migration 0004: %w", err)
		}
		if _, err := e.db.Exec("PRAGMA user_version = 4"); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		log.Println("[STORAGE] migrated to schema v4")
	}

	return nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise.
func (e *Engine) WithTx(fn func(*sql.Tx) error) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
