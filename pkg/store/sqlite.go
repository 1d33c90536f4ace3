package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister mirrors the registry to a SQLite file
type SQLitePersister struct {
	sqlPersister
}

// NewSQLitePersister opens (and creates) the database at dbPath
func NewSQLitePersister(ctx context.Context, dbPath string) (*SQLitePersister, error) {
	// WAL + busy timeout let readers run alongside the single writer
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &SQLitePersister{sqlPersister{db: db}}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}
