package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".boardline"
	defaultDBName = "boardline.db"
)

// Config locates the database. File overrides the workspace layout.
type Config struct {
	Workspace   string
	File        string
	BusyTimeout time.Duration
}

func dbPath(cfg Config) string {
	if cfg.File != "" {
		return cfg.File
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the directory holding the database if missing.
func EnsureWorkspace(cfg Config) (string, error) {
	dir := filepath.Dir(dbPath(cfg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys, WAL and a busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		dbPath(cfg), busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg), err)
	}
	return conn, nil
}

// Path returns the database file for cfg.
func Path(cfg Config) string {
	return dbPath(cfg)
}
