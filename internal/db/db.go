// Package db owns the on-disk workspace. The CLI, API server, dispatcher,
// and relay all share one SQLite file under <workspace>/.solaros.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".solaros"
	dbName       = "solaros.db"
)

type Config struct {
	Workspace string
}

// Pragmas applied to every connection. WAL lets the dispatcher and relay
// poll while API writes are in flight; busy_timeout covers the writer lock
// handoff between them.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

// EnsureWorkspace creates the workspace data directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database, creating the data directory when
// needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := "file:" + Path(cfg.Workspace) + "?cache=shared&_pragma=" + strings.Join(pragmas, "&_pragma=")
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbName)
}
