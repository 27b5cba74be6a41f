// Package db opens the workspace SQLite database.
package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".atelier"
	fileName     = "atelier.db"
	busyTimeout  = 5000
)

type Config struct {
	Workspace string
}

// Path returns where the database file lives for workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, fileName)
}

// EnsureWorkspace creates the workspace state directory and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open connects to the workspace database.
//
// The connection runs in WAL mode with foreign keys enforced. Every
// transaction begins IMMEDIATE, so it holds the write lock from its first
// read; a writer that reads state and then updates it cannot interleave with
// another writer. Contenders wait up to busyTimeout ms.
func Open(cfg Config) (*sqlx.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return sqlx.Open("sqlite", "file:"+Path(cfg.Workspace)+"?"+q.Encode())
}
