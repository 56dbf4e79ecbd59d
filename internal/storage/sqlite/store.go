package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"socialfeed/internal/storage"

	_ "modernc.org/sqlite"
)

// Node is a storage.Node backed by one SQLite database file. It serves
// local single-node runs (write node and replicas may point at the same file)
// and tests.
type Node struct {
	name string
	path string
	db   *sql.DB
}

func Open(name, path string) (*Node, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir base dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &Node{name: name, path: path, db: db}, nil
}

// Migrate creates the shared schema if it does not exist.
func (n *Node) Migrate(ctx context.Context) error {
	for _, stmt := range storage.Statements() {
		if _, err := n.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", n.name, err)
		}
	}
	return nil
}

func (n *Node) Name() string { return n.name }

func (n *Node) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := n.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, n.classify(err)
	}
	return &sqlRows{rows: rows}, nil
}

func (n *Node) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := n.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, n.classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, n.classify(err)
	}
	return affected, nil
}

func (n *Node) Ping(ctx context.Context) error {
	if err := n.db.PingContext(ctx); err != nil {
		return storage.TransportError(n.name, err)
	}
	var one int
	if err := n.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return storage.TransportError(n.name, err)
	}
	return nil
}

func (n *Node) Close() error {
	return n.db.Close()
}

func (n *Node) classify(err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return storage.TransportError(n.name, err)
	}
	return err
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Err() error             { return r.rows.Err() }
func (r *sqlRows) Close()                 { _ = r.rows.Close() }

func openSQLite(path string) (*sql.DB, error) {
	// Pragmas go through the DSN so every pooled connection gets them.
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	}
	dsn := path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
