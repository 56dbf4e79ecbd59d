package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socialfeed/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Node is a storage.Node backed by a pgx connection pool for one server.
type Node struct {
	name string
	pool *pgxpool.Pool
}

// Open creates the pool without requiring the server to be reachable; the
// replica health loop decides reachability.
func Open(ctx context.Context, name, databaseURL string, pc PoolConfig) (*Node, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL for %s: %w", name, err)
	}
	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		config.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %w", name, err)
	}
	return &Node{name: name, pool: pool}, nil
}

func (n *Node) Name() string { return n.name }

func (n *Node) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := n.pool.Query(ctx, storage.Rebind(query), args...)
	if err != nil {
		return nil, classify(ctx, n.name, err)
	}
	return &pgRows{Rows: rows, ctx: ctx, node: n.name}, nil
}

func (n *Node) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := n.pool.Exec(ctx, storage.Rebind(query), args...)
	if err != nil {
		return 0, classify(ctx, n.name, err)
	}
	return tag.RowsAffected(), nil
}

// Ping runs a trivial round trip, not just a pool checkout.
func (n *Node) Ping(ctx context.Context) error {
	var one int
	if err := n.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return storage.TransportError(n.name, err)
	}
	return nil
}

// Migrate creates the shared schema; only meaningful on the write node.
func (n *Node) Migrate(ctx context.Context) error {
	for _, stmt := range storage.Statements() {
		if _, err := n.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", n.name, err)
		}
	}
	return nil
}

func (n *Node) Close() error {
	n.pool.Close()
	return nil
}

type pgRows struct {
	pgx.Rows
	ctx  context.Context
	node string
}

func (r *pgRows) Err() error {
	if err := r.Rows.Err(); err != nil {
		return classify(r.ctx, r.node, err)
	}
	return nil
}

// classify marks everything except server-side statement errors and the
// caller's own cancellation as a transport failure.
func classify(ctx context.Context, node string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return err
	case ctx.Err() != nil:
		return err
	default:
		return storage.TransportError(node, err)
	}
}
