package postgres

import (
	"context"
	"errors"
	"testing"

	"socialfeed/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyKeepsStatementErrors(t *testing.T) {
	ctx := context.Background()
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	if err := classify(ctx, "primary", pgErr); storage.IsTransport(err) {
		t.Fatalf("constraint violation must not be a transport failure")
	}
	if err := classify(ctx, "primary", pgx.ErrNoRows); storage.IsTransport(err) {
		t.Fatalf("no rows must not be a transport failure")
	}
}

func TestClassifyMarksConnectionErrors(t *testing.T) {
	err := classify(context.Background(), "replica-1", errors.New("dial tcp 10.0.0.3:5432: connect: connection refused"))
	if !storage.IsTransport(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestClassifyIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := classify(ctx, "replica-1", context.Canceled); storage.IsTransport(err) {
		t.Fatalf("caller cancellation must not demote a replica")
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "primary", "://not-a-url", PoolConfig{}); err == nil {
		t.Fatalf("expected parse error")
	}
}
