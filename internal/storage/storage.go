package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrTransport marks failures to reach a node (dial, broken connection,
// closed pool). Statement-level failures such as constraint violations are
// never wrapped with it.
var ErrTransport = errors.New("storage transport failure")

// Rows is the cursor returned by Node.Query. pgx.Rows satisfies it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs parametrized statements. Placeholders are written as '?'.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Node is the storage contract for one database node, writable or read-only.
type Node interface {
	Querier
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// IsTransport reports whether err means the node itself could not be reached.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// TransportError wraps err so that IsTransport reports true.
func TransportError(node string, err error) error {
	if err == nil {
		return nil
	}
	return &transportError{node: node, err: err}
}

type transportError struct {
	node string
	err  error
}

func (e *transportError) Error() string { return e.node + ": " + ErrTransport.Error() + ": " + e.err.Error() }
func (e *transportError) Unwrap() []error { return []error{ErrTransport, e.err} }

// Rebind rewrites '?' placeholders into PostgreSQL's $N form. Quoted
// literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Schema is shared by every driver. Timestamps are unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	first_name TEXT NOT NULL,
	second_name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at_ns BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	author_user_id TEXT NOT NULL REFERENCES users(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at_ns BIGINT NOT NULL,
	updated_at_ns BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS friends (
	user_id TEXT NOT NULL REFERENCES users(id),
	friend_id TEXT NOT NULL REFERENCES users(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at_ns BIGINT NOT NULL,
	updated_at_ns BIGINT NOT NULL,
	PRIMARY KEY (user_id, friend_id)
);

CREATE INDEX IF NOT EXISTS idx_posts_author_updated ON posts(author_user_id, updated_at_ns);
CREATE INDEX IF NOT EXISTS idx_friends_friend ON friends(friend_id, user_id);
`

// Statements splits Schema into individual statements for drivers that
// reject multi-statement Exec.
func Statements() []string {
	var out []string
	for _, s := range strings.Split(Schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
