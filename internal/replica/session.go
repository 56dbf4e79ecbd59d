package replica

import (
	"context"

	"socialfeed/internal/domain"
	"socialfeed/internal/storage"
)

// Session is bound to exactly one node for one logical operation.
// A transport failure on a replica session demotes that replica; a transport
// failure on the write node surfaces as domain.ErrUnavailable.
type Session struct {
	router *Router
	node   storage.Node
	index  int
}

func (s *Session) Node() string { return s.node.Name() }

// IsReplica reports whether the session is bound to a read replica.
func (s *Session) IsReplica() bool { return s.index >= 0 }

func (s *Session) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := s.node.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail(err)
	}
	return &sessionRows{Rows: rows, session: s}, nil
}

func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	n, err := s.node.Exec(ctx, query, args...)
	if err != nil {
		return 0, s.fail(err)
	}
	return n, nil
}

func (s *Session) fail(err error) error {
	if !storage.IsTransport(err) {
		return err
	}
	if s.IsReplica() {
		s.router.demote(s.index)
		return err
	}
	return domain.Unavailable(err)
}

type sessionRows struct {
	storage.Rows
	session *Session
}

func (r *sessionRows) Err() error {
	if err := r.Rows.Err(); err != nil {
		return r.session.fail(err)
	}
	return nil
}
