// Package live tracks the open push connections of each user on this
// instance and delivers post events to them.
package live

import (
	"context"
	"sync"

	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/rs/zerolog"
)

// Conn is one open push connection. Send must be safe for concurrent use.
type Conn interface {
	Send(payload []byte) error
}

// Registry maps user ids to their live connections. It does not own the
// connections; whoever registers one deregisters it when it closes.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[Conn]struct{}
	logger zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]map[Conn]struct{}),
		logger: log.WithComponent("live"),
	}
}

func (r *Registry) Register(conn Conn, userID string) {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[userID] = set
	}
	_, dup := set[conn]
	set[conn] = struct{}{}
	total := len(set)
	r.mu.Unlock()

	if !dup {
		metrics.LiveConnections.Inc()
	}
	r.logger.Info().Str("user_id", userID).Int("connections", total).Msg("connection registered")
}

// Deregister removes conn and drops the user's entry once it is empty.
// Unknown connections are ignored.
func (r *Registry) Deregister(conn Conn, userID string) {
	r.mu.Lock()
	removed := false
	if set, ok := r.conns[userID]; ok {
		if _, ok := set[conn]; ok {
			delete(set, conn)
			removed = true
		}
		if len(set) == 0 {
			delete(r.conns, userID)
		}
	}
	r.mu.Unlock()

	if removed {
		metrics.LiveConnections.Dec()
		r.logger.Info().Str("user_id", userID).Msg("connection deregistered")
	}
}

// Deliver sends payload to every connection of userID. Connections whose
// send fails are deregistered after the whole set has been attempted. The
// only error returned is the context's.
func (r *Registry) Deliver(ctx context.Context, userID string, payload []byte) error {
	targets := r.snapshot(userID)
	if len(targets) == 0 {
		return nil
	}

	var failed []Conn
	defer func() {
		for _, conn := range failed {
			r.Deregister(conn, userID)
		}
	}()
	for _, conn := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.Send(payload); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("send failed, pruning connection")
			metrics.LiveDeliveriesTotal.WithLabelValues("failed").Inc()
			failed = append(failed, conn)
			continue
		}
		metrics.LiveDeliveriesTotal.WithLabelValues("sent").Inc()
	}
	return nil
}

// Broadcast delivers payload to each user independently.
func (r *Registry) Broadcast(ctx context.Context, userIDs []string, payload []byte) error {
	for _, id := range userIDs {
		if err := r.Deliver(ctx, id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Users lists the users with at least one live connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) snapshot(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[userID]
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}
