// Package replica routes database sessions across one write node and a set
// of read replicas, tracking which replicas are currently healthy.
package replica

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"socialfeed/internal/log"
	"socialfeed/internal/metrics"
	"socialfeed/internal/storage"

	"github.com/rs/zerolog"
)

type Config struct {
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	// OnExhausted is called once per probe cycle that finds no reachable replica.
	OnExhausted func()
}

// Router owns the write node and the read nodes for the lifetime of the
// process: build it at startup, Start the health loop, Close at shutdown.
type Router struct {
	cfg   Config
	write storage.Node
	reads []storage.Node

	// healthy holds replica indices; it is only ever replaced, never mutated.
	healthy atomic.Pointer[[]int]
	pick    func(n int) int
	logger  zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
}

// New builds a router that considers every replica healthy until the first probe.
func New(write storage.Node, reads []storage.Node, cfg Config) *Router {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	r := &Router{
		cfg:    cfg,
		write:  write,
		reads:  reads,
		pick:   rand.IntN,
		logger: log.WithComponent("replica"),
	}
	all := make([]int, len(reads))
	for i := range all {
		all[i] = i
	}
	r.healthy.Store(&all)
	metrics.HealthyReplicas.Set(float64(len(all)))
	return r
}

// AcquireWrite returns a session bound to the write node. It never fails over.
func (r *Router) AcquireWrite() *Session {
	r.logger.Debug().Str("node", r.write.Name()).Msg("routing write to primary")
	metrics.DBSessionsTotal.WithLabelValues(r.write.Name(), "write").Inc()
	return &Session{router: r, node: r.write, index: -1}
}

// AcquireRead returns a session bound to a random healthy replica, or to the
// write node when no replica is healthy.
func (r *Router) AcquireRead() *Session {
	healthy := *r.healthy.Load()
	if len(healthy) == 0 {
		if len(r.reads) > 0 {
			r.logger.Warn().Msg("no healthy replicas, falling back to primary")
		}
		metrics.DBSessionsTotal.WithLabelValues(r.write.Name(), "fallback").Inc()
		return &Session{router: r, node: r.write, index: -1}
	}
	idx := healthy[r.pick(len(healthy))]
	node := r.reads[idx]
	r.logger.Debug().Int("replica", idx).Str("node", node.Name()).Msg("routing read to replica")
	metrics.DBSessionsTotal.WithLabelValues(node.Name(), "read").Inc()
	return &Session{router: r, node: node, index: idx}
}

// Read runs fn on a read session. When a replica fails at the transport
// level it is demoted and fn is re-issued once against the write node; other
// replicas are never retried for the same operation.
func (r *Router) Read(ctx context.Context, fn func(context.Context, storage.Querier) error) error {
	s := r.AcquireRead()
	err := fn(ctx, s)
	if err == nil || !s.IsReplica() || !storage.IsTransport(err) {
		return err
	}
	r.logger.Warn().Err(err).Str("node", s.Node()).Msg("falling back to primary for read operation")
	metrics.DBSessionsTotal.WithLabelValues(r.write.Name(), "fallback").Inc()
	return fn(ctx, &Session{router: r, node: r.write, index: -1})
}

// Write runs fn on the write session.
func (r *Router) Write(ctx context.Context, fn func(context.Context, storage.Querier) error) error {
	return fn(ctx, r.AcquireWrite())
}

// Healthy returns a copy of the current healthy replica indices.
func (r *Router) Healthy() []int {
	return slices.Clone(*r.healthy.Load())
}

func (r *Router) Replicas() int { return len(r.reads) }

// demote removes one index from the healthy set. Only the health loop adds
// indices back.
func (r *Router) demote(index int) {
	for {
		cur := r.healthy.Load()
		pos := slices.Index(*cur, index)
		if pos < 0 {
			return
		}
		next := slices.Delete(slices.Clone(*cur), pos, pos+1)
		if r.healthy.CompareAndSwap(cur, &next) {
			name := r.reads[index].Name()
			r.logger.Error().Int("replica", index).Str("node", name).Msg("replica failed during query, removed from healthy set")
			metrics.ReplicaDemotionsTotal.WithLabelValues(name).Inc()
			metrics.HealthyReplicas.Set(float64(len(next)))
			return
		}
	}
}

// Start launches the background health loop. It probes immediately and then
// every HealthInterval until ctx is cancelled or Close is called.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if len(r.reads) == 0 {
			r.logger.Info().Msg("no read replicas configured, reads go to primary")
			return
		}
		ctx, r.cancel = context.WithCancel(ctx)
		r.done = make(chan struct{})
		go r.healthLoop(ctx)
	})
}

func (r *Router) healthLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.HealthInterval).Int("replicas", len(r.reads)).Msg("replica health loop started")
	r.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("replica health loop stopping")
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

// probe rebuilds the healthy set from scratch.
func (r *Router) probe(ctx context.Context) {
	previous := *r.healthy.Load()
	healthy := make([]int, 0, len(r.reads))
	for i, node := range r.reads {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := node.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn().Err(err).Int("replica", i).Str("node", node.Name()).Msg("replica is unhealthy")
			continue
		}
		if !slices.Contains(previous, i) {
			r.logger.Info().Int("replica", i).Str("node", node.Name()).Msg("replica recovered")
		}
		healthy = append(healthy, i)
	}
	r.healthy.Store(&healthy)
	metrics.HealthyReplicas.Set(float64(len(healthy)))

	if len(healthy) == 0 && len(r.reads) > 0 {
		r.logger.Error().Str("severity", "critical").Msg("no read replicas reachable")
		metrics.ReplicasExhaustedTotal.Inc()
		if r.cfg.OnExhausted != nil {
			r.cfg.OnExhausted()
		}
	}
}

// Close stops the health loop, waits for it, then releases every node.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.startOnce.Do(func() {})
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		var errs []error
		if err := r.write.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, node := range r.reads {
			if err := node.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
