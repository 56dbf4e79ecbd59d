package replica

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"socialfeed/internal/domain"
	"socialfeed/internal/metrics"
	"socialfeed/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	name      string
	pingErr   atomic.Pointer[error]
	queryErr  atomic.Pointer[error]
	pings     atomic.Int64
	queries   atomic.Int64
	closed    atomic.Bool
	lateProbe atomic.Bool
}

func newFakeNode(name string) *fakeNode { return &fakeNode{name: name} }

func (f *fakeNode) failPing(err error) {
	if err == nil {
		f.pingErr.Store(nil)
		return
	}
	err = storage.TransportError(f.name, err)
	f.pingErr.Store(&err)
}

func (f *fakeNode) failQuery(err error) { f.queryErr.Store(&err) }

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) Query(context.Context, string, ...any) (storage.Rows, error) {
	f.queries.Add(1)
	if p := f.queryErr.Load(); p != nil {
		return nil, *p
	}
	return &fakeRows{values: []string{f.name}}, nil
}

func (f *fakeNode) Exec(context.Context, string, ...any) (int64, error) {
	if p := f.queryErr.Load(); p != nil {
		return 0, *p
	}
	return 1, nil
}

func (f *fakeNode) Ping(context.Context) error {
	f.pings.Add(1)
	if f.closed.Load() {
		f.lateProbe.Store(true)
	}
	if p := f.pingErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *fakeNode) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeRows struct {
	values []string
	pos    int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.values[r.pos-1]
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func newTestRouter(replicas int, cfg Config) (*Router, *fakeNode, []*fakeNode) {
	primary := newFakeNode("primary")
	fakes := make([]*fakeNode, replicas)
	nodes := make([]storage.Node, replicas)
	for i := range fakes {
		fakes[i] = newFakeNode("replica-" + string(rune('0'+i)))
		nodes[i] = fakes[i]
	}
	return New(primary, nodes, cfg), primary, fakes
}

func readNodeName(t *testing.T, ctx context.Context, q storage.Querier) (string, error) {
	t.Helper()
	rows, err := q.Query(ctx, `SELECT name`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var name string
	for rows.Next() {
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
	}
	return name, rows.Err()
}

func TestAcquireReadNeverPicksFailedReplica(t *testing.T) {
	r, _, replicas := newTestRouter(3, Config{})
	replicas[1].failPing(errors.New("connection refused"))

	r.probe(context.Background())
	require.Equal(t, []int{0, 2}, r.Healthy())

	for i := 0; i < 100; i++ {
		s := r.AcquireRead()
		require.True(t, s.IsReplica())
		assert.NotEqual(t, "replica-1", s.Node())
	}
}

func TestAcquireReadSpreadsAcrossHealthyReplicas(t *testing.T) {
	r, _, _ := newTestRouter(3, Config{})
	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		seen[r.AcquireRead().Node()]++
	}
	assert.Len(t, seen, 3)
	assert.NotContains(t, seen, "primary")
}

func TestAllReplicasDownRoutesToPrimaryAndSignalsOncePerCycle(t *testing.T) {
	var signals atomic.Int64
	r, _, replicas := newTestRouter(3, Config{OnExhausted: func() { signals.Add(1) }})
	for _, f := range replicas {
		f.failPing(errors.New("timeout"))
	}
	before := testutil.ToFloat64(metrics.ReplicasExhaustedTotal)

	r.probe(context.Background())
	require.Empty(t, r.Healthy())
	require.EqualValues(t, 1, signals.Load())

	for i := 0; i < 10; i++ {
		s := r.AcquireRead()
		assert.False(t, s.IsReplica())
		assert.Equal(t, "primary", s.Node())
	}

	r.probe(context.Background())
	assert.EqualValues(t, 2, signals.Load())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ReplicasExhaustedTotal))

	replicas[2].failPing(nil)
	r.probe(context.Background())
	assert.Equal(t, []int{2}, r.Healthy())
	assert.EqualValues(t, 2, signals.Load())
}

func TestReadTransportFailureDemotesAndFallsBackToPrimary(t *testing.T) {
	r, primary, replicas := newTestRouter(1, Config{})
	replicas[0].failQuery(storage.TransportError("replica-0", errors.New("broken pipe")))

	var got string
	err := r.Read(context.Background(), func(ctx context.Context, q storage.Querier) error {
		name, err := readNodeName(t, ctx, q)
		got = name
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", got)
	assert.Empty(t, r.Healthy())
	assert.EqualValues(t, 1, primary.queries.Load())
	assert.EqualValues(t, 1, replicas[0].queries.Load())

	r.probe(context.Background())
	assert.Equal(t, []int{0}, r.Healthy(), "health loop re-admits a replica that answers the probe")
}

func TestReadFailureDoesNotRetryOtherReplicas(t *testing.T) {
	r, primary, replicas := newTestRouter(2, Config{})
	r.pick = func(int) int { return 0 }
	replicas[0].failQuery(storage.TransportError("replica-0", errors.New("reset")))

	require.NoError(t, r.Read(context.Background(), func(ctx context.Context, q storage.Querier) error {
		_, err := readNodeName(t, ctx, q)
		return err
	}))
	assert.Zero(t, replicas[1].queries.Load())
	assert.EqualValues(t, 1, primary.queries.Load())
	assert.Equal(t, []int{1}, r.Healthy())
}

func TestStatementErrorDoesNotDemote(t *testing.T) {
	r, primary, replicas := newTestRouter(1, Config{})
	stmtErr := errors.New("syntax error at or near SELEC")
	replicas[0].failQuery(stmtErr)

	err := r.Read(context.Background(), func(ctx context.Context, q storage.Querier) error {
		_, err := readNodeName(t, ctx, q)
		return err
	})
	require.ErrorIs(t, err, stmtErr)
	assert.Equal(t, []int{0}, r.Healthy())
	assert.Zero(t, primary.queries.Load())
}

func TestPrimaryTransportFailureIsUnavailable(t *testing.T) {
	r, primary, replicas := newTestRouter(1, Config{})
	replicas[0].failQuery(storage.TransportError("replica-0", errors.New("refused")))
	primary.failQuery(storage.TransportError("primary", errors.New("refused")))

	err := r.Read(context.Background(), func(ctx context.Context, q storage.Querier) error {
		_, err := readNodeName(t, ctx, q)
		return err
	})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = r.AcquireWrite().Exec(context.Background(), `UPDATE posts SET text = ?`, "x")
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestAcquireWriteAlwaysPrimary(t *testing.T) {
	r, _, _ := newTestRouter(3, Config{})
	for i := 0; i < 20; i++ {
		s := r.AcquireWrite()
		assert.False(t, s.IsReplica())
		assert.Equal(t, "primary", s.Node())
	}
}

func TestConcurrentDemotionsAndProbes(t *testing.T) {
	r, _, _ := newTestRouter(4, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			r.demote(idx)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.AcquireRead()
		}()
	}
	wg.Wait()
	assert.Empty(t, r.Healthy())
	r.probe(context.Background())
	assert.Equal(t, []int{0, 1, 2, 3}, r.Healthy())
}

func TestCloseStopsHealthLoopBeforeReleasingNodes(t *testing.T) {
	r, primary, replicas := newTestRouter(2, Config{HealthInterval: 5 * time.Millisecond, ProbeTimeout: time.Second})
	r.Start(context.Background())

	require.Eventually(t, func() bool { return replicas[0].pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Close())

	assert.True(t, primary.closed.Load())
	for _, f := range replicas {
		assert.True(t, f.closed.Load())
		assert.False(t, f.lateProbe.Load(), "probe ran after node was released")
	}
	pings := replicas[0].pings.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, pings, replicas[0].pings.Load())
	require.NoError(t, r.Close())
}

func TestCloseWithoutStart(t *testing.T) {
	r, primary, _ := newTestRouter(0, Config{})
	r.Start(context.Background())
	require.NoError(t, r.Close())
	assert.True(t, primary.closed.Load())
	assert.Equal(t, "primary", r.AcquireRead().Node())
}
