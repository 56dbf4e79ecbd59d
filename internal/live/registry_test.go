package live

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	got    [][]byte
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed network connection")
	}
	c.got = append(c.got, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestDeliverPrunesClosedConnection(t *testing.T) {
	r := NewRegistry()
	open, closed := &fakeConn{}, &fakeConn{}
	r.Register(open, "u1")
	r.Register(closed, "u1")
	closed.close()

	if err := r.Deliver(context.Background(), "u1", []byte(`{"id":"p1"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if open.received() != 1 || closed.received() != 0 {
		t.Fatalf("unexpected sends: open=%d closed=%d", open.received(), closed.received())
	}
	if n := r.Count("u1"); n != 1 {
		t.Fatalf("expected closed connection to be pruned, count=%d", n)
	}

	if err := r.Deliver(context.Background(), "u1", []byte(`{"id":"p2"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if open.received() != 2 {
		t.Fatalf("expected second payload on the open connection, got %d", open.received())
	}
}

func TestDuplicateDeliveryPushesTwice(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Register(c, "u1")
	payload := []byte(`{"id":"p1"}`)
	for i := 0; i < 2; i++ {
		if err := r.Deliver(context.Background(), "u1", payload); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if c.received() != 2 {
		t.Fatalf("expected two pushes, got %d", c.received())
	}
}

func TestDeregisterDropsEmptyEntryAndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Register(c, "u1")
	r.Register(c, "u1")
	if n := r.Count("u1"); n != 1 {
		t.Fatalf("the same connection should be held once, count=%d", n)
	}

	r.Deregister(c, "u1")
	r.Deregister(c, "u1")
	r.Deregister(&fakeConn{}, "nobody")
	if n := r.Count("u1"); n != 0 {
		t.Fatalf("expected no connections, count=%d", n)
	}
	if users := r.Users(); len(users) != 0 {
		t.Fatalf("expected empty entry to be dropped, users=%v", users)
	}
}

func TestDeliverToOfflineUserIsNoop(t *testing.T) {
	r := NewRegistry()
	if err := r.Deliver(context.Background(), "ghost", []byte(`{}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if users := r.Users(); len(users) != 0 {
		t.Fatalf("offline delivery created an entry: %v", users)
	}
}

func TestDeliverStopsOnCancelledContext(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Register(c, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Deliver(ctx, "u1", []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.received() != 0 || r.Count("u1") != 1 {
		t.Fatalf("cancelled delivery must not send or prune: sent=%d count=%d", c.received(), r.Count("u1"))
	}
}

func TestBroadcastReachesEachUser(t *testing.T) {
	r := NewRegistry()
	a, b, dead := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Register(a, "a")
	r.Register(b, "b")
	r.Register(dead, "c")
	dead.close()

	if err := r.Broadcast(context.Background(), []string{"a", "b", "c", "offline"}, []byte(`{"id":"p1"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if a.received() != 1 || b.received() != 1 {
		t.Fatalf("unexpected sends: a=%d b=%d", a.received(), b.received())
	}

	users := r.Users()
	sort.Strings(users)
	if !slices.Equal(users, []string{"a", "b"}) {
		t.Fatalf("unexpected users after broadcast: %v", users)
	}
}

func TestConcurrentRegisterDeliverDeregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Register(c, "hot")
			_ = r.Deliver(context.Background(), "hot", []byte(`{}`))
			r.Deregister(c, "hot")
		}()
	}
	wg.Wait()
	if n := r.Count("hot"); n != 0 {
		t.Fatalf("expected every connection deregistered, count=%d", n)
	}
}
