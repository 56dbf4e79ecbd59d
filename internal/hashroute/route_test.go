package hashroute

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestShardForDeterministic(t *testing.T) {
	keys := []string{"user-45", "  User-45 ", "550e8400-e29b-41d4-a716-446655440000", "1234567890"}
	for _, key := range keys {
		s1 := ShardFor(key, 8)
		s2 := ShardFor(key, 8)
		if s1 != s2 {
			t.Fatalf("shard should be deterministic for %q", key)
		}
		if s1 < 0 || s1 >= 8 {
			t.Fatalf("shard out of range for %q: %d", key, s1)
		}
	}
	if ShardFor("user-45", 8) != ShardFor("  USER-45", 8) {
		t.Fatalf("shard should ignore case and surrounding space")
	}
}

func TestCanonicalizeUserIDEdgeCases(t *testing.T) {
	cases := map[string]string{
		"  ABC  ":    "abc",
		"":           "",
		"  üñîçødê ": "üñîçødê",
		"MiXeD Case": "mixed case",
	}
	for in, want := range cases {
		if got := CanonicalizeUserID(in); got != want {
			t.Fatalf("canonicalize(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestShardForSingleWorker(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		if got := ShardFor("anyone", n); got != 0 {
			t.Fatalf("ShardFor(n=%d)=%d, want 0", n, got)
		}
	}
}

func TestShardRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string, n uint8) bool {
		workers := int(n%32) + 1
		p := ShardFor(s, workers)
		return p >= 0 && p < workers
	}, cfg); err != nil {
		t.Fatalf("shard property failed: %v", err)
	}
}
