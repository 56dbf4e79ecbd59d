package hashroute

import (
	"hash/fnv"
	"strings"
)

// CanonicalizeUserID normalizes user ids before hashing or building keys.
func CanonicalizeUserID(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

// ShardFor maps a user id onto one of n workers. Events for the same
// recipient always land on the same worker, which keeps their order.
func ShardFor(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeUserID(userID)))
	return int(h.Sum64() % uint64(n))
}
