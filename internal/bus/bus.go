// Package bus carries post events from the writing instance to the instances
// holding the recipients' live connections.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"socialfeed/internal/domain"
)

const (
	DefaultExchange = "post_feed"
	DefaultQueue    = "feed_updates"
	DefaultBinding  = "user.*"
	DefaultPrefetch = 10

	routingPrefix = "user."
)

var ErrBadRoutingKey = errors.New("bus: malformed routing key")

// Publisher emits one event per recipient. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishPost(ctx context.Context, recipientID string, post domain.Post) error
	Close() error
}

// Deliverer hands a consumed payload to whatever holds the recipient's live
// connections. live.Registry implements it.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, payload []byte) error
}

// Consumer runs in the background until Close or context cancellation.
type Consumer interface {
	Start(ctx context.Context) error
	Close() error
}

type PostEvent struct {
	RecipientID string
	Post        domain.Post
}

func RoutingKey(userID string) string {
	return routingPrefix + userID
}

// RecipientFromKey is the inverse of RoutingKey.
func RecipientFromKey(key string) (string, error) {
	id, ok := strings.CutPrefix(key, routingPrefix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadRoutingKey, key)
	}
	return id, nil
}

func EncodePost(post domain.Post) ([]byte, error) {
	return json.Marshal(post)
}

// DecodePost validates an event body. A body without a post id is rejected.
func DecodePost(body []byte) (domain.Post, error) {
	var p domain.Post
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Post{}, fmt.Errorf("decode post event: %w", err)
	}
	if p.ID == "" {
		return domain.Post{}, errors.New("decode post event: missing id")
	}
	return p, nil
}

// Nop discards every event. It backs deployments without a broker.
type Nop struct{}

func (Nop) PublishPost(context.Context, string, domain.Post) error { return nil }
func (Nop) Close() error                                           { return nil }
