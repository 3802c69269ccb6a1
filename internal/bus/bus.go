// Package bus is the message channel between the order engine, the sell
// consumer and the WebSocket gateway.
//
// Topics are colon-separated ("ledger:stock-sold", "ledger:events:u1"). A
// subscription topic ending in "*" matches every topic with that prefix.
// Delivery is at-least-once at best; consumers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeledger/internal/model"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one delivered payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher sends payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers messages for the given topics until ctx is done, then
// closes the returned channel.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)
}

// Bus is a Publisher and Subscriber with a lifecycle.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, topic, data)
}

// PublishLedgerEvent wraps payload in a LedgerEvent and publishes it on the
// user's ledger topic.
func PublishLedgerEvent(ctx context.Context, p Publisher, kind, userID string, payload any, ts time.Time) error {
	ev, err := model.NewLedgerEvent(kind, userID, payload, ts)
	if err != nil {
		return fmt.Errorf("ledger event %s: %w", kind, err)
	}
	return PublishJSON(ctx, p, model.LedgerTopic(userID), ev)
}

// isPattern reports whether topic is a prefix subscription.
func isPattern(topic string) bool { return strings.HasSuffix(topic, "*") }

// Match reports whether a concrete topic matches a subscription topic.
func Match(sub, topic string) bool {
	if isPattern(sub) {
		return strings.HasPrefix(topic, strings.TrimSuffix(sub, "*"))
	}
	return sub == topic
}
