package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS is a bus on core NATS subjects. Colons in topics map to subject
// tokens ("ledger:events:u1" is "ledger.events.u1"), so a trailing "*"
// matches exactly one token.
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger

	// QueueGroup, when set, load-balances each subscription across every
	// process in the group.
	QueueGroup string
}

// ConnectNATS dials url with reconnect handling.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "bus"), slog.String("driver", "nats"))
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATS{conn: conn, log: log}, nil
}

// Subject converts a bus topic to a NATS subject.
func Subject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }

// Topic converts a NATS subject back to a bus topic.
func Topic(subject string) string { return strings.ReplaceAll(subject, ".", ":") }

// Publish sends payload on topic.
func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to every topic and merges deliveries.
func (n *NATS) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	in := make(chan *nats.Msg, 256)
	var subs []*nats.Subscription
	for _, t := range topics {
		var (
			sub *nats.Subscription
			err error
		)
		if n.QueueGroup != "" {
			sub, err = n.conn.ChanQueueSubscribe(Subject(t), n.QueueGroup, in)
		} else {
			sub, err = n.conn.ChanSubscribe(Subject(t), in)
		}
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("nats subscribe %s: %w", t, err)
		}
		subs = append(subs, sub)
	}
	n.log.Info("subscribed", slog.Any("topics", topics), slog.String("queue", n.QueueGroup))

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		defer func() {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- Message{Topic: Topic(msg.Subject), Payload: msg.Data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
