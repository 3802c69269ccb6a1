package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process bus. Each subscription gets a buffered channel; if
// it is full the message is dropped for that subscriber so a slow consumer
// never blocks publishers.
type Memory struct {
	mu      sync.RWMutex
	subs    map[int]*memSub
	nextID  int
	bufSize int
	closed  bool

	// OnDrop is called when a message is dropped for a subscriber.
	OnDrop func(subscriberID int, topic string)
}

type memSub struct {
	topics []string
	ch     chan Message
}

// NewMemory creates a Memory bus with the given per-subscriber buffer size.
func NewMemory(bufSize int) *Memory {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Memory{subs: make(map[int]*memSub), bufSize: bufSize}
}

// Publish delivers payload to every matching subscriber.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for id, s := range m.subs {
		if !s.matches(topic) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			if m.OnDrop != nil {
				m.OnDrop(id, topic)
			} else {
				slog.Warn("bus subscriber full, dropping message",
					slog.Int("subscriber", id), slog.String("topic", topic))
			}
		}
	}
	return nil
}

// Subscribe registers a subscription that ends when ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	s := &memSub{topics: topics, ch: make(chan Message, m.bufSize)}
	m.subs[id] = s
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.remove(id)
	}()
	return s.ch, nil
}

func (m *Memory) remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(s.ch)
	}
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, s := range m.subs {
		delete(m.subs, id)
		close(s.ch)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (m *Memory) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (s *memSub) matches(topic string) bool {
	for _, t := range s.topics {
		if Match(t, topic) {
			return true
		}
	}
	return false
}
