// Package gateway pushes ledger events to WebSocket clients.
//
// The Hub subscribes once to every user's ledger topic on the bus and fans
// each event out to that user's connections only. Every user has a monotonic
// sequence number and a replay buffer so a reconnecting client can pass
// last_seq and receive what it missed.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradeledger/internal/bus"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
)

// Hub manages WebSocket clients grouped by user.
type Hub struct {
	sub     bus.Subscriber
	metrics *metrics.Metrics
	log     *slog.Logger

	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	seqs       map[string]int64
	replay     map[string]*ReplayBuffer
	replaySize int

	Now func() time.Time
}

// NewHub creates a Hub reading from sub. m may be nil.
func NewHub(sub bus.Subscriber, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sub:        sub,
		metrics:    m,
		log:        logger.With(slog.String("component", "gateway")),
		clients:    make(map[string]map[*Client]struct{}),
		seqs:       make(map[string]int64),
		replay:     make(map[string]*ReplayBuffer),
		replaySize: 200,
		Now:        time.Now,
	}
}

// Run subscribes to all ledger topics and dispatches until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.sub.Subscribe(ctx, model.TopicLedgerPattern)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", model.TopicLedgerPattern, err)
	}
	h.log.Info("ledger event fan-out started", slog.String("pattern", model.TopicLedgerPattern))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.Dispatch(msg)
		}
	}
}

// Dispatch delivers one bus message to the owning user's clients. Slow
// clients whose send queue is full miss the message; they can recover it
// from the replay buffer by reconnecting with last_seq.
func (h *Hub) Dispatch(msg bus.Message) {
	userID := strings.TrimPrefix(msg.Topic, model.TopicLedgerPrefix)
	if userID == "" || userID == msg.Topic {
		return
	}

	h.mu.Lock()
	h.seqs[userID]++
	seq := h.seqs[userID]
	env := buildEnvelope(msg.Topic, msg.Payload, h.Now().UTC(), seq)
	rb, ok := h.replay[userID]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replay[userID] = rb
	}
	rb.Push(seq, env)
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(env) {
			if h.metrics != nil {
				h.metrics.WSDropped.Inc()
			}
			h.log.Warn("ws client queue full, event dropped",
				slog.String("user_id", userID), slog.Int64("seq", seq))
		}
	}
}

// buildEnvelope writes {"channel":...,"data":...,"ts":...,"seq":N} without
// re-encoding data, which is already JSON.
func buildEnvelope(channel string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// register adds c and queues every buffered event after lastSeq.
func (h *Hub) register(c *Client, lastSeq int64) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	var (
		missed []replayEntry
		gap    bool
	)
	if rb, ok := h.replay[c.userID]; ok && lastSeq > 0 {
		missed, gap = rb.Since(lastSeq)
	}
	total := h.countLocked()
	h.mu.Unlock()

	for _, e := range missed {
		c.enqueue(e.Data)
	}
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(total))
	}
	if gap {
		h.log.Warn("ws replay incomplete, client should reload state",
			slog.String("user_id", c.userID), slog.Int64("last_seq", lastSeq))
	}
	h.log.Info("ws client connected",
		slog.String("user_id", c.userID),
		slog.Int("replayed", len(missed)),
		slog.Int("clients", total))
}

// RemoveClient unregisters c and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	total := h.countLocked()
	h.mu.Unlock()

	c.close()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(total))
	}
	h.log.Info("ws client disconnected", slog.String("user_id", c.userID), slog.Int("clients", total))
}

// Seq returns the last sequence number issued to userID.
func (h *Hub) Seq(userID string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[userID]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
