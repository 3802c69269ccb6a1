package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemory_BroadcastsToAllMatching(t *testing.T) {
	b := NewMemory(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, err := b.Subscribe(ctx, "ledger:stock-sold")
	require.NoError(t, err)
	pattern, err := b.Subscribe(ctx, "ledger:events:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ledger:stock-sold", []byte(`{"a":1}`)))
	require.NoError(t, b.Publish(ctx, "ledger:events:u1", []byte(`{"b":2}`)))

	m := recv(t, exact)
	assert.Equal(t, "ledger:stock-sold", m.Topic)
	assert.JSONEq(t, `{"a":1}`, string(m.Payload))

	m = recv(t, pattern)
	assert.Equal(t, "ledger:events:u1", m.Topic)

	select {
	case m := <-exact:
		t.Fatalf("unexpected message on exact subscription: %s", m.Topic)
	default:
	}
}

func TestMemory_DropsForFullSubscriber(t *testing.T) {
	b := NewMemory(1)
	var dropped int
	b.OnDrop = func(int, string) { dropped++ }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", []byte("1")))
	require.NoError(t, b.Publish(ctx, "t", []byte("2")))
	assert.Equal(t, 1, dropped)
}

func TestMemory_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMemory_Closed(t *testing.T) {
	b := NewMemory(1)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), ErrClosed)
	_, err := b.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("ledger:events:*", "ledger:events:u1"))
	assert.False(t, Match("ledger:events:*", "ledger:stock-sold"))
	assert.True(t, Match("ledger:stock-sold", "ledger:stock-sold"))
	assert.Equal(t, "ledger.events.*", Subject("ledger:events:*"))
	assert.Equal(t, "ledger:events:u1", Topic("ledger.events.u1"))
}

func TestPublishJSON(t *testing.T) {
	b := NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, PublishJSON(ctx, b, "t", map[string]int{"n": 3}))
	assert.JSONEq(t, `{"n":3}`, string(recv(t, ch).Payload))
}
