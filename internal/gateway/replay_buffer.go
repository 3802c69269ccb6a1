package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the most recent envelopes sent to one user so a client
// reconnecting with last_seq can catch up. Sequence numbers pushed into a
// buffer are expected to increase by one.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	head    int // slot of the oldest entry
	count   int
}

// NewReplayBuffer keeps up to size envelopes, 200 when size <= 0.
func NewReplayBuffer(size int) *ReplayBuffer {
	if size <= 0 {
		size = 200
	}
	return &ReplayBuffer{entries: make([]replayEntry, size)}
}

// Push stores a copy of data under seq, evicting the oldest entry when full.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	e := replayEntry{Seq: seq, Data: append([]byte(nil), data...)}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	size := len(rb.entries)
	if rb.count < size {
		rb.entries[(rb.head+rb.count)%size] = e
		rb.count++
		return
	}
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % size
}

// Since returns every entry after lastSeq, oldest first. gap is true when
// entries the caller has not seen were already evicted.
func (rb *ReplayBuffer) Since(lastSeq int64) (out []replayEntry, gap bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.count == 0 {
		return nil, false
	}
	oldest := rb.entries[rb.head].Seq
	skip := 0
	switch {
	case lastSeq+1 < oldest:
		gap = true
	case lastSeq+1 > oldest:
		skip = int(lastSeq + 1 - oldest)
	}
	if skip >= rb.count {
		return nil, false
	}
	out = make([]replayEntry, 0, rb.count-skip)
	for i := skip; i < rb.count; i++ {
		out = append(out, rb.entries[(rb.head+i)%len(rb.entries)])
	}
	return out, gap
}

// Oldest returns the lowest buffered sequence number, 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.count == 0 {
		return 0
	}
	return rb.entries[rb.head].Seq
}

// Len returns the number of buffered entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
