// Package replay keeps a bounded, ordered log of recent events per
// conversation so reconnecting clients can catch up from a last-seen id.
package replay

import (
	"sync"
	"time"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

// DefaultCapacity is the number of entries retained per conversation.
const DefaultCapacity = 1000

// Entry is one retained event.
type Entry struct {
	ConversationID string
	EventID        uint64
	Event          model.Event
	InsertedAt     time.Time
}

// Log is the per-conversation replay store. Appends to one conversation are
// serialized by that conversation's lock; different conversations never
// contend beyond the map lookup.
type Log struct {
	capacity int
	clock    model.Clock

	mu    sync.RWMutex
	convs map[string]*ring
}

// ring is a fixed-capacity circular buffer. When full, head points at the
// oldest entry and is the next slot to overwrite.
type ring struct {
	mu         sync.RWMutex
	buf        []Entry
	head       int
	lastID     uint64
	lastInsert time.Time
}

// New creates a log retaining capacity entries per conversation.
func New(capacity int, clock model.Clock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Log{
		capacity: capacity,
		clock:    clock,
		convs:    make(map[string]*ring),
	}
}

// Capacity returns the per-conversation capacity.
func (l *Log) Capacity() int {
	return l.capacity
}

// Append assigns the next event id for the conversation, stores the event and
// returns it with ID set. The oldest entry is evicted when the log is full.
func (l *Log) Append(conversationID string, event model.Event) model.Event {
	r := l.getOrCreate(conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	event.ID = r.lastID
	event.ConversationID = conversationID

	now := l.clock.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	entry := Entry{
		ConversationID: conversationID,
		EventID:        event.ID,
		Event:          event,
		InsertedAt:     now,
	}

	if len(r.buf) < l.capacity {
		r.buf = append(r.buf, entry)
	} else {
		r.buf[r.head] = entry
		r.head = (r.head + 1) % l.capacity
	}
	r.lastInsert = now

	return event
}

// Replay returns retained events with id > afterID in ascending order.
// truncated is true when events after afterID were evicted before they could
// be served, so the caller must resync from the relational store.
func (l *Log) Replay(conversationID string, afterID uint64) (events []model.Event, truncated bool) {
	events, truncated, _ = l.ReplayWithHead(conversationID, afterID)
	return events, truncated
}

// ReplayWithHead is Replay that also returns the conversation's last
// assigned id, read under the same lock as the backlog. Every event with a
// larger id was appended after the snapshot.
func (l *Log) ReplayWithHead(conversationID string, afterID uint64) (events []model.Event, truncated bool, head uint64) {
	defer func() { metrics.RecordReplay(truncated) }()

	l.mu.RLock()
	r, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if !ok {
		return nil, false, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	head = r.lastID
	if afterID >= head {
		return nil, false, head
	}

	n := len(r.buf)
	if n == 0 {
		// Compacted: ids are known but the entries are gone.
		return nil, true, head
	}

	oldest := r.buf[r.head%n].EventID
	truncated = afterID+1 < oldest

	// Entries are contiguous by id, so the start offset is computed directly.
	skip := 0
	if afterID >= oldest {
		skip = int(afterID - oldest + 1)
	}

	events = make([]model.Event, 0, n-skip)
	for i := skip; i < n; i++ {
		events = append(events, r.buf[(r.head+i)%n].Event)
	}
	return events, truncated, head
}

// LastID returns the id of the most recently appended event, or 0.
func (l *Log) LastID(conversationID string) uint64 {
	l.mu.RLock()
	r, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID
}

// OldestID returns the id of the oldest retained event, or 0 when nothing is retained.
func (l *Log) OldestID(conversationID string) uint64 {
	l.mu.RLock()
	r, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.buf) == 0 {
		return 0
	}
	return r.buf[r.head%len(r.buf)].EventID
}

// Compact releases the entries of conversations idle for longer than maxIdle.
// The id counter is kept so later appends stay monotonic and stale replays
// report truncation. Returns the number of conversations compacted.
func (l *Log) Compact(maxIdle time.Duration) int {
	cutoff := l.clock.Now().Add(-maxIdle)

	l.mu.RLock()
	rings := make([]*ring, 0, len(l.convs))
	for _, r := range l.convs {
		rings = append(rings, r)
	}
	l.mu.RUnlock()

	compacted := 0
	for _, r := range rings {
		r.mu.Lock()
		if len(r.buf) > 0 && r.lastInsert.Before(cutoff) {
			r.buf = nil
			r.head = 0
			compacted++
		}
		r.mu.Unlock()
	}
	return compacted
}

func (l *Log) getOrCreate(conversationID string) *ring {
	l.mu.RLock()
	r, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if ok {
		return r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.convs[conversationID]; ok {
		return r
	}
	r = &ring{buf: make([]Entry, 0, min(l.capacity, 16))}
	l.convs[conversationID] = r
	return r
}
