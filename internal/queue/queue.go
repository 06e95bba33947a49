// Package queue holds outbound envelopes ordered by priority and freshness.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
)

type State uint8

const (
	StatePending State = iota
	StateInFlight
	StateDelivered
	StateExpired
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDelivered:
		return "delivered"
	case StateExpired:
		return "expired"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Outcome finishes an in-flight entry.
type Outcome uint8

const (
	Delivered Outcome = iota
	Dropped
	Retry
)

// Entry is a queued record with its queue-local metadata. Entries handed out
// by the queue are copies.
type Entry struct {
	Record     envelope.Record
	Priority   envelope.Priority
	EnqueuedAt time.Time
	Deadline   time.Time
	DedupeKey  string
	FromPeer   string
	State      State
}

// Expired reports whether the entry can no longer be delivered at now.
func (e Entry) Expired(now time.Time) bool {
	return e.Record.RemainingHops() == 0 || !now.Before(e.Deadline)
}

func (e Entry) clone() Entry {
	c := e
	c.Record = e.Record.Clone()
	return c
}

// Store persists pending entries so they survive restarts. Keys are record ids.
type Store interface {
	SaveEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, id string) error
	LoadEntries(ctx context.Context) ([]Entry, error)
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// EntryOption sets optional metadata on Enqueue.
type EntryOption func(*Entry)

// FromPeer marks the peer the record arrived from so relays skip it.
func FromPeer(peerID string) EntryOption {
	return func(e *Entry) { e.FromPeer = peerID }
}

type Queue struct {
	mu      sync.Mutex
	pending entryHeap
	live    map[string]*item // dedupe key -> pending or in-flight item
	seq     uint64

	now    func() time.Time
	policy Policy
	store  Store
	log    *slog.Logger
}

func New(opts ...Option) *Queue {
	q := &Queue{
		live:   make(map[string]*item),
		now:    time.Now,
		policy: DefaultPolicy(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits r with the given queue priority. It returns false, leaving
// the queue untouched, when an entry with the same id is already live.
func (q *Queue) Enqueue(r envelope.Record, prio envelope.Priority, opts ...EntryOption) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := envelope.DedupeKey(r.ID)
	if _, ok := q.live[key]; ok {
		return false
	}
	now := q.now()
	e := Entry{
		Record:     r.Clone(),
		Priority:   prio,
		EnqueuedAt: now,
		Deadline:   now.Add(q.policy.Lifetime(r)),
		DedupeKey:  key,
		State:      StatePending,
	}
	for _, opt := range opts {
		opt(&e)
	}
	q.push(e)
	q.save(e)
	return true
}

func (q *Queue) push(e Entry) {
	q.seq++
	it := &item{entry: e, seq: q.seq}
	heap.Push(&q.pending, it)
	q.live[e.DedupeKey] = it
}

// Dequeue returns the highest priority, oldest live entry and marks it
// in flight. Expired entries met on the way are purged.
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		if it.entry.Expired(now) {
			q.expire(it)
			continue
		}
		it.entry.State = StateInFlight
		return it.entry.clone(), true
	}
	return Entry{}, false
}

// Release finishes an in-flight entry. Retry puts it back with its original
// ordering metadata unless it expired meanwhile. It reports whether id was in
// flight.
func (q *Queue) Release(id string, outcome Outcome) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := envelope.DedupeKey(id)
	it, ok := q.live[key]
	if !ok || it.entry.State != StateInFlight {
		return false
	}
	switch outcome {
	case Retry:
		if it.entry.Expired(q.now()) {
			q.expire(it)
			return true
		}
		it.entry.State = StatePending
		heap.Push(&q.pending, it)
	case Delivered:
		it.entry.State = StateDelivered
		q.forget(it)
	default:
		it.entry.State = StateDropped
		q.forget(it)
	}
	return true
}

// PeekLength counts pending entries that are still valid right now.
func (q *Queue) PeekLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, it := range q.pending {
		if !it.entry.Expired(now) {
			n++
		}
	}
	return n
}

// InFlight counts entries handed out by Dequeue and not yet released.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live) - q.pending.Len()
}

// ClearExpired removes every expired pending entry and returns how many.
func (q *Queue) ClearExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.pending[:0]
	removed := 0
	for _, it := range q.pending {
		if it.entry.Expired(now) {
			q.expire(it)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	for i, it := range q.pending {
		it.index = i
	}
	heap.Init(&q.pending)
	return removed
}

// ClearAll drops every entry, including persisted ones.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.live {
		q.delete(it.entry.Record.ID)
	}
	q.pending = nil
	q.live = make(map[string]*item)
}

// Restore loads persisted entries. Entries already live or expired are
// skipped; expired ones are also removed from the store.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	entries, err := q.store.LoadEntries(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	restored := 0
	for _, e := range entries {
		if e.DedupeKey == "" {
			e.DedupeKey = envelope.DedupeKey(e.Record.ID)
		}
		if _, ok := q.live[e.DedupeKey]; ok {
			continue
		}
		if e.Expired(now) {
			q.delete(e.Record.ID)
			continue
		}
		e.State = StatePending
		q.push(e)
		restored++
	}
	return restored, nil
}

func (q *Queue) expire(it *item) {
	it.entry.State = StateExpired
	q.log.Debug("Queue entry expired", "id", it.entry.Record.ID, "kind", it.entry.Record.Kind)
	q.forget(it)
}

func (q *Queue) forget(it *item) {
	delete(q.live, it.entry.DedupeKey)
	q.delete(it.entry.Record.ID)
}

func (q *Queue) save(e Entry) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveEntry(context.Background(), e); err != nil {
		q.log.Warn("Failed to persist queue entry", "id", e.Record.ID, "error", err)
	}
}

func (q *Queue) delete(id string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteEntry(context.Background(), id); err != nil {
		q.log.Warn("Failed to delete queue entry", "id", id, "error", err)
	}
}
