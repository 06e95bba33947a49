package engine

import (
	"container/list"
	"sync"
	"time"
)

// seenSet remembers message ids for loop suppression. Entries are kept in
// first-seen order so purging walks from the oldest end.
type seenSet struct {
	mu        sync.Mutex
	retention time.Duration
	capacity  int
	entries   map[string]*list.Element
	order     *list.List
	// Entries dropped for capacity while still inside retention. Each one
	// is an id that could be relayed again if it comes back.
	evicted uint64
}

type seenEntry struct {
	id          string
	firstSeenAt time.Time
}

func newSeenSet(retention time.Duration, capacity int) *seenSet {
	return &seenSet{
		retention: retention,
		capacity:  capacity,
		entries:   make(map[string]*list.Element),
		order:     list.New(),
	}
}

// CheckAndAdd reports whether id was already seen within the retention
// window, recording it as seen at now when it was not.
func (s *seenSet) CheckAndAdd(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		if now.Sub(el.Value.(*seenEntry).firstSeenAt) < s.retention {
			return true
		}
		s.order.Remove(el)
		delete(s.entries, id)
	}
	s.entries[id] = s.order.PushFront(&seenEntry{id: id, firstSeenAt: now})
	for s.capacity > 0 && len(s.entries) > s.capacity {
		back := s.order.Back()
		ent := back.Value.(*seenEntry)
		if now.Sub(ent.firstSeenAt) < s.retention {
			s.evicted++
		}
		delete(s.entries, ent.id)
		s.order.Remove(back)
	}
	return false
}

// Purge drops entries older than the retention window and returns how many.
func (s *seenSet) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.order.Back(); el != nil; {
		ent := el.Value.(*seenEntry)
		if now.Sub(ent.firstSeenAt) < s.retention {
			break
		}
		prev := el.Prev()
		s.order.Remove(el)
		delete(s.entries, ent.id)
		removed++
		el = prev
	}
	return removed
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evicted returns how many entries were dropped for capacity before their
// retention window ran out.
func (s *seenSet) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}
