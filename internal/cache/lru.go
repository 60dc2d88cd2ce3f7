package cache

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key string
	at  time.Time
}

// Seen remembers keys for a fixed window with LRU eviction once it holds
// maxSize keys. Entries are kept newest first, so expired ones are always
// at the back.
type Seen struct {
	window  time.Duration
	maxSize int

	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List
	evictions int
}

func NewSeen(window time.Duration, maxSize int) *Seen {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Seen{
		window:  window,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Touch records key at now and reports whether it was already seen within
// the window. A hit does not extend the window: it is measured from the
// first sighting.
func (s *Seen) Touch(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(now)

	if element, ok := s.items[key]; ok {
		entry := element.Value.(*seenEntry)
		if now.Sub(entry.at) < s.window {
			return true
		}
		entry.at = now
		s.order.MoveToFront(element)
		return false
	}

	s.items[key] = s.order.PushFront(&seenEntry{key: key, at: now})
	if s.order.Len() > s.maxSize {
		s.removeLocked(s.order.Back())
		s.evictions++
	}
	return false
}

func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Evictions counts keys dropped for capacity before their window ended.
func (s *Seen) Evictions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

func (s *Seen) expireLocked(now time.Time) {
	for {
		oldest := s.order.Back()
		if oldest == nil || now.Sub(oldest.Value.(*seenEntry).at) < s.window {
			return
		}
		s.removeLocked(oldest)
	}
}

func (s *Seen) removeLocked(element *list.Element) {
	entry := element.Value.(*seenEntry)
	delete(s.items, entry.key)
	s.order.Remove(element)
}
