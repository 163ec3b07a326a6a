package reads

import "sync"

// Subscription keeps a cache entry refreshed while it is held. Updates
// carries the newest snapshot after every fetch; older undelivered
// snapshots are replaced.
type Subscription struct {
	agg *Aggregator
	key string
	id  uint64

	mu      sync.Mutex
	closed  bool
	updates chan Snapshot
	once    sync.Once
}

func newSubscription(a *Aggregator, key string, id uint64) *Subscription {
	return &Subscription{
		agg:     a,
		key:     key,
		id:      id,
		updates: make(chan Snapshot, 1),
	}
}

// Key returns the cache key this subscription watches.
func (s *Subscription) Key() string { return s.key }

// Updates delivers snapshots after each fetch of the key. It is closed by
// Unsubscribe.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Unsubscribe stops updates. The cache entry stays until swept. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.agg.unsubscribe(s.key, s.id)
		s.mu.Lock()
		s.closed = true
		close(s.updates)
		s.mu.Unlock()
	})
}

func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}
