// Package events is the notification surface the core exposes to any
// presentation layer.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/descriptor"
	"github.com/questline/questline-client/questClient/types"
)

// Kind names an event stream.
type Kind string

const (
	// KindSubmitted fires when the signer accepted a call and a record exists.
	KindSubmitted Kind = "submitted"
	// KindRejected fires when a queued call failed before reaching the chain.
	KindRejected Kind = "rejected"
	// KindSettled fires exactly once per record on Confirmed, Failed or Dropped.
	KindSettled Kind = "settled"
	// KindReadUpdated fires when a cached read got a new value or error.
	KindReadUpdated Kind = "read-updated"
	// KindRoleChanged fires when a cached role grant flips.
	KindRoleChanged Kind = "role-changed"
)

const defaultBuffer = 64

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind
	At         time.Time
	Record     *types.TransactionRecord
	Descriptor *descriptor.CallDescriptor
	Key        string
	Value      any
	Account    string
	Contract   string
	Role       string
	Granted    bool
	Err        error
}

// guaranteed kinds are lifecycle events. A full buffer queues them behind the
// subscriber instead of dropping them.
func guaranteed(k Kind) bool {
	switch k {
	case KindSubmitted, KindRejected, KindSettled:
		return true
	default:
		return false
	}
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{}

	mu      sync.Mutex
	backlog []Event
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber(buffer int, kinds []Kind) *subscriber {
	sub := &subscriber{
		ch:    make(chan Event, buffer),
		kinds: make(map[Kind]struct{}, len(kinds)),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	return sub
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// offer hands ev to the subscriber and reports false only when a lossy
// event was dropped. Guaranteed events keep their relative order.
func (s *subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !guaranteed(ev.Kind) {
		select {
		case s.ch <- ev:
			return true
		default:
			return false
		}
	}
	if len(s.backlog) == 0 {
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}
	s.backlog = append(s.backlog, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// pump moves backlogged events into ch as the reader catches up. It owns
// closing ch once the subscription ends.
func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.backlog[0]
			s.mu.Unlock()

			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}

			s.mu.Lock()
			s.backlog[0] = Event{}
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
		}
	}
}

func (s *subscriber) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// Bus fans events out to subscribers. Publish never blocks. A subscriber
// whose buffer is full misses read-updated and role-changed events, while
// submitted, rejected and settled events wait in its backlog.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	buffer  int
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, logger zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe returns a channel receiving events of the given kinds (all kinds
// when none are given) and a cancel func that closes it. Cancel is idempotent.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := newSubscriber(b.buffer, kinds)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.done)
			}
		})
	}
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		if !sub.offer(ev) {
			b.dropped.Add(1)
			b.logger.Warn().Str("kind", string(ev.Kind)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Backlog returns how many guaranteed events wait behind full buffers.
func (b *Bus) Backlog() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		n += sub.pending()
	}
	return n
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}
