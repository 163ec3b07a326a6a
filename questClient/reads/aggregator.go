// Package reads caches read-only contract state by staleness tier. Identical
// reads share one cache entry and one in-flight fetch, failed refreshes keep
// the last good value, and confirmed transactions invalidate entries by
// key pattern.
package reads

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/metrics"
)

// Reader is the external "read contract state" capability.
type Reader interface {
	Read(ctx context.Context, q Query) (any, error)
}

// Snapshot is the cached state of one key at a point in time.
type Snapshot struct {
	Key       string    `json:"key"`
	Value     any       `json:"value,omitempty"`
	HasValue  bool      `json:"has_value"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
	Err       error     `json:"-"`
}

const (
	defaultRefreshInterval = 15 * time.Second
	defaultFetchTimeout    = 30 * time.Second
)

// Config holds configuration for the aggregator.
type Config struct {
	Reader           Reader
	Bus              *events.Bus
	Metrics          *metrics.Metrics
	Staleness        Staleness
	RefreshInterval  time.Duration
	FetchTimeout     time.Duration
	MaxFetchAttempts int
	// RatePerSecond limits underlying reads; 0 disables the limit.
	RatePerSecond float64
	Burst         int
	Logger        zerolog.Logger
}

type entry struct {
	query  Query
	key    string
	target string
	method string
	args   []string

	value      any
	hasValue   bool
	fetchedAt  time.Time
	err        error
	stale      bool
	generation uint64
	lastAccess time.Time
	subs       map[uint64]*Subscription
}

// Aggregator owns the read cache.
type Aggregator struct {
	reader          Reader
	bus             *events.Bus
	metrics         *metrics.Metrics
	staleness       Staleness
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	retry           *txerrors.RetryConfig
	limiter         *rate.Limiter
	group           singleflight.Group
	logger          zerolog.Logger
	now             func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	nextSub uint64

	refresh chan struct{}
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an aggregator. Background refresh begins with Start.
func New(cfg Config) *Aggregator {
	staleness := cfg.Staleness
	if staleness == (Staleness{}) {
		staleness = DefaultStaleness()
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	retry := txerrors.DefaultRetryConfig()
	if cfg.MaxFetchAttempts > 0 {
		retry.MaxAttempts = cfg.MaxFetchAttempts
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Aggregator{
		reader:          cfg.Reader,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		staleness:       staleness,
		refreshInterval: interval,
		fetchTimeout:    timeout,
		retry:           retry,
		limiter:         rate.NewLimiter(limit, burst),
		logger:          cfg.Logger.With().Str("component", "read_aggregator").Logger(),
		now:             time.Now,
		entries:         make(map[string]*entry),
		refresh:         make(chan struct{}, 1),
	}
}

// Subscribe registers interest in q and returns its current snapshot. A
// fresh cached value is returned without a fetch; otherwise the call blocks
// on a fetch shared with every concurrent caller of the same key.
func (a *Aggregator) Subscribe(ctx context.Context, q Query) (Snapshot, *Subscription, error) {
	if err := q.Validate(); err != nil {
		return Snapshot{}, nil, err
	}

	a.mu.Lock()
	e := a.entryLocked(q)
	a.nextSub++
	sub := newSubscription(a, e.key, a.nextSub)
	e.subs[sub.id] = sub
	a.mu.Unlock()

	return a.load(ctx, e), sub, nil
}

// Get returns the value of q without subscribing.
func (a *Aggregator) Get(ctx context.Context, q Query) (Snapshot, error) {
	if err := q.Validate(); err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	e := a.entryLocked(q)
	a.mu.Unlock()
	return a.load(ctx, e), nil
}

// Peek returns the cached snapshot for key without fetching.
func (a *Aggregator) Peek(key string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshotLocked(e), true
}

// Entries returns snapshots of every cached key, sorted by key.
func (a *Aggregator) Entries() []Snapshot {
	a.mu.Lock()
	out := make([]Snapshot, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, a.snapshotLocked(e))
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of cache entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Subscribers returns the subscriber count for key.
func (a *Aggregator) Subscribers(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[key]; ok {
		return len(e.subs)
	}
	return 0
}

// Invalidate marks every entry matching pattern stale so its next access
// refetches. Unknown keys are ignored. It returns the number of entries marked.
func (a *Aggregator) Invalidate(keyPattern string) (int, error) {
	p, err := parsePattern(keyPattern)
	if err != nil {
		return 0, err
	}
	return a.invalidate([]pattern{p}), nil
}

// InvalidateContract applies patterns to the entries of one contract only.
// With no patterns every entry of the contract is marked.
func (a *Aggregator) InvalidateContract(target string, patterns ...string) (int, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	ps := make([]pattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := parsePattern(raw)
		if err != nil {
			return 0, err
		}
		ps = append(ps, p.scoped(target))
	}
	return a.invalidate(ps), nil
}

func (a *Aggregator) invalidate(ps []pattern) int {
	a.mu.Lock()
	marked, watched := 0, 0
	for _, e := range a.entries {
		for _, p := range ps {
			if p.matches(e) {
				e.stale = true
				e.generation++
				marked++
				if len(e.subs) > 0 {
					watched++
				}
				break
			}
		}
	}
	a.mu.Unlock()

	a.metrics.AddInvalidations(marked)
	if watched > 0 {
		a.kick()
	}
	a.logger.Debug().Int("marked", marked).Int("watched", watched).Msg("read cache invalidated")
	return marked
}

// Sweep evicts entries with no subscribers that were not accessed within
// idleFor. It returns the number evicted.
func (a *Aggregator) Sweep(idleFor time.Duration) int {
	cutoff := a.now().Add(-idleFor)
	a.mu.Lock()
	evicted := 0
	for key, e := range a.entries {
		if len(e.subs) == 0 && !e.lastAccess.After(cutoff) {
			delete(a.entries, key)
			evicted++
		}
	}
	size := len(a.entries)
	a.mu.Unlock()

	a.metrics.SetReadCacheSize(size)
	if evicted > 0 {
		a.logger.Debug().Int("evicted", evicted).Msg("swept idle reads")
	}
	return evicted
}

// Start begins the background refresh loop for subscribed entries.
func (a *Aggregator) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return errors.New("read aggregator already running")
	}
	if a.reader == nil {
		return errors.New("read aggregator requires a reader")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(1)
	go a.run(runCtx)
	a.logger.Info().Dur("refresh_interval", a.refreshInterval).Msg("read aggregator started")
	return nil
}

// Stop ends the refresh loop.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.runMu.Unlock()
	a.wg.Wait()
}

// Close stops the loop and closes every subscription channel.
func (a *Aggregator) Close() {
	a.Stop()
	a.mu.Lock()
	var subs []*Subscription
	for _, e := range a.entries {
		for _, s := range e.subs {
			subs = append(subs, s)
		}
	}
	a.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.refresh:
		}
		a.RefreshOnce(ctx)
	}
}

// RefreshOnce refetches every subscribed entry that is no longer fresh.
func (a *Aggregator) RefreshOnce(ctx context.Context) {
	now := a.now()
	a.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range a.entries {
		if len(e.subs) > 0 && !a.freshLocked(e, now) {
			due = append(due, e)
		}
	}
	a.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		a.load(ctx, e)
	}
}

func (a *Aggregator) kick() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

func (a *Aggregator) entryLocked(q Query) *entry {
	key := q.Key()
	e, ok := a.entries[key]
	if !ok {
		e = &entry{
			query:  q,
			key:    key,
			target: strings.ToLower(q.Target),
			method: q.Method.Name,
			args:   q.argStrings(),
			subs:   make(map[uint64]*Subscription),
		}
		a.entries[key] = e
		a.metrics.SetReadCacheSize(len(a.entries))
	}
	e.lastAccess = a.now()
	return e
}

func (a *Aggregator) freshLocked(e *entry, now time.Time) bool {
	return e.hasValue && !e.stale && now.Sub(e.fetchedAt) < a.staleness.For(e.query.Tier)
}

func (a *Aggregator) snapshotLocked(e *entry) Snapshot {
	return Snapshot{
		Key:       e.key,
		Value:     e.value,
		HasValue:  e.hasValue,
		FetchedAt: e.fetchedAt,
		Stale:     !a.freshLocked(e, a.now()),
		Err:       e.err,
	}
}

// load returns the entry's snapshot, fetching first when it is not fresh.
func (a *Aggregator) load(ctx context.Context, e *entry) Snapshot {
	a.mu.Lock()
	if a.freshLocked(e, a.now()) {
		snap := a.snapshotLocked(e)
		a.mu.Unlock()
		return snap
	}
	a.mu.Unlock()

	ch := a.group.DoChan(e.key, func() (any, error) {
		// a fetch that finished between the check above and here already did the work
		a.mu.Lock()
		fresh := a.freshLocked(e, a.now())
		a.mu.Unlock()
		if fresh {
			return nil, nil
		}
		return nil, a.fetch(e)
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(e)
}

// fetch performs the underlying read and stores the outcome. It runs at
// most once per key at a time and outlives the caller's context.
func (a *Aggregator) fetch(e *entry) error {
	if a.reader == nil {
		return errors.New("read aggregator has no reader")
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.fetchTimeout)
	defer cancel()

	a.mu.Lock()
	generation := e.generation
	a.mu.Unlock()

	var value any
	err := txerrors.RetryWithConfig(ctx, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		v, err := a.reader.Read(ctx, e.query)
		if err != nil {
			return err
		}
		value = v
		return nil
	}, a.retry)

	now := a.now()
	a.mu.Lock()
	if err != nil {
		// keep the previous value; subscribers see it flagged with the error
		e.err = err
	} else {
		e.value = value
		e.hasValue = true
		e.fetchedAt = now
		e.err = nil
		// an invalidation during the fetch keeps the entry stale
		e.stale = e.generation != generation
	}
	snap := a.snapshotLocked(e)
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	if err != nil {
		a.metrics.IncReadFetch("error")
		a.logger.Warn().Err(err).Str("key", e.key).Bool("has_value", snap.HasValue).Msg("read failed")
	} else {
		a.metrics.IncReadFetch("ok")
		a.logger.Debug().Str("key", e.key).Str("tier", e.query.Tier.String()).Msg("read refreshed")
	}

	for _, s := range subs {
		s.deliver(snap)
	}
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Kind:     events.KindReadUpdated,
			Key:      e.key,
			Contract: e.query.Target,
			Value:    snap.Value,
			Err:      snap.Err,
			At:       now,
		})
	}
	return err
}

func (a *Aggregator) unsubscribe(key string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[key]; ok {
		delete(e.subs, id)
		e.lastAccess = a.now()
	}
}
