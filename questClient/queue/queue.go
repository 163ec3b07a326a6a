// Package queue serializes state-changing contract calls against a single
// signing account. Calls are ordered by priority and then by enqueue order,
// handed to the signer one at a time, and passed to the lifecycle tracker
// once the signer returns a hash.
package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/metrics"
	"github.com/questline/questline-client/questClient/types"
)

var (
	// ErrNotFound is returned by Cancel for unknown IDs.
	ErrNotFound = errors.New("queue entry not found")
	// ErrNotCancelable is returned by Cancel once the signer has the call.
	ErrNotCancelable = errors.New("queue entry already handed to the signer")
	// ErrClosed is returned by Enqueue after Flush.
	ErrClosed = errors.New("queue is closed")
)

// Submitter is the external "submit signed call" capability.
type Submitter interface {
	Submit(ctx context.Context, call descriptor.CallDescriptor) (string, error)
}

// Authorizer is consulted for every enqueue; it returns an UNAUTHORIZED
// error when the account may not make the call.
type Authorizer interface {
	Authorize(ctx context.Context, call descriptor.CallDescriptor) error
}

// Tracker receives calls the signer accepted and reports how many are still
// unsettled.
type Tracker interface {
	Track(call descriptor.CallDescriptor, hash string) (types.TransactionRecord, error)
	Unsettled() int
}

const (
	defaultSubmitTimeout   = 2 * time.Minute
	defaultRecheckInterval = time.Second
)

// Config holds configuration for the queue.
type Config struct {
	Submitter  Submitter
	Tracker    Tracker
	Authorizer Authorizer
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	// MaxInFlight bounds unsettled records; 0 only serializes the submit call.
	MaxInFlight     int
	SubmitTimeout   time.Duration
	RecheckInterval time.Duration
	Logger          zerolog.Logger
}

// Queue is the single submission path for the signing account.
type Queue struct {
	submitter       Submitter
	tracker         Tracker
	authorizer      Authorizer
	bus             *events.Bus
	metrics         *metrics.Metrics
	maxInFlight     int
	submitTimeout   time.Duration
	recheckInterval time.Duration
	logger          zerolog.Logger
	now             func() time.Time

	mu      sync.Mutex
	pending entryHeap
	entries map[string]*Entry
	seq     uint64
	closed  bool

	wake    chan struct{}
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue. It does not drain until Start is called.
func New(cfg Config) *Queue {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	recheck := cfg.RecheckInterval
	if recheck <= 0 {
		recheck = defaultRecheckInterval
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 0 {
		maxInFlight = 0
	}
	return &Queue{
		submitter:       cfg.Submitter,
		tracker:         cfg.Tracker,
		authorizer:      cfg.Authorizer,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		maxInFlight:     maxInFlight,
		submitTimeout:   timeout,
		recheckInterval: recheck,
		logger:          cfg.Logger.With().Str("component", "txqueue").Logger(),
		now:             time.Now,
		entries:         make(map[string]*Entry),
		wake:            make(chan struct{}, 1),
	}
}

// Enqueue validates and authorizes call, then queues a private copy of it
// under a fresh ID. Invalid or unauthorized calls never reach the signer.
func (q *Queue) Enqueue(ctx context.Context, call descriptor.CallDescriptor) (*Entry, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}
	if q.authorizer != nil {
		if err := q.authorizer.Authorize(ctx, call); err != nil {
			q.logger.Info().Err(err).Str("method", call.Method.Name).Str("target", call.Target).
				Msg("enqueue blocked by role gate")
			return nil, err
		}
	}

	call = call.Clone().AssignID()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	entry := newEntry(call, q.seq, q.now())
	heap.Push(&q.pending, entry)
	q.entries[call.ID] = entry
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.logger.Debug().Str("id", call.ID).Str("method", call.Method.Name).
		Str("priority", call.Priority.String()).Int("depth", depth).Msg("call enqueued")
	q.Notify()
	return entry, nil
}

// Cancel removes a pending entry. Entries the signer already has cannot be
// canceled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if entry.index < 0 || entry.Status() != StatusPending {
		q.mu.Unlock()
		return ErrNotCancelable
	}
	heap.Remove(&q.pending, entry.index)
	delete(q.entries, id)
	depth := q.pending.Len()
	q.mu.Unlock()

	entry.finish(StatusCanceled, "", context.Canceled)
	q.metrics.SetQueueDepth(depth)
	q.logger.Debug().Str("id", id).Msg("queue entry canceled")
	return nil
}

// Get returns the entry for id while the queue still holds it.
func (q *Queue) Get(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	return e, ok
}

// Pending returns snapshots of the waiting entries in submission order.
func (q *Queue) Pending() []Snapshot {
	q.mu.Lock()
	ordered := make(entryHeap, len(q.pending))
	copy(ordered, q.pending)
	q.mu.Unlock()

	// sort.Slice swaps with its own swapper, so heap indexes stay intact
	sort.Slice(ordered, func(i, j int) bool { return ordered.Less(i, j) })
	out := make([]Snapshot, len(ordered))
	for i, e := range ordered {
		out[i] = e.Snapshot()
	}
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Notify wakes the drain loop, e.g. after a record settled.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start begins the background drain loop.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return errors.New("queue already running")
	}
	if q.submitter == nil || q.tracker == nil {
		return errors.New("queue requires a submitter and a tracker")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	q.wg.Add(1)
	go q.run(runCtx)
	q.logger.Info().Int("max_in_flight", q.maxInFlight).Msg("transaction queue started")
	return nil
}

// Stop ends the drain loop, waiting for an in-progress submission to return.
// Pending entries stay queued.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.runMu.Unlock()

	q.wg.Wait()
	q.logger.Info().Msg("transaction queue stopped")
}

// Flush closes the queue to new calls and cancels everything still pending.
// It returns the number of canceled entries.
func (q *Queue) Flush() int {
	q.mu.Lock()
	q.closed = true
	drained := make([]*Entry, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*Entry)
		delete(q.entries, e.ID())
		drained = append(drained, e)
	}
	q.mu.Unlock()

	for _, e := range drained {
		e.finish(StatusCanceled, "", ErrClosed)
	}
	q.metrics.SetQueueDepth(0)
	return len(drained)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.recheckInterval)
	defer ticker.Stop()

	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// drain submits entries one at a time until the queue is empty, the
// in-flight limit is reached, or ctx is done.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if !q.hasCapacity() {
			return
		}
		entry := q.pop()
		if entry == nil {
			return
		}
		q.submit(ctx, entry)
	}
}

func (q *Queue) hasCapacity() bool {
	if q.maxInFlight == 0 {
		return true
	}
	return q.tracker.Unsettled() < q.maxInFlight
}

func (q *Queue) pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	entry := heap.Pop(&q.pending).(*Entry)
	entry.markSubmitting()
	q.metrics.SetQueueDepth(q.pending.Len())
	return entry
}

// submit hands one entry to the signer and waits for it to return. The
// signer call is not tied to ctx cancellation so Stop never abandons a
// signature halfway; it is bounded by the submit timeout instead.
func (q *Queue) submit(ctx context.Context, entry *Entry) {
	call := entry.descriptor
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.submitTimeout)
	defer cancel()

	started := q.now()
	hash, err := q.submitter.Submit(submitCtx, call.Clone())
	took := q.now().Sub(started)

	if err == nil && hash == "" {
		err = errors.New("signer returned no transaction hash")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = txerrors.NewSubmissionRejectedError(call.Target, "signer did not respond before submit timeout", err).
				WithContext("timeout", q.submitTimeout.String())
		}
		q.reject(entry, txerrors.ClassifySubmitError(call.Target, err), took)
		return
	}

	record, err := q.tracker.Track(call, hash)
	if err != nil {
		// the signer accepted the call, so the entry is not retried
		q.logger.Error().Err(err).Str("id", call.ID).Str("tx_hash", hash).Msg("failed to track submitted transaction")
		untracked := txerrors.NewInternalError(call.Target, "submitted transaction could not be tracked", err).
			WithContext("tx_hash", hash)
		q.finish(entry, StatusFailed, hash, untracked)
		q.metrics.ObserveSubmission("untracked", took)
		q.publish(events.Event{Kind: events.KindRejected, Descriptor: &call, Err: untracked})
		return
	}

	q.finish(entry, StatusSubmitted, hash, nil)
	q.metrics.ObserveSubmission("submitted", took)
	q.logger.Info().Str("id", call.ID).Str("tx_hash", hash).Str("method", call.Method.Name).
		Dur("took", took).Msg("transaction submitted")
	q.publish(events.Event{Kind: events.KindSubmitted, Record: &record, Descriptor: &call})
}

func (q *Queue) reject(entry *Entry, err *txerrors.TxError, took time.Duration) {
	call := entry.descriptor
	q.finish(entry, StatusFailed, "", err)
	q.metrics.ObserveSubmission("rejected", took)
	q.logger.Warn().Err(err).Str("id", call.ID).Str("method", call.Method.Name).Msg("submission rejected")
	q.publish(events.Event{Kind: events.KindRejected, Descriptor: &call, Err: err})
}

func (q *Queue) finish(entry *Entry, status Status, hash string, err error) {
	entry.finish(status, hash, err)
	q.mu.Lock()
	delete(q.entries, entry.ID())
	q.mu.Unlock()
}

func (q *Queue) publish(ev events.Event) {
	if q.bus != nil {
		q.bus.Publish(ev)
	}
}
