// Package tracker drives each submitted transaction through its lifecycle:
// Submitted, Confirming, then exactly one of Confirmed, Failed or Dropped.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/metrics"
	"github.com/questline/questline-client/questClient/types"
)

// ReceiptPoller is the external "poll receipt" capability.
type ReceiptPoller interface {
	GetReceipt(ctx context.Context, hash string) (types.Receipt, error)
}

// Journal persists records so unsettled transactions survive a restart.
type Journal interface {
	Save(record types.TransactionRecord) error
	LoadUnsettled() ([]types.TransactionRecord, error)
}

// SettleFunc is called once per record when it reaches a terminal state.
type SettleFunc func(record types.TransactionRecord)

const (
	defaultPollInterval = 4 * time.Second
	defaultDropTimeout  = 3 * time.Minute
)

// Config holds configuration for the tracker.
type Config struct {
	Poller                ReceiptPoller
	Journal               Journal
	Metrics               *metrics.Metrics
	PollInterval          time.Duration
	DropTimeout           time.Duration
	RequiredConfirmations uint64
	// MaxPollAttempts bounds receipt retries within a single poll.
	MaxPollAttempts int
	Logger          zerolog.Logger
}

// Tracker owns every TransactionRecord. Records leave only through Evict.
type Tracker struct {
	poller       ReceiptPoller
	journal      Journal
	metrics      *metrics.Metrics
	pollInterval time.Duration
	policy       policy
	retry        *txerrors.RetryConfig
	logger       zerolog.Logger
	now          func() time.Time

	mu           sync.RWMutex
	records      map[string]*types.TransactionRecord
	byDescriptor map[string]string
	handlers     []SettleFunc

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a tracker. Polling begins with Start.
func New(cfg Config) *Tracker {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	drop := cfg.DropTimeout
	if drop <= 0 {
		drop = defaultDropTimeout
	}
	required := cfg.RequiredConfirmations
	if required == 0 {
		required = 1
	}
	retry := txerrors.DefaultRetryConfig()
	if cfg.MaxPollAttempts > 0 {
		retry.MaxAttempts = cfg.MaxPollAttempts
	}
	// a poll must finish well inside one interval
	retry.InitialDelay = interval / 8
	retry.MaxDelay = interval / 2

	return &Tracker{
		poller:       cfg.Poller,
		journal:      cfg.Journal,
		metrics:      cfg.Metrics,
		pollInterval: interval,
		policy:       policy{requiredConfirmations: required, dropTimeout: drop},
		retry:        retry,
		logger:       cfg.Logger.With().Str("component", "txtracker").Logger(),
		now:          time.Now,
		records:      make(map[string]*types.TransactionRecord),
		byDescriptor: make(map[string]string),
	}
}

// OnSettled registers fn to receive every record that settles after this call.
func (t *Tracker) OnSettled(fn SettleFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// Track creates the record for a call the signer accepted.
func (t *Tracker) Track(call descriptor.CallDescriptor, hash string) (types.TransactionRecord, error) {
	if hash == "" {
		return types.TransactionRecord{}, errors.New("transaction hash is required")
	}
	now := t.now()
	rec := &types.TransactionRecord{
		Hash:         hash,
		DescriptorID: call.ID,
		Descriptor:   call.Clone(),
		State:        types.StateSubmitted,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}

	t.mu.Lock()
	if _, exists := t.records[hash]; exists {
		t.mu.Unlock()
		return types.TransactionRecord{}, errors.Errorf("transaction %s is already tracked", hash)
	}
	t.records[hash] = rec
	t.byDescriptor[call.ID] = hash
	out := *rec
	unsettled := t.unsettledLocked()
	t.mu.Unlock()

	t.metrics.SetUnsettled(unsettled)
	t.persist(out)
	t.logger.Debug().Str("tx_hash", hash).Str("descriptor_id", call.ID).Msg("tracking transaction")
	return out, nil
}

// Restore re-tracks the unsettled records found in the journal. Records
// already present are left alone. It returns how many were restored.
func (t *Tracker) Restore() (int, error) {
	if t.journal == nil {
		return 0, nil
	}
	recs, err := t.journal.LoadUnsettled()
	if err != nil {
		return 0, errors.Wrap(err, "failed to load unsettled transactions")
	}

	restored := 0
	t.mu.Lock()
	for i := range recs {
		rec := recs[i]
		if rec.State.IsTerminal() {
			continue
		}
		if _, exists := t.records[rec.Hash]; exists {
			continue
		}
		t.records[rec.Hash] = &rec
		if rec.DescriptorID != "" {
			t.byDescriptor[rec.DescriptorID] = rec.Hash
		}
		restored++
	}
	unsettled := t.unsettledLocked()
	t.mu.Unlock()

	t.metrics.SetUnsettled(unsettled)
	if restored > 0 {
		t.logger.Info().Int("restored", restored).Msg("resumed tracking of journaled transactions")
	}
	return restored, nil
}

// Get returns a copy of the record for hash.
func (t *Tracker) Get(hash string) (types.TransactionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[hash]
	if !ok {
		return types.TransactionRecord{}, false
	}
	return *rec, true
}

// ByDescriptor looks a record up by the originating descriptor ID.
func (t *Tracker) ByDescriptor(id string) (types.TransactionRecord, bool) {
	t.mu.RLock()
	hash, ok := t.byDescriptor[id]
	t.mu.RUnlock()
	if !ok {
		return types.TransactionRecord{}, false
	}
	return t.Get(hash)
}

// List returns copies of all records, newest submission first.
func (t *Tracker) List() []types.TransactionRecord {
	t.mu.RLock()
	out := make([]types.TransactionRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Unsettled returns the number of records not yet in a terminal state.
func (t *Tracker) Unsettled() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unsettledLocked()
}

func (t *Tracker) unsettledLocked() int {
	n := 0
	for _, rec := range t.records {
		if !rec.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Evict removes terminal records settled more than olderThan ago.
func (t *Tracker) Evict(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for hash, rec := range t.records {
		if rec.State.IsTerminal() && rec.SettledAt.Before(cutoff) {
			delete(t.records, hash)
			if t.byDescriptor[rec.DescriptorID] == hash {
				delete(t.byDescriptor, rec.DescriptorID)
			}
			evicted++
		}
	}
	if evicted > 0 {
		t.logger.Debug().Int("evicted", evicted).Msg("evicted settled transactions")
	}
	return evicted
}

// Start begins the background poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return errors.New("tracker already running")
	}
	if t.poller == nil {
		return errors.New("tracker requires a receipt poller")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go t.run(runCtx)
	t.logger.Info().
		Dur("poll_interval", t.pollInterval).
		Dur("drop_timeout", t.policy.dropTimeout).
		Uint64("required_confirmations", t.policy.requiredConfirmations).
		Msg("lifecycle tracker started")
	return nil
}

// Stop ends the poll loop and waits for an in-progress poll.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	t.runMu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce checks every unsettled record once.
func (t *Tracker) PollOnce(ctx context.Context) {
	t.mu.RLock()
	hashes := make([]string, 0, len(t.records))
	for hash, rec := range t.records {
		if !rec.State.IsTerminal() {
			hashes = append(hashes, hash)
		}
	}
	t.mu.RUnlock()

	for _, hash := range hashes {
		if ctx.Err() != nil {
			return
		}
		t.poll(ctx, hash)
	}
}

func (t *Tracker) poll(ctx context.Context, hash string) {
	var receipt types.Receipt
	err := txerrors.RetryWithConfig(ctx, func() error {
		r, err := t.poller.GetReceipt(ctx, hash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, t.retry)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.metrics.IncPollError()
		t.logger.Debug().Err(err).Str("tx_hash", hash).Msg("receipt poll failed")
		// the drop timeout still applies while the RPC is unreachable
		t.apply(hash, types.Receipt{Status: types.ReceiptNotFound}, err)
		return
	}
	t.apply(hash, receipt, nil)
}

// Observe applies a receipt delivered by something other than the poll loop,
// e.g. a push subscription. It is a no-op for unknown or settled records.
func (t *Tracker) Observe(hash string, receipt types.Receipt) {
	t.apply(hash, receipt, nil)
}

// apply runs the transition under the lock so that only one caller can move
// a record into a terminal state.
func (t *Tracker) apply(hash string, receipt types.Receipt, pollErr error) {
	t.mu.Lock()
	rec, ok := t.records[hash]
	if !ok {
		t.mu.Unlock()
		return
	}
	wasTerminal := rec.State.IsTerminal()
	updated, changed := t.policy.next(*rec, receipt, t.now())

	errMsg := ""
	if pollErr != nil {
		errMsg = pollErr.Error()
	}
	if updated.LastPollError != errMsg {
		updated.LastPollError = errMsg
		changed = true
	}
	if !changed {
		t.mu.Unlock()
		return
	}
	*rec = updated
	settled := !wasTerminal && updated.State.IsTerminal()
	handlers := t.handlers
	unsettled := t.unsettledLocked()
	t.mu.Unlock()

	t.persist(updated)
	t.metrics.SetUnsettled(unsettled)

	if !settled {
		t.logger.Debug().Str("tx_hash", hash).Str("state", updated.State.String()).
			Uint64("confirmations", updated.Confirmations).Msg("transaction updated")
		return
	}

	t.metrics.IncSettlement(updated.State.String())
	ev := t.logger.Info()
	if updated.Error != nil {
		ev = t.logger.Warn().Err(updated.Error)
	}
	ev.Str("tx_hash", hash).Str("state", updated.State.String()).
		Str("method", updated.Method()).Uint64("block", updated.BlockNumber).Msg("transaction settled")

	for _, fn := range handlers {
		fn(updated)
	}
}

func (t *Tracker) persist(rec types.TransactionRecord) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Save(rec); err != nil {
		t.logger.Warn().Err(err).Str("tx_hash", rec.Hash).Msg("failed to journal transaction")
	}
}
