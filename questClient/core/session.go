package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/api"
	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/cron"
	"github.com/questline/questline-client/questClient/db"
	"github.com/questline/questline-client/questClient/descriptor"
	"github.com/questline/questline-client/questClient/ethrpc"
	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/metrics"
	"github.com/questline/questline-client/questClient/queue"
	"github.com/questline/questline-client/questClient/reads"
	"github.com/questline/questline-client/questClient/reconcile"
	"github.com/questline/questline-client/questClient/registry"
	"github.com/questline/questline-client/questClient/rolegate"
	"github.com/questline/questline-client/questClient/tracker"
	"github.com/questline/questline-client/questClient/txstore"
	"github.com/questline/questline-client/questClient/types"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 5 * time.Second
)

// HealthChecker reports whether the chain endpoints answer.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// EndpointReporter is implemented by health checkers that track individual
// endpoints.
type EndpointReporter interface {
	Endpoints() []ethrpc.EndpointStatus
}

// ReasonCache is implemented by receipt pollers that keep per-hash state
// until the record settles.
type ReasonCache interface {
	Forget(hash string)
}

// Deps are the external capabilities a session drives.
type Deps struct {
	Submitter queue.Submitter
	Reader    reads.Reader
	Poller    tracker.ReceiptPoller
	// Health is optional; without it the session reports healthy while running.
	Health HealthChecker
	// DB is optional; without it records live only in memory. The caller
	// owns it and closes it after Teardown.
	DB     *db.DB
	Logger zerolog.Logger
}

// Session owns every component for one signing account.
type Session struct {
	cfg     *config.Config
	logger  zerolog.Logger
	health  HealthChecker
	bus     *events.Bus
	metrics *metrics.Metrics

	registry   *registry.Registry
	reads      *reads.Aggregator
	gate       *rolegate.Gate
	tracker    *tracker.Tracker
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	journal    *txstore.Store
	retention  *cron.RetentionJob
	server     *api.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires a session from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Submitter == nil || deps.Reader == nil || deps.Poller == nil {
		return nil, errors.New("submitter, reader and poller are required")
	}

	log := deps.Logger.With().Str("component", "session").Logger()

	reg, err := registry.FromConfig(cfg.Capabilities, deps.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load capabilities")
	}

	s := &Session{
		cfg:      cfg,
		logger:   log,
		health:   deps.Health,
		bus:      events.NewBus(eventBuffer, deps.Logger),
		metrics:  metrics.New(),
		registry: reg,
	}

	s.reads = reads.New(reads.Config{
		Reader:           deps.Reader,
		Bus:              s.bus,
		Metrics:          s.metrics,
		Staleness:        reads.StalenessFromConfig(cfg.Reads),
		RefreshInterval:  seconds(cfg.Reads.RefreshIntervalSeconds),
		MaxFetchAttempts: cfg.Reads.MaxFetchAttempts,
		RatePerSecond:    cfg.Reads.RatePerSecond,
		Burst:            cfg.Reads.Burst,
		Logger:           deps.Logger,
	})

	s.gate = rolegate.New(rolegate.Config{
		Reads:   s.reads,
		Roles:   reg,
		Account: cfg.Account,
		Bus:     s.bus,
		Metrics: s.metrics,
		Watch:   true,
		Logger:  deps.Logger,
	})

	trackerCfg := tracker.Config{
		Poller:                deps.Poller,
		Metrics:               s.metrics,
		PollInterval:          cfg.PollInterval(),
		DropTimeout:           cfg.DropTimeout(),
		RequiredConfirmations: uint64(max(cfg.Tracker.RequiredConfirmations, 0)),
		MaxPollAttempts:       cfg.Tracker.MaxPollAttempts,
		Logger:                deps.Logger,
	}
	if deps.DB != nil {
		s.journal = txstore.NewStore(deps.DB.Client(), deps.Logger)
		trackerCfg.Journal = s.journal
	}
	s.tracker = tracker.New(trackerCfg)

	s.queue = queue.New(queue.Config{
		Submitter:     deps.Submitter,
		Tracker:       s.tracker,
		Authorizer:    s.gate,
		Bus:           s.bus,
		Metrics:       s.metrics,
		MaxInFlight:   cfg.MaxInFlight(),
		SubmitTimeout: cfg.SubmitTimeout(),
		Logger:        deps.Logger,
	})

	s.reconciler = reconcile.New(reconcile.Config{
		Reads:   s.reads,
		Mapping: reg,
		Bus:     s.bus,
		Logger:  deps.Logger,
	})

	// invalidate before the queue sees the freed slot
	s.tracker.OnSettled(s.reconciler.Handle)
	s.tracker.OnSettled(func(types.TransactionRecord) { s.queue.Notify() })
	if cache, ok := deps.Poller.(ReasonCache); ok {
		s.tracker.OnSettled(func(rec types.TransactionRecord) { cache.Forget(rec.Hash) })
	}

	var pruner cron.JournalPruner
	if s.journal != nil {
		pruner = s.journal
	}
	s.retention = cron.NewRetentionJob(s.tracker, s.reads, pruner, cron.Retention{
		SettledRecords: seconds(cfg.Retention.SettledRecordSeconds),
		IdleReads:      seconds(cfg.Retention.IdleReadSeconds),
		Journal:        seconds(cfg.Retention.JournalSeconds),
	}, seconds(cfg.Retention.SweepIntervalSeconds), deps.Logger)

	if cfg.QueryServerPort > 0 {
		s.server = api.NewServer(s, s.metrics.Handler(), deps.Logger, cfg.QueryServerPort)
	}

	return s, nil
}

// Start restores journaled records and launches every background loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("session already torn down")
	}
	if s.started {
		return nil
	}

	s.logger.Info().
		Str("account", s.cfg.Account).
		Int("capabilities", len(s.registry.Names())).
		Msg("🚀 Starting session")

	if _, err := s.tracker.Restore(); err != nil {
		return errors.Wrap(err, "failed to restore journal")
	}

	if err := s.tracker.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start tracker")
	}
	if err := s.reads.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start read aggregator")
	}
	if err := s.queue.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start queue")
	}
	if err := s.retention.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start retention job")
	}
	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return errors.Wrap(err, "failed to start query server")
		}
	}

	s.started = true
	s.logger.Info().Msg("✅ Session ready")
	return nil
}

// Teardown flushes the queue, rejecting every call not yet handed to the
// signer, and stops all loops. Records already submitted stay in the
// journal and resume on the next Start.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info().Msg("🛑 Tearing down session")

	s.queue.Stop()
	if n := s.queue.Flush(); n > 0 {
		s.logger.Info().Int("rejected", n).Msg("flushed pending calls")
	}
	s.retention.Stop()
	s.tracker.Stop()
	s.reads.Stop()
	s.gate.Close()
	s.reads.Close()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("query server shutdown failed")
		}
		cancel()
	}
	s.bus.Close()
}

// Call builds a descriptor for a configured capability.
func (s *Session) Call(target, method string, args ...any) (descriptor.CallDescriptor, error) {
	sig, err := s.registry.Method(method)
	if err != nil {
		return descriptor.CallDescriptor{}, err
	}
	return descriptor.New(target, sig, args...), nil
}

// Enqueue hands call to the transaction queue.
func (s *Session) Enqueue(ctx context.Context, call descriptor.CallDescriptor) (*queue.Entry, error) {
	return s.queue.Enqueue(ctx, call)
}

// Cancel removes a queued call that has not reached the signer.
func (s *Session) Cancel(id string) error {
	return s.queue.Cancel(id)
}

// Await blocks until entry is rejected or its transaction settles.
func (s *Session) Await(ctx context.Context, entry *queue.Entry) (types.TransactionRecord, error) {
	settled, unsubscribe := s.bus.Subscribe(events.KindSettled)
	defer unsubscribe()

	select {
	case <-entry.Done():
	case <-ctx.Done():
		return types.TransactionRecord{}, ctx.Err()
	}
	hash, err := entry.Result()
	if err != nil {
		return types.TransactionRecord{}, err
	}

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		if rec, ok := s.tracker.Get(hash); ok && rec.State.IsTerminal() {
			return rec, nil
		}
		select {
		case ev, ok := <-settled:
			if !ok {
				return types.TransactionRecord{}, errors.New("session closed")
			}
			if ev.Record != nil && ev.Record.Hash == hash {
				return *ev.Record, nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			return types.TransactionRecord{}, ctx.Err()
		}
	}
}

// Subscribe registers interest in a read.
func (s *Session) Subscribe(ctx context.Context, q reads.Query) (reads.Snapshot, *reads.Subscription, error) {
	return s.reads.Subscribe(ctx, q)
}

// Read returns a read without subscribing.
func (s *Session) Read(ctx context.Context, q reads.Query) (reads.Snapshot, error) {
	return s.reads.Get(ctx, q)
}

// CheckRole reports whether account holds role on contract.
func (s *Session) CheckRole(ctx context.Context, account, contract, role string) (bool, error) {
	return s.gate.CheckRole(ctx, account, contract, role)
}

// Events subscribes to the reconciliation bus.
func (s *Session) Events(kinds ...events.Kind) (<-chan events.Event, func()) {
	return s.bus.Subscribe(kinds...)
}

// Metrics returns the session's collectors.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// ServerAddr returns the query server address, or "" when it is disabled.
func (s *Session) ServerAddr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr()
}

// Account returns the configured signing account.
func (s *Session) Account() string { return s.gate.Account() }

// Healthy reports whether the session runs and its endpoints answer.
func (s *Session) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	running := s.started && !s.stopped
	s.mu.Unlock()
	if !running {
		return false
	}
	return s.health == nil || s.health.IsHealthy(ctx)
}

// PendingEntries returns queued calls in submission order.
func (s *Session) PendingEntries() []queue.Snapshot { return s.queue.Pending() }

// Entry returns one queue entry by ID.
func (s *Session) Entry(id string) (queue.Snapshot, bool) {
	e, ok := s.queue.Get(id)
	if !ok {
		return queue.Snapshot{}, false
	}
	return e.Snapshot(), true
}

// Unsettled returns the number of records not yet terminal.
func (s *Session) Unsettled() int { return s.tracker.Unsettled() }

// Transactions returns every tracked record.
func (s *Session) Transactions() []types.TransactionRecord { return s.tracker.List() }

// Transaction returns one record by hash.
func (s *Session) Transaction(hash string) (types.TransactionRecord, bool) {
	return s.tracker.Get(hash)
}

// ReadEntries returns the read cache contents.
func (s *Session) ReadEntries() []reads.Snapshot { return s.reads.Entries() }

// Endpoints returns per-endpoint health when the health checker tracks it.
func (s *Session) Endpoints() []ethrpc.EndpointStatus {
	if r, ok := s.health.(EndpointReporter); ok {
		return r.Endpoints()
	}
	return []ethrpc.EndpointStatus{}
}

var _ api.SessionInterface = (*Session)(nil)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
