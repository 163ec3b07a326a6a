// cron/retention_job.go
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RecordEvictor drops settled records from memory.
type RecordEvictor interface {
	Evict(olderThan time.Duration) int
}

// ReadSweeper drops unsubscribed read entries that were not accessed lately.
type ReadSweeper interface {
	Sweep(idleFor time.Duration) int
}

// JournalPruner deletes settled rows from the journal.
type JournalPruner interface {
	DeleteSettledBefore(cutoff time.Time) (int64, error)
}

// Retention is how long each kind of state is kept.
type Retention struct {
	SettledRecords time.Duration
	IdleReads      time.Duration
	Journal        time.Duration
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Records int
	Reads   int
	Journal int64
}

// RetentionJob periodically evicts settled records, idle reads and old
// journal rows. Any of the three targets may be nil.
type RetentionJob struct {
	records   RecordEvictor
	reads     ReadSweeper
	journal   JournalPruner
	retention Retention
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	forceCh chan struct{}
	wg      sync.WaitGroup
}

func NewRetentionJob(records RecordEvictor, reads ReadSweeper, journal JournalPruner, retention Retention, interval time.Duration, logger zerolog.Logger) *RetentionJob {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention.SettledRecords <= 0 {
		retention.SettledRecords = 10 * time.Minute
	}
	if retention.IdleReads <= 0 {
		retention.IdleReads = 5 * time.Minute
	}
	if retention.Journal <= 0 {
		retention.Journal = 24 * time.Hour
	}
	return &RetentionJob{
		records:   records,
		reads:     reads,
		journal:   journal,
		retention: retention,
		interval:  interval,
		logger:    logger.With().Str("component", "retention_cron").Logger(),
		now:       time.Now,
	}
}

// Start launches the background loop and returns immediately.
// Safe to call multiple times; subsequent calls are no-ops.
func (j *RetentionJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if j.records == nil && j.reads == nil && j.journal == nil {
		return errors.New("cron: retention job has nothing to sweep")
	}

	j.stopCh = make(chan struct{})
	j.forceCh = make(chan struct{}, 1)
	j.running = true
	j.wg.Add(1)

	go j.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
// Safe to call multiple times.
func (j *RetentionJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopCh)
	j.running = false
	j.mu.Unlock()
	j.wg.Wait()
}

// ForceSweep triggers a sweep without waiting for the next tick.
func (j *RetentionJob) ForceSweep() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	select {
	case j.forceCh <- struct{}{}:
	default:
	}
}

func (j *RetentionJob) run(parent context.Context) {
	defer j.wg.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-parent.Done():
			j.logger.Info().Msg("retention cron: context canceled; stopping")
			return
		case <-j.stopCh:
			j.logger.Info().Msg("retention cron: stop requested; stopping")
			return
		case <-t.C:
			j.SweepOnce()
		case <-j.forceCh:
			j.SweepOnce()
		}
	}
}

// SweepOnce runs one sweep over every configured target.
func (j *RetentionJob) SweepOnce() SweepResult {
	var res SweepResult
	if j.records != nil {
		res.Records = j.records.Evict(j.retention.SettledRecords)
	}
	if j.reads != nil {
		res.Reads = j.reads.Sweep(j.retention.IdleReads)
	}
	if j.journal != nil {
		n, err := j.journal.DeleteSettledBefore(j.now().Add(-j.retention.Journal))
		if err != nil {
			j.logger.Warn().Err(err).Msg("journal prune failed; will retry next sweep")
		}
		res.Journal = n
	}

	if res.Records > 0 || res.Reads > 0 || res.Journal > 0 {
		j.logger.Debug().
			Int("records", res.Records).
			Int("reads", res.Reads).
			Int64("journal_rows", res.Journal).
			Msg("retention sweep completed")
	}
	return res
}
