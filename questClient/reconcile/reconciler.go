// Package reconcile turns settled transactions into read cache invalidation
// and the settled notification the presentation layer consumes.
package reconcile

import (
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/types"
)

// Invalidator is the part of the read aggregator the reconciler drives.
type Invalidator interface {
	InvalidateContract(target string, patterns ...string) (int, error)
}

// Mapping resolves the read key patterns a method affects. ok is false for
// methods it does not know.
type Mapping interface {
	AffectedReads(method string) (patterns []string, ok bool)
}

// Config holds configuration for the reconciler.
type Config struct {
	Reads   Invalidator
	Mapping Mapping
	Bus     *events.Bus
	Logger  zerolog.Logger
}

// Outcome describes what one reconciliation did.
type Outcome struct {
	State       types.TxState
	Patterns    []string
	Fallback    bool
	Invalidated int
}

// Reconciler handles every settled record exactly as the tracker delivers it.
type Reconciler struct {
	reads   Invalidator
	mapping Mapping
	bus     *events.Bus
	logger  zerolog.Logger
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		reads:   cfg.Reads,
		mapping: cfg.Mapping,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Handle is a tracker settle callback.
func (r *Reconciler) Handle(rec types.TransactionRecord) {
	r.Reconcile(rec)
}

// Reconcile invalidates the reads a confirmed record may have changed, then
// publishes the settled event. Failed and dropped records changed nothing on
// chain, so they are only published.
func (r *Reconciler) Reconcile(rec types.TransactionRecord) Outcome {
	out := Outcome{State: rec.State}
	if rec.State == types.StateConfirmed {
		out = r.invalidate(rec)
	}
	if r.bus != nil {
		record := rec
		call := rec.Descriptor
		r.bus.Publish(events.Event{
			Kind:       events.KindSettled,
			Record:     &record,
			Descriptor: &call,
			Contract:   rec.Target(),
			Err:        rec.Error,
		})
	}
	return out
}

func (r *Reconciler) invalidate(rec types.TransactionRecord) Outcome {
	out := Outcome{State: rec.State}
	if r.reads == nil {
		return out
	}

	var patterns []string
	mapped := false
	if r.mapping != nil {
		patterns, mapped = r.mapping.AffectedReads(rec.Method())
	}
	if !mapped {
		return r.invalidateContract(rec, out, "method not in capability table")
	}
	if len(patterns) == 0 {
		r.logger.Debug().Str("tx_hash", rec.Hash).Str("method", rec.Method()).Msg("method affects no reads")
		return out
	}

	n, err := r.reads.InvalidateContract(rec.Target(), patterns...)
	if err != nil {
		r.logger.Warn().Err(err).Str("method", rec.Method()).Strs("patterns", patterns).
			Msg("bad affected-read pattern")
		return r.invalidateContract(rec, out, "invalid affected-read pattern")
	}
	out.Patterns = patterns
	out.Invalidated = n
	r.logger.Debug().Str("tx_hash", rec.Hash).Str("method", rec.Method()).
		Strs("patterns", patterns).Int("invalidated", n).Msg("reads invalidated")
	return out
}

func (r *Reconciler) invalidateContract(rec types.TransactionRecord, out Outcome, reason string) Outcome {
	n, err := r.reads.InvalidateContract(rec.Target())
	if err != nil {
		r.logger.Error().Err(err).Str("target", rec.Target()).Msg("failed to invalidate contract reads")
		return out
	}
	out.Fallback = true
	out.Patterns = []string{"*"}
	out.Invalidated = n
	r.logger.Info().Str("tx_hash", rec.Hash).Str("method", rec.Method()).Str("target", rec.Target()).
		Str("reason", reason).Int("invalidated", n).Msg("invalidated every read of the contract")
	return out
}
