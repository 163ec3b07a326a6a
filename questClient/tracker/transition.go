package tracker

import (
	"fmt"
	"time"

	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/types"
)

// policy holds the thresholds the transition function needs.
type policy struct {
	requiredConfirmations uint64
	dropTimeout           time.Duration
}

// next applies one poll result to rec and returns the updated record and
// whether anything changed. Terminal records are returned unchanged.
//
// Transitions:
//   - not-found/pending: stays put until dropTimeout has passed since
//     submission (or since the last receipt, if one vanished), then Dropped.
//   - success/reverted below the confirmation threshold: Confirming.
//   - success at the threshold: Confirmed.
//   - reverted at the threshold: Failed with the decoded reason.
func (p policy) next(rec types.TransactionRecord, r types.Receipt, now time.Time) (types.TransactionRecord, bool) {
	if rec.State.IsTerminal() {
		return rec, false
	}

	before := rec
	switch r.Status {
	case types.ReceiptNotFound, types.ReceiptPending:
		since := rec.SubmittedAt
		if !rec.ReceiptSeenAt.IsZero() {
			since = rec.ReceiptSeenAt
		}
		if now.Sub(since) >= p.dropTimeout {
			rec.State = types.StateDropped
			rec.Error = txerrors.NewDroppedError(rec.Target(),
				fmt.Sprintf("no receipt observed within %s; outcome unknown, check a block explorer", p.dropTimeout))
		}

	case types.ReceiptSuccess, types.ReceiptReverted:
		if rec.ReceiptSeenAt.IsZero() {
			rec.ReceiptSeenAt = now
		}
		rec.Confirmations = r.Confirmations
		rec.BlockNumber = r.BlockNumber

		switch {
		case r.Confirmations < p.requiredConfirmations:
			rec.State = types.StateConfirming
		case r.Status == types.ReceiptSuccess:
			rec.State = types.StateConfirmed
		default:
			rec.State = types.StateFailed
			rec.Error = txerrors.NewRevertedError(rec.Target(), r.RevertReason).
				WithContext("tx_hash", rec.Hash).
				WithContext("block_number", r.BlockNumber)
		}
	}

	changed := rec.State != before.State ||
		rec.Confirmations != before.Confirmations ||
		rec.BlockNumber != before.BlockNumber
	if !changed {
		return before, false
	}
	rec.UpdatedAt = now
	if rec.State.IsTerminal() {
		rec.SettledAt = now
		rec.ErrorMessage = txerrors.Message(rec.Error)
	}
	return rec, true
}
