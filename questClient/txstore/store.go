// Package txstore journals TransactionRecords in SQLite and restores the
// unsettled ones after a restart.
package txstore

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/store"
	"github.com/questline/questline-client/questClient/types"
)

var terminalStates = []string{
	string(types.StateConfirmed),
	string(types.StateFailed),
	string(types.StateDropped),
}

// mutable lists the columns a later Save of the same hash may change.
var mutable = []string{
	"updated_at",
	"state",
	"confirmations",
	"block_number",
	"error_code",
	"error_msg",
	"receipt_seen_at",
	"settled_at",
}

// Store provides database access for journaled transactions.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new transaction store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "tx_store").Logger(),
	}
}

// Save inserts the record, or updates its lifecycle columns when the hash is
// already journaled.
func (s *Store) Save(record types.TransactionRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns(mutable),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save transaction %s", record.Hash)
	}
	return nil
}

// Get returns the journaled record for hash.
func (s *Store) Get(hash string) (types.TransactionRecord, error) {
	var row store.Transaction
	if err := s.db.Where("hash = ?", hash).First(&row).Error; err != nil {
		return types.TransactionRecord{}, errors.Wrapf(err, "failed to load transaction %s", hash)
	}
	return fromRow(row)
}

// LoadUnsettled returns every record not yet in a terminal state, oldest
// submission first. Rows that no longer decode are skipped with a warning.
func (s *Store) LoadUnsettled() ([]types.TransactionRecord, error) {
	var rows []store.Transaction
	if err := s.db.Where("state NOT IN ?", terminalStates).
		Order("submitted_at ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query unsettled transactions")
	}
	return s.decode(rows), nil
}

// List returns the most recent records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]types.TransactionRecord, error) {
	var rows []store.Transaction
	query := s.db.Order("submitted_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query transactions")
	}
	return s.decode(rows), nil
}

// DeleteSettledBefore removes terminal records settled before cutoff and
// returns how many were removed.
func (s *Store) DeleteSettledBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().
		Where("state IN ? AND settled_at < ?", terminalStates, cutoff.UTC()).
		Delete(&store.Transaction{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete settled transactions")
	}
	if result.RowsAffected > 0 {
		s.logger.Info().
			Int64("deleted_count", result.RowsAffected).
			Time("cutoff", cutoff).
			Msg("pruned settled transactions")
	}
	return result.RowsAffected, nil
}

func (s *Store) decode(rows []store.Transaction) []types.TransactionRecord {
	out := make([]types.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("tx_hash", row.Hash).Msg("skipping undecodable journal row")
			continue
		}
		out = append(out, rec)
	}
	return out
}

func toRow(rec types.TransactionRecord) (store.Transaction, error) {
	call := rec.Descriptor
	calldata, err := call.Calldata()
	if err != nil {
		return store.Transaction{}, errors.Wrapf(err, "failed to encode call for %s", rec.Hash)
	}
	row := store.Transaction{
		Hash:          rec.Hash,
		DescriptorID:  rec.DescriptorID,
		Target:        call.Target,
		Method:        call.Method.String(),
		Calldata:      calldata,
		Priority:      int(call.Priority),
		Description:   call.Description,
		State:         string(rec.State),
		Confirmations: rec.Confirmations,
		BlockNumber:   rec.BlockNumber,
		ErrorCode:     string(txerrors.CodeOf(rec.Error)),
		ErrorMsg:      rec.ErrorMessage,
		SubmittedAt:   rec.SubmittedAt.UTC(),
		ReceiptSeenAt: timePtr(rec.ReceiptSeenAt),
		SettledAt:     timePtr(rec.SettledAt),
	}
	if call.Value != nil {
		row.Value = call.Value.String()
	}
	if row.ErrorMsg == "" && rec.Error != nil {
		row.ErrorMsg = txerrors.Message(rec.Error)
	}
	return row, nil
}

func fromRow(row store.Transaction) (types.TransactionRecord, error) {
	sig, err := descriptor.ParseMethod(row.Method)
	if err != nil {
		return types.TransactionRecord{}, errors.Wrapf(err, "journal row %s", row.Hash)
	}
	if len(row.Calldata) < 4 {
		return types.TransactionRecord{}, errors.Errorf("journal row %s: calldata too short", row.Hash)
	}
	if got := hexutil.Encode(row.Calldata[:4]); got != hexutil.Encode(sig.Selector()) {
		return types.TransactionRecord{}, errors.Errorf("journal row %s: selector %s does not match %s", row.Hash, got, row.Method)
	}
	args, err := sig.Inputs.Unpack(row.Calldata[4:])
	if err != nil {
		return types.TransactionRecord{}, errors.Wrapf(err, "journal row %s: failed to decode arguments", row.Hash)
	}

	call := descriptor.New(row.Target, sig, args...).
		WithPriority(descriptor.Priority(row.Priority)).
		WithDescription(row.Description)
	call.ID = row.DescriptorID
	if row.Value != "" {
		v, ok := new(big.Int).SetString(row.Value, 10)
		if !ok {
			return types.TransactionRecord{}, errors.Errorf("journal row %s: invalid value %q", row.Hash, row.Value)
		}
		call.Value = v
	}

	rec := types.TransactionRecord{
		Hash:          row.Hash,
		DescriptorID:  row.DescriptorID,
		Descriptor:    call,
		State:         types.TxState(row.State),
		Confirmations: row.Confirmations,
		BlockNumber:   row.BlockNumber,
		ErrorMessage:  row.ErrorMsg,
		SubmittedAt:   row.SubmittedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.ReceiptSeenAt != nil {
		rec.ReceiptSeenAt = *row.ReceiptSeenAt
	}
	if row.SettledAt != nil {
		rec.SettledAt = *row.SettledAt
	}
	if row.ErrorCode != "" {
		rec.Error = txerrors.NewTxError(txerrors.ErrorCode(row.ErrorCode), row.Target, row.ErrorMsg, nil)
	}
	return rec, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
