package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/types"
)

// ChainSource is what the receipt poller needs from the RPC pool.
type ChainSource interface {
	Caller
	Receipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	Transaction(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// ReceiptPoller implements the receipt capability.
type ReceiptPoller struct {
	chain  ChainSource
	logger zerolog.Logger

	mu      sync.Mutex
	reasons map[common.Hash]string
}

// NewReceiptPoller creates a poller over chain.
func NewReceiptPoller(chain ChainSource, logger zerolog.Logger) *ReceiptPoller {
	return &ReceiptPoller{
		chain:   chain,
		logger:  logger.With().Str("component", "evm_receipts").Logger(),
		reasons: make(map[common.Hash]string),
	}
}

// GetReceipt reports the receipt status of hash. Confirmations count the
// inclusion block itself, so a receipt in the head block has one.
func (p *ReceiptPoller) GetReceipt(ctx context.Context, hash string) (types.Receipt, error) {
	txHash := common.HexToHash(hash)
	receipt, err := p.chain.Receipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return types.Receipt{Status: types.ReceiptNotFound}, nil
		}
		return types.Receipt{}, txerrors.NewNetworkError("", "failed to fetch receipt", err).
			WithContext("tx_hash", hash)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return types.Receipt{Status: types.ReceiptPending}, nil
	}

	head, err := p.chain.LatestBlock(ctx)
	if err != nil {
		return types.Receipt{}, txerrors.NewNetworkError("", "failed to fetch head block", err)
	}
	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}

	out := types.Receipt{
		Status:        types.ReceiptSuccess,
		Confirmations: confirmations,
		BlockNumber:   block,
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		out.Status = types.ReceiptReverted
		out.RevertReason = p.revertReason(ctx, txHash, receipt.BlockNumber)
	}
	return out, nil
}

// revertReason replays the transaction at its inclusion block to recover the
// revert message. Answers from a completed replay are cached until Forget;
// a failed replay yields a generic reason and is retried on the next poll.
func (p *ReceiptPoller) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	p.mu.Lock()
	reason, ok := p.reasons[hash]
	p.mu.Unlock()
	if ok {
		return reason
	}

	const generic = "execution reverted"
	replayed, err := p.replay(ctx, hash, block)
	if err != nil {
		p.logger.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("could not replay reverted transaction")
		return generic
	}
	reason = replayed
	if reason == "" {
		reason = generic
	}

	p.mu.Lock()
	p.reasons[hash] = reason
	p.mu.Unlock()
	return reason
}

// Cached returns how many revert reasons are held.
func (p *ReceiptPoller) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reasons)
}

func (p *ReceiptPoller) replay(ctx context.Context, hash common.Hash, block *big.Int) (string, error) {
	tx, err := p.chain.Transaction(ctx, hash)
	if err != nil {
		return "", err
	}
	if tx == nil || tx.To() == nil {
		return "", fmt.Errorf("transaction %s has no call target", hash.Hex())
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", errors.Wrap(err, "failed to recover sender")
	}

	_, err = p.chain.Call(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if err == nil {
		return "", nil
	}
	reason, ok := revertReason(err)
	if !ok {
		return "", err
	}
	return reason, nil
}

// Forget drops the cached revert reason for hash. The session calls it once
// the record settles.
func (p *ReceiptPoller) Forget(hash string) {
	p.mu.Lock()
	delete(p.reasons, common.HexToHash(hash))
	p.mu.Unlock()
}
