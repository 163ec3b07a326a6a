package ethrpc

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
)

// gasMarginPercent is added on top of the estimate.
const gasMarginPercent = 20

// Broadcaster is what the submitter needs from the RPC pool.
type Broadcaster interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Send(ctx context.Context, tx *ethtypes.Transaction) error
}

// KeyedSubmitter signs calls with a local key and broadcasts them. It is the
// submit capability for headless deployments; interactive wallets provide
// their own.
type KeyedSubmitter struct {
	chain   Broadcaster
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  zerolog.Logger
}

// NewKeyedSubmitter parses a hex private key (with or without 0x).
func NewKeyedSubmitter(chain Broadcaster, hexKey string, chainID *big.Int, logger zerolog.Logger) (*KeyedSubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid signer key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &KeyedSubmitter{
		chain:   chain,
		key:     key,
		from:    from,
		chainID: new(big.Int).Set(chainID),
		logger:  logger.With().Str("component", "evm_submitter").Str("from", from.Hex()).Logger(),
	}, nil
}

// Address returns the signing account.
func (s *KeyedSubmitter) Address() common.Address {
	return s.from
}

// Submit simulates, signs and broadcasts call and returns its hash.
func (s *KeyedSubmitter) Submit(ctx context.Context, call descriptor.CallDescriptor) (string, error) {
	data, err := call.Calldata()
	if err != nil {
		return "", err
	}
	to := call.TargetAddress()
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	gas, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: value, Data: data})
	if err != nil {
		return "", classify(err, "estimate gas")
	}
	gas += gas * gasMarginPercent / 100

	gasPrice, err := s.chain.GasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to get gas price")
	}
	nonce, err := s.chain.PendingNonce(ctx, s.from)
	if err != nil {
		return "", errors.Wrap(err, "failed to get nonce")
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign transaction")
	}

	if err := s.chain.Send(ctx, signed); err != nil {
		return "", classify(err, "broadcast")
	}

	hash := signed.Hash().Hex()
	s.logger.Info().
		Str("tx_hash", hash).
		Str("method", call.Method.Name).
		Str("target", call.Target).
		Uint64("nonce", nonce).
		Uint64("gas", gas).
		Msg("transaction broadcasted")
	return hash, nil
}

// classify maps node errors onto the signer failure sentinels.
func classify(err error, step string) error {
	switch {
	case isInsufficientFunds(err):
		return errors.Wrapf(txerrors.ErrInsufficientFunds, "%s: %v", step, err)
	case isRevert(err):
		reason, _ := revertReason(err)
		return errors.Wrapf(txerrors.ErrSimulationReverted, "%s: %s", step, reason)
	default:
		return errors.Wrap(err, step)
	}
}
