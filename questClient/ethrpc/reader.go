package ethrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/reads"
)

// Caller executes read-only calls.
type Caller interface {
	Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

// Reader implements the read capability with eth_call.
type Reader struct {
	caller Caller
	logger zerolog.Logger
}

// NewReader creates a reader over caller.
func NewReader(caller Caller, logger zerolog.Logger) *Reader {
	return &Reader{
		caller: caller,
		logger: logger.With().Str("component", "evm_reader").Logger(),
	}
}

// Read calls q and decodes its outputs. A single output is returned bare,
// several as []any in declaration order, none as nil.
func (r *Reader) Read(ctx context.Context, q reads.Query) (any, error) {
	packed, err := q.Method.Inputs.Pack(q.Args...)
	if err != nil {
		return nil, txerrors.NewInvalidDescriptorError(q.Target, fmt.Sprintf("failed to pack %s: %v", q.Method.String(), err))
	}
	to := common.HexToAddress(q.Target)
	msg := ethereum.CallMsg{To: &to, Data: append(q.Method.Selector(), packed...)}

	out, err := r.caller.Call(ctx, msg, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			r.logger.Debug().Str("key", q.Key()).Str("reason", reason).Msg("read reverted")
			return nil, txerrors.NewTxError(txerrors.ErrCodeReverted, q.Target,
				fmt.Sprintf("%s reverted: %s", q.Method.Name, reason), txerrors.ErrContractReverted)
		}
		return nil, txerrors.NewNetworkError(q.Target, fmt.Sprintf("eth_call %s failed", q.Method.Name), err)
	}

	if len(q.Returns) == 0 {
		return nil, nil
	}
	values, err := q.Returns.Unpack(out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", q.Method.Name)
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// revertReason reports whether err is an execution revert and extracts the
// decoded reason when the node returned revert data.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
		if isRevert(err) {
			return dataErr.Error(), true
		}
	}
	if isRevert(err) {
		return err.Error(), true
	}
	return "", false
}
