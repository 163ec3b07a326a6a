// Package ethrpc adapts an EVM JSON-RPC pool to the read, receipt and submit
// capabilities the client core consumes.
package ethrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EthClient is the subset of *ethclient.Client the pool uses.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

var _ EthClient = (*ethclient.Client)(nil)

// RPCClient runs each call against a pool of endpoints, round-robin, moving
// to the next endpoint on transport failures. Endpoints failing repeatedly
// sit out a cooldown unless every endpoint does.
type RPCClient struct {
	endpoints []*endpoint
	chainID   *big.Int
	index     uint64
	mu        sync.RWMutex
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRPCClient dials every URL and keeps the endpoints that answer for
// expectedChainID.
func NewRPCClient(rpcURLs []string, expectedChainID int64, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "evm_rpc_client").Logger()
	endpoints := make([]*endpoint, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Int64("expected_chain_id", expectedChainID).
				Msg("failed to verify chain ID, proceeding with client anyway")
			endpoints = append(endpoints, newEndpoint(url, client))
			continue
		}
		if chainID.Int64() != expectedChainID {
			client.Close()
			log.Warn().Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Int64("actual_chain_id", chainID.Int64()).
				Msg("chain ID mismatch, closing client")
			continue
		}

		endpoints = append(endpoints, newEndpoint(url, client))
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}
	return newRPCClient(endpoints, expectedChainID, log), nil
}

// NewRPCClientFromClients builds a pool over already connected clients.
func NewRPCClientFromClients(clients []EthClient, chainID int64, logger zerolog.Logger) *RPCClient {
	endpoints := make([]*endpoint, 0, len(clients))
	for i, c := range clients {
		if c != nil {
			endpoints = append(endpoints, newEndpoint(fmt.Sprintf("endpoint-%d", i), c))
		}
	}
	return newRPCClient(endpoints, chainID, logger.With().Str("component", "evm_rpc_client").Logger())
}

func newRPCClient(endpoints []*endpoint, chainID int64, log zerolog.Logger) *RPCClient {
	return &RPCClient{
		endpoints: endpoints,
		chainID:   big.NewInt(chainID),
		logger:    log,
		now:       time.Now,
	}
}

// ChainID returns the configured chain ID.
func (rc *RPCClient) ChainID() *big.Int {
	return new(big.Int).Set(rc.chainID)
}

// executeWithFailover runs fn against successive endpoints until one answers.
// Answers from the chain itself (not found, reverts) are returned as is; only
// transport failures move on to the next endpoint.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(EthClient) error) error {
	order := rc.rotation()
	if len(order) == 0 {
		return fmt.Errorf("no RPC clients available for %s", operation)
	}

	var lastErr error
	for attempt, ep := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := rc.now()
		err := fn(ep.client)
		took := rc.now().Sub(started)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err == nil || isChainAnswer(err) {
			ep.recordSuccess(took, rc.now())
			return err
		}
		ep.recordFailure(err, took, rc.now())
		lastErr = err

		rc.logger.Warn().
			Str("operation", operation).
			Str("endpoint", ep.url).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return errors.Wrapf(lastErr, "operation %s failed after trying %d endpoints", operation, len(order))
}

// rotation returns the endpoints to try, starting at the next round-robin
// slot. Excluded endpoints are left out unless nothing else remains.
func (rc *RPCClient) rotation() []*endpoint {
	rc.mu.RLock()
	endpoints := rc.endpoints
	rc.mu.RUnlock()
	n := len(endpoints)
	if n == 0 {
		return nil
	}

	start := atomic.AddUint64(&rc.index, 1) - 1
	now := rc.now()
	order := make([]*endpoint, 0, n)
	var excluded []*endpoint
	for i := 0; i < n; i++ {
		ep := endpoints[(start+uint64(i))%uint64(n)]
		if ep.usable(now) {
			order = append(order, ep)
		} else {
			excluded = append(excluded, ep)
		}
	}
	if len(order) == 0 {
		return excluded
	}
	return order
}

// Endpoints reports the health of every endpoint.
func (rc *RPCClient) Endpoints() []EndpointStatus {
	rc.mu.RLock()
	endpoints := rc.endpoints
	rc.mu.RUnlock()
	now := rc.now()
	out := make([]EndpointStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, ep.status(now))
	}
	return out
}

// isChainAnswer reports whether err is a definitive answer from a node rather
// than a failure to reach one.
func isChainAnswer(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return isRevert(err) || isInsufficientFunds(err)
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// IsHealthy reports whether any endpoint answers a block number query.
func (rc *RPCClient) IsHealthy(ctx context.Context) bool {
	rc.mu.RLock()
	hasClients := len(rc.endpoints) > 0
	rc.mu.RUnlock()
	if !hasClients {
		return false
	}
	_, err := rc.LatestBlock(ctx)
	return err == nil
}

// LatestBlock returns the head block number.
func (rc *RPCClient) LatestBlock(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := rc.executeWithFailover(ctx, "get_block_number", func(client EthClient) error {
		var innerErr error
		blockNum, innerErr = client.BlockNumber(ctx)
		return innerErr
	})
	return blockNum, err
}

// Call executes a read-only call at block (nil for latest).
func (rc *RPCClient) Call(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out []byte
	err := rc.executeWithFailover(ctx, "eth_call", func(client EthClient) error {
		var innerErr error
		out, innerErr = client.CallContract(ctx, msg, block)
		return innerErr
	})
	return out, err
}

// Receipt fetches a transaction receipt. A missing receipt is ethereum.NotFound.
func (rc *RPCClient) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := rc.executeWithFailover(ctx, "get_transaction_receipt", func(client EthClient) error {
		var innerErr error
		receipt, innerErr = client.TransactionReceipt(ctx, hash)
		return innerErr
	})
	return receipt, err
}

// Transaction fetches a transaction by hash.
func (rc *RPCClient) Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	err := rc.executeWithFailover(ctx, "get_transaction", func(client EthClient) error {
		var innerErr error
		tx, _, innerErr = client.TransactionByHash(ctx, hash)
		return innerErr
	})
	return tx, err
}

// PendingNonce returns the next nonce for account, counting pool transactions.
func (rc *RPCClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := rc.executeWithFailover(ctx, "get_nonce", func(client EthClient) error {
		var innerErr error
		nonce, innerErr = client.PendingNonceAt(ctx, account)
		return innerErr
	})
	return nonce, err
}

// GasPrice fetches the suggested gas price.
func (rc *RPCClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := rc.executeWithFailover(ctx, "get_gas_price", func(client EthClient) error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var innerErr error
		gasPrice, innerErr = client.SuggestGasPrice(callCtx)
		return innerErr
	})
	return gasPrice, err
}

// EstimateGas simulates msg and returns the gas it needs.
func (rc *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := rc.executeWithFailover(ctx, "estimate_gas", func(client EthClient) error {
		var innerErr error
		gas, innerErr = client.EstimateGas(ctx, msg)
		return innerErr
	})
	return gas, err
}

// Send broadcasts a signed transaction.
func (rc *RPCClient) Send(ctx context.Context, tx *types.Transaction) error {
	return rc.executeWithFailover(ctx, "broadcast_tx", func(client EthClient) error {
		return client.SendTransaction(ctx, tx)
	})
}

// Close closes all RPC connections.
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, ep := range rc.endpoints {
		ep.client.Close()
	}
	rc.endpoints = nil
}
