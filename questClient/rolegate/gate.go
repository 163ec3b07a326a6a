// Package rolegate answers whether an account currently holds an
// AccessControl role on a contract, and blocks role-gated calls locally when
// it does not. The contract remains the final authority: a stale grant only
// means the transaction fails on chain like any other revert.
package rolegate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/metrics"
	"github.com/questline/questline-client/questClient/reads"
	"github.com/questline/questline-client/questClient/registry"
)

// HasRoleMethod is the AccessControl role check every gated contract exposes.
const HasRoleMethod = "hasRole(bytes32,address)"

var hasRole = descriptor.MustParseMethod(HasRoleMethod)

// ReadSource is the part of the read aggregator the gate needs.
type ReadSource interface {
	Get(ctx context.Context, q reads.Query) (reads.Snapshot, error)
	Subscribe(ctx context.Context, q reads.Query) (reads.Snapshot, *reads.Subscription, error)
}

// RoleLookup resolves the role a method requires.
type RoleLookup interface {
	RequiredRole(method string) string
}

// Config holds configuration for the gate.
type Config struct {
	Reads   ReadSource
	Roles   RoleLookup
	Account string
	Bus     *events.Bus
	Metrics *metrics.Metrics
	// Watch keeps the signing account's checked grants subscribed so
	// revocations surface as events. Other accounts are read on demand.
	Watch  bool
	Logger zerolog.Logger
}

type grantKey struct {
	account  string
	contract string
	role     common.Hash
}

// Gate caches nothing itself beyond the last answer per signer grant, which
// it uses to detect flips. Values always come from the read aggregator.
type Gate struct {
	reads   ReadSource
	roles   RoleLookup
	account string
	bus     *events.Bus
	metrics *metrics.Metrics
	watch   bool
	logger  zerolog.Logger

	mu      sync.Mutex
	last    map[grantKey]bool
	names   map[grantKey]string
	subs    map[grantKey]*reads.Subscription
	closed  bool
	watchWG sync.WaitGroup
}

// New creates a gate.
func New(cfg Config) *Gate {
	return &Gate{
		reads:   cfg.Reads,
		roles:   cfg.Roles,
		account: cfg.Account,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		watch:   cfg.Watch,
		logger:  cfg.Logger.With().Str("component", "rolegate").Logger(),
		last:    make(map[grantKey]bool),
		names:   make(map[grantKey]string),
		subs:    make(map[grantKey]*reads.Subscription),
	}
}

// Account returns the signing account the gate authorizes for.
func (g *Gate) Account() string { return g.account }

// RoleQuery builds the user-specific read behind a grant.
func RoleQuery(account, contract, role string) (reads.Query, error) {
	if !common.IsHexAddress(account) {
		return reads.Query{}, txerrors.NewInvalidDescriptorError(contract, fmt.Sprintf("invalid account %q", account))
	}
	outs, err := descriptor.ParseTypes("bool")
	if err != nil {
		return reads.Query{}, err
	}
	return reads.Query{
		Target:  contract,
		Method:  hasRole,
		Args:    []any{ResolveRole(role), common.HexToAddress(account)},
		Returns: outs,
		Tier:    reads.TierUserSpecific,
	}, nil
}

// ResolveRole accepts a role name (e.g. "MINTER_ROLE") or a 0x-prefixed
// bytes32 role ID.
func ResolveRole(role string) common.Hash {
	if strings.HasPrefix(role, "0x") && len(role) == 66 {
		return common.HexToHash(role)
	}
	return registry.RoleID(role)
}

// CheckRole reports whether account holds role on contract. An error means
// the grant is unknown.
func (g *Gate) CheckRole(ctx context.Context, account, contract, role string) (bool, error) {
	q, err := RoleQuery(account, contract, role)
	if err != nil {
		return false, err
	}
	key := grantKey{
		account:  strings.ToLower(account),
		contract: strings.ToLower(contract),
		role:     ResolveRole(role),
	}
	own := g.isSigner(key.account)

	if own {
		g.mu.Lock()
		g.names[key] = role
		g.mu.Unlock()
	}

	var snap reads.Snapshot
	if own && g.watch {
		snap, err = g.watchGrant(ctx, key, q)
	} else {
		snap, err = g.reads.Get(ctx, q)
	}
	if err != nil {
		return false, err
	}
	if !snap.HasValue {
		if snap.Err == nil {
			return false, errors.Errorf("role %s unknown for %s", role, account)
		}
		return false, errors.Wrapf(snap.Err, "role %s unknown for %s", role, account)
	}
	granted, ok := snap.Value.(bool)
	if !ok {
		return false, errors.Errorf("hasRole returned %T, want bool", snap.Value)
	}
	if own {
		g.observe(key, granted)
	}
	return granted, nil
}

// isSigner reports whether account is the one Authorize checks. Only its
// grants are remembered.
func (g *Gate) isSigner(account string) bool {
	return g.account != "" && strings.EqualFold(account, g.account)
}

// Authorize blocks call when its method requires a role the configured
// account does not hold, or when the grant cannot be determined.
func (g *Gate) Authorize(ctx context.Context, call descriptor.CallDescriptor) error {
	if g.roles == nil {
		return nil
	}
	role := g.roles.RequiredRole(call.Method.Name)
	if role == "" {
		return nil
	}
	if g.account == "" {
		g.metrics.IncRoleCheck("unknown")
		return txerrors.NewUnauthorizedError(call.Target, "no signing account configured", nil)
	}

	granted, err := g.CheckRole(ctx, g.account, call.Target, role)
	switch {
	case err != nil:
		g.metrics.IncRoleCheck("unknown")
		return txerrors.NewUnauthorizedError(call.Target,
			fmt.Sprintf("could not verify %s for %s", role, g.account), err).
			WithContext("role", role)
	case !granted:
		g.metrics.IncRoleCheck("denied")
		return txerrors.NewUnauthorizedError(call.Target,
			fmt.Sprintf("account %s lacks %s", g.account, role), nil).
			WithContext("role", role).
			WithContext("method", call.Method.Name)
	default:
		g.metrics.IncRoleCheck("granted")
		return nil
	}
}

// Close releases grant subscriptions.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	subs := make([]*reads.Subscription, 0, len(g.subs))
	for k, s := range g.subs {
		if s != nil {
			subs = append(subs, s)
		}
		delete(g.subs, k)
	}
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	g.watchWG.Wait()
}

func (g *Gate) watchGrant(ctx context.Context, key grantKey, q reads.Query) (reads.Snapshot, error) {
	g.mu.Lock()
	_, watching := g.subs[key]
	if !watching && !g.closed {
		g.subs[key] = nil
	}
	g.mu.Unlock()
	if watching || g.closed {
		return g.reads.Get(ctx, q)
	}

	snap, sub, err := g.reads.Subscribe(ctx, q)
	if err != nil {
		g.mu.Lock()
		delete(g.subs, key)
		g.mu.Unlock()
		return reads.Snapshot{}, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sub.Unsubscribe()
		return snap, nil
	}
	g.subs[key] = sub
	g.watchWG.Add(1)
	g.mu.Unlock()

	go g.follow(key, sub)
	return snap, nil
}

func (g *Gate) follow(key grantKey, sub *reads.Subscription) {
	defer g.watchWG.Done()
	for snap := range sub.Updates() {
		if granted, ok := snap.Value.(bool); ok && snap.HasValue {
			g.observe(key, granted)
		}
	}
}

// observe records the latest answer and publishes role-changed on a flip.
func (g *Gate) observe(key grantKey, granted bool) {
	g.mu.Lock()
	prev, seen := g.last[key]
	g.last[key] = granted
	name := g.names[key]
	g.mu.Unlock()

	if !seen || prev == granted {
		return
	}
	if name == "" {
		name = key.role.Hex()
	}
	g.logger.Info().Str("account", key.account).Str("contract", key.contract).
		Str("role", name).Bool("granted", granted).Msg("role grant changed")
	if g.bus != nil {
		g.bus.Publish(events.Event{
			Kind:     events.KindRoleChanged,
			Account:  key.account,
			Contract: key.contract,
			Role:     name,
			Granted:  granted,
		})
	}
}
