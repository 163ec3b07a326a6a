package reconcile

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/descriptor"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/events"
	"github.com/questline/questline-client/questClient/reads"
	"github.com/questline/questline-client/questClient/registry"
	"github.com/questline/questline-client/questClient/types"
)

const (
	badge   = "0x00000000000000000000000000000000000000B1"
	staking = "0x00000000000000000000000000000000000000C2"
)

var owner = common.HexToAddress("0x0000000000000000000000000000000000000ABC")

type mockReader struct {
	mock.Mock
}

func (m *mockReader) Read(ctx context.Context, q reads.Query) (any, error) {
	args := m.Called(ctx, q.Key())
	return args.Get(0), args.Error(1)
}

type fixture struct {
	reader *mockReader
	agg    *reads.Aggregator
	bus    *events.Bus
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.FromConfig(map[string]config.CapabilityConfig{
		"mintBadge": {Signature: "mintBadge(address,uint256)", AffectedReads: []string{"balanceOf(*)", "totalSupply()"}},
		"setURI":    {Signature: "setURI(string)", AffectedReads: []string{}},
		"bogus":     {Signature: "bogus(uint256)", AffectedReads: []string{"balanceOf("}},
	}, zerolog.Nop())
	require.NoError(t, err)

	bus := events.NewBus(16, zerolog.Nop())
	t.Cleanup(bus.Close)
	reader := &mockReader{}
	agg := reads.New(reads.Config{Reader: reader, MaxFetchAttempts: 1, Logger: zerolog.Nop()})
	return &fixture{
		reader: reader,
		agg:    agg,
		bus:    bus,
		rec:    New(Config{Reads: agg, Mapping: reg, Bus: bus, Logger: zerolog.Nop()}),
	}
}

func (f *fixture) warm(t *testing.T, qs ...reads.Query) {
	t.Helper()
	for _, q := range qs {
		f.reader.On("Read", mock.Anything, q.Key()).Return(big.NewInt(1), nil).Once()
		f.reader.On("Read", mock.Anything, q.Key()).Return(big.NewInt(2), nil)
		_, err := f.agg.Get(context.Background(), q)
		require.NoError(t, err)
	}
}

func (f *fixture) stale(t *testing.T, q reads.Query) bool {
	t.Helper()
	snap, ok := f.agg.Peek(q.Key())
	require.True(t, ok)
	return snap.Stale
}

func settled(target, method string, state types.TxState) types.TransactionRecord {
	sig := descriptor.MustParseMethod(method)
	args := make([]any, sig.Arity())
	for i, in := range sig.Inputs {
		switch in.Type.String() {
		case "address":
			args[i] = owner
		case "string":
			args[i] = "ipfs://x"
		default:
			args[i] = big.NewInt(1)
		}
	}
	call := descriptor.New(target, sig, args...).AssignID()
	rec := types.TransactionRecord{
		Hash:         "0x01",
		DescriptorID: call.ID,
		Descriptor:   call,
		State:        state,
		SettledAt:    time.Now(),
	}
	if state == types.StateFailed {
		rec.Error = txerrors.NewRevertedError(target, "paused")
	}
	return rec
}

func queries() (badgeBal, badgeSupply, badgeURI, stakeBal reads.Query) {
	badgeBal = reads.MustQuery(badge, "balanceOf(address)", "uint256", reads.TierDynamic, owner)
	badgeSupply = reads.MustQuery(badge, "totalSupply()", "uint256", reads.TierSemiStatic)
	badgeURI = reads.MustQuery(badge, "uri()", "string", reads.TierStatic)
	stakeBal = reads.MustQuery(staking, "balanceOf(address)", "uint256", reads.TierDynamic, owner)
	return
}

func TestReconcile_ConfirmedInvalidatesMappedReads(t *testing.T) {
	f := newFixture(t)
	badgeBal, badgeSupply, badgeURI, stakeBal := queries()
	f.warm(t, badgeBal, badgeSupply, badgeURI, stakeBal)

	out := f.rec.Reconcile(settled(badge, "mintBadge(address,uint256)", types.StateConfirmed))
	assert.False(t, out.Fallback)
	assert.Equal(t, 2, out.Invalidated)

	assert.True(t, f.stale(t, badgeBal))
	assert.True(t, f.stale(t, badgeSupply))
	assert.False(t, f.stale(t, badgeURI))
	assert.False(t, f.stale(t, stakeBal), "same method on another contract is untouched")

	snap, err := f.agg.Get(context.Background(), badgeBal)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2), snap.Value)
	assert.False(t, snap.Stale)
}

func TestReconcile_UnmappedMethodInvalidatesContract(t *testing.T) {
	f := newFixture(t)
	badgeBal, badgeSupply, badgeURI, stakeBal := queries()
	f.warm(t, badgeBal, badgeSupply, badgeURI, stakeBal)

	out := f.rec.Reconcile(settled(badge, "burn(uint256)", types.StateConfirmed))
	assert.True(t, out.Fallback)
	assert.Equal(t, []string{"*"}, out.Patterns)
	assert.Equal(t, 3, out.Invalidated)
	assert.True(t, f.stale(t, badgeURI))
	assert.False(t, f.stale(t, stakeBal))
}

func TestReconcile_EmptyMappingInvalidatesNothing(t *testing.T) {
	f := newFixture(t)
	badgeBal, _, _, _ := queries()
	f.warm(t, badgeBal)

	out := f.rec.Reconcile(settled(badge, "setURI(string)", types.StateConfirmed))
	assert.False(t, out.Fallback)
	assert.Zero(t, out.Invalidated)
	assert.False(t, f.stale(t, badgeBal))
}

func TestReconcile_BadPatternFallsBackToContract(t *testing.T) {
	f := newFixture(t)
	badgeBal, _, badgeURI, _ := queries()
	f.warm(t, badgeBal, badgeURI)

	out := f.rec.Reconcile(settled(badge, "bogus(uint256)", types.StateConfirmed))
	assert.True(t, out.Fallback)
	assert.True(t, f.stale(t, badgeBal))
	assert.True(t, f.stale(t, badgeURI))
}

func TestReconcile_UnsuccessfulOutcomesOnlyPublish(t *testing.T) {
	for _, state := range []types.TxState{types.StateFailed, types.StateDropped} {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t)
			ch, cancel := f.bus.Subscribe(events.KindSettled)
			defer cancel()
			badgeBal, _, _, _ := queries()
			f.warm(t, badgeBal)

			out := f.rec.Reconcile(settled(badge, "mintBadge(address,uint256)", state))
			assert.Zero(t, out.Invalidated)
			assert.False(t, f.stale(t, badgeBal))

			select {
			case ev := <-ch:
				require.NotNil(t, ev.Record)
				assert.Equal(t, state, ev.Record.State)
				if state == types.StateFailed {
					assert.True(t, txerrors.IsTxError(ev.Err, txerrors.ErrCodeReverted))
				}
			case <-time.After(time.Second):
				t.Fatal("no settled event")
			}
		})
	}
}

func TestReconcile_PublishesSettledAfterInvalidation(t *testing.T) {
	f := newFixture(t)
	badgeBal, _, _, _ := queries()
	f.warm(t, badgeBal)
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.rec.Handle(settled(badge, "mintBadge(address,uint256)", types.StateConfirmed))

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindSettled, ev.Kind)
		assert.Equal(t, badge, ev.Contract)
		require.NotNil(t, ev.Descriptor)
		assert.Equal(t, "mintBadge", ev.Descriptor.Method.Name)
		// invalidation already happened when subscribers hear about it
		assert.True(t, f.stale(t, badgeBal))
	case <-time.After(time.Second):
		t.Fatal("no settled event")
	}
}

func TestReconcile_WithoutCollaborators(t *testing.T) {
	r := New(Config{Logger: zerolog.Nop()})
	out := r.Reconcile(settled(badge, "mintBadge(address,uint256)", types.StateConfirmed))
	assert.Equal(t, types.StateConfirmed, out.State)
	assert.Zero(t, out.Invalidated)
}
