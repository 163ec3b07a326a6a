package reads

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/questline/questline-client/questClient/config"
	txerrors "github.com/questline/questline-client/questClient/errors"
	"github.com/questline/questline-client/questClient/events"
)

// --- helpers ---

const (
	badge   = "0x00000000000000000000000000000000000000B1"
	staking = "0x00000000000000000000000000000000000000C2"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000ABC")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000DEF")
)

type mockReader struct {
	mock.Mock
}

func (m *mockReader) Read(ctx context.Context, q Query) (any, error) {
	args := m.Called(ctx, q.Key())
	return args.Get(0), args.Error(1)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAggregator(r Reader, bus *events.Bus) (*Aggregator, *clock) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := New(Config{
		Reader:           r,
		Bus:              bus,
		RefreshInterval:  10 * time.Millisecond,
		MaxFetchAttempts: 3,
		Logger:           zerolog.Nop(),
	})
	a.now = clk.Now
	a.retry.InitialDelay = time.Millisecond
	a.retry.MaxDelay = 2 * time.Millisecond
	return a, clk
}

func balanceOf(target string, owner common.Address) Query {
	return MustQuery(target, "balanceOf(address)", "uint256", TierDynamic, owner)
}

// --- keys and patterns ---

func TestQueryKey(t *testing.T) {
	q := balanceOf(badge, alice)
	assert.Equal(t, "0x00000000000000000000000000000000000000b1:balanceOf(0x0000000000000000000000000000000000000abc)", q.Key())

	same := MustQuery("0x00000000000000000000000000000000000000b1", "balanceOf(address)", "uint256", TierDynamic,
		"0x0000000000000000000000000000000000000ABC")
	assert.Equal(t, q.Key(), same.Key())

	noArgs := MustQuery(badge, "totalSupply()", "uint256", TierSemiStatic)
	assert.Equal(t, "0x00000000000000000000000000000000000000b1:totalSupply()", noArgs.Key())

	num := MustQuery(badge, "getProposal(uint256)", "string", TierSemiStatic, big.NewInt(42))
	assert.Equal(t, "0x00000000000000000000000000000000000000b1:getProposal(42)", num.Key())
}

func TestQueryValidate(t *testing.T) {
	assert.NoError(t, balanceOf(badge, alice).Validate())

	bad := balanceOf("nope", alice)
	assert.True(t, txerrors.IsTxError(bad.Validate(), txerrors.ErrCodeInvalidDescriptor))

	arity := balanceOf(badge, alice)
	arity.Args = nil
	assert.Error(t, arity.Validate())

	tier := balanceOf(badge, alice)
	tier.Tier = Tier(7)
	assert.Error(t, tier.Validate())

	_, err := NewQuery(badge, "balanceOf(address)", "uint256,", TierDynamic, alice)
	assert.Error(t, err)
}

func TestPatternMatches(t *testing.T) {
	e := &entry{
		target: "0x00000000000000000000000000000000000000b1",
		method: "balanceOf",
		args:   []string{"0x0000000000000000000000000000000000000abc"},
	}
	tests := []struct {
		pattern string
		want    bool
	}{
		{"*", true},
		{"balanceOf(*)", true},
		{"balanceOf", true},
		{"balanceOf(0x0000000000000000000000000000000000000ABC)", true},
		{"balanceOf(0x0000000000000000000000000000000000000def)", false},
		{"balanceOf()", false},
		{"xpOf(*)", false},
		{"0x00000000000000000000000000000000000000B1:balanceOf(*)", true},
		{"0x00000000000000000000000000000000000000c2:balanceOf(*)", false},
		{"0x00000000000000000000000000000000000000b1:*", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			p, err := parsePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.matches(e))
		})
	}

	for _, bad := range []string{"", "(x)", "balanceOf(x"} {
		_, err := parsePattern(bad)
		assert.Error(t, err, bad)
	}
}

func TestStalenessFromConfig(t *testing.T) {
	s := StalenessFromConfig(config.ReadsConfig{DynamicSeconds: 90})
	assert.Equal(t, 30*time.Minute, s.For(TierStatic))
	assert.Equal(t, 90*time.Second, s.For(TierDynamic))
	assert.Equal(t, 2*time.Minute, s.For(TierUserSpecific))
}

// --- aggregator ---

func TestSubscribe_CoalescesConcurrentFetches(t *testing.T) {
	release := make(chan struct{})
	reader := &mockReader{}
	reader.On("Read", mock.Anything, balanceOf(badge, alice).Key()).
		Run(func(mock.Arguments) { <-release }).
		Return(big.NewInt(100), nil)

	agg, _ := newTestAggregator(reader, nil)

	const n = 2
	var wg sync.WaitGroup
	snaps := make([]Snapshot, n)
	subs := make([]*Subscription, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, sub, err := agg.Subscribe(context.Background(), balanceOf(badge, alice))
			assert.NoError(t, err)
			snaps[i], subs[i] = snap, sub
		}(i)
	}
	key := balanceOf(badge, alice).Key()
	assert.Eventually(t, func() bool { return agg.Subscribers(key) == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	reader.AssertNumberOfCalls(t, "Read", 1)
	for _, snap := range snaps {
		assert.Equal(t, big.NewInt(100), snap.Value)
		assert.True(t, snap.HasValue)
		assert.False(t, snap.Stale)
		assert.NoError(t, snap.Err)
	}

	// a later subscriber inside the staleness window hits the cache
	snap, sub, err := agg.Subscribe(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Equal(t, big.NewInt(100), snap.Value)
	reader.AssertNumberOfCalls(t, "Read", 1)
}

func TestGet_RefetchesAfterTierThreshold(t *testing.T) {
	reader := &mockReader{}
	key := balanceOf(badge, alice).Key()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(1), nil).Once()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(2), nil)
	agg, clk := newTestAggregator(reader, nil)

	snap, err := agg.Get(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), snap.Value)

	clk.Advance(2 * time.Minute)
	snap, _ = agg.Get(context.Background(), balanceOf(badge, alice))
	assert.Equal(t, big.NewInt(1), snap.Value)

	clk.Advance(time.Minute)
	snap, _ = agg.Get(context.Background(), balanceOf(badge, alice))
	assert.Equal(t, big.NewInt(2), snap.Value)
	reader.AssertNumberOfCalls(t, "Read", 2)
}

func TestGet_StaleWhileError(t *testing.T) {
	reader := &mockReader{}
	key := balanceOf(badge, alice).Key()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(7), nil).Once()
	reader.On("Read", mock.Anything, key).Return(nil, txerrors.ErrContractReverted)
	agg, _ := newTestAggregator(reader, nil)

	_, err := agg.Get(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)

	n, err := agg.Invalidate("balanceOf(*)")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := agg.Get(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), snap.Value)
	assert.True(t, snap.HasValue)
	assert.True(t, snap.Stale)
	assert.ErrorIs(t, snap.Err, txerrors.ErrContractReverted)

	peek, ok := agg.Peek(key)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(7), peek.Value)
}

func TestGet_ErrorWithoutValue(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(nil, errors.New("execution reverted"))
	agg, _ := newTestAggregator(reader, nil)

	snap, err := agg.Get(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	assert.False(t, snap.HasValue)
	assert.Nil(t, snap.Value)
	assert.Error(t, snap.Err)
}

func TestGet_RetriesNetworkErrors(t *testing.T) {
	reader := &mockReader{}
	key := balanceOf(badge, alice).Key()
	reader.On("Read", mock.Anything, key).
		Return(nil, txerrors.NewNetworkError(badge, "eth_call failed", errors.New("connection refused"))).Twice()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(5), nil)
	agg, _ := newTestAggregator(reader, nil)

	snap, err := agg.Get(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), snap.Value)
	reader.AssertNumberOfCalls(t, "Read", 3)
}

func TestGet_InvalidQuery(t *testing.T) {
	agg, _ := newTestAggregator(&mockReader{}, nil)
	_, err := agg.Get(context.Background(), balanceOf("bad", alice))
	assert.Error(t, err)
	_, sub, err := agg.Subscribe(context.Background(), balanceOf("bad", alice))
	assert.Error(t, err)
	assert.Nil(t, sub)
	assert.Equal(t, 0, agg.Len())
}

func TestInvalidate_UnknownKeyIsNoop(t *testing.T) {
	agg, _ := newTestAggregator(&mockReader{}, nil)

	for _, p := range []string{"balanceOf(*)", "*", "xpOf(0xabc)"} {
		n, err := agg.Invalidate(p)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	n, err := agg.InvalidateContract(badge)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = agg.Invalidate("")
	assert.Error(t, err)
}

func TestInvalidateContract_ScopesToTarget(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(big.NewInt(1), nil)
	agg, _ := newTestAggregator(reader, nil)

	queries := []Query{
		balanceOf(badge, alice),
		balanceOf(badge, bob),
		balanceOf(staking, alice),
		MustQuery(badge, "totalSupply()", "uint256", TierSemiStatic),
	}
	for _, q := range queries {
		_, err := agg.Get(context.Background(), q)
		require.NoError(t, err)
	}
	reader.AssertNumberOfCalls(t, "Read", 4)

	n, err := agg.InvalidateContract(badge, "balanceOf(*)")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, q := range queries {
		_, err := agg.Get(context.Background(), q)
		require.NoError(t, err)
	}
	reader.AssertNumberOfCalls(t, "Read", 6)

	n, err = agg.InvalidateContract(badge)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSubscription_UpdatesAfterInvalidation(t *testing.T) {
	reader := &mockReader{}
	key := balanceOf(badge, alice).Key()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(1), nil).Once()
	reader.On("Read", mock.Anything, key).Return(big.NewInt(2), nil)
	bus := events.NewBus(8, zerolog.Nop())
	updated, cancel := bus.Subscribe(events.KindReadUpdated)
	defer cancel()

	agg, _ := newTestAggregator(reader, bus)
	require.NoError(t, agg.Start(context.Background()))
	defer agg.Close()

	snap, sub, err := agg.Subscribe(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), snap.Value)
	<-sub.Updates()
	<-updated

	_, err = agg.Invalidate("balanceOf(*)")
	require.NoError(t, err)

	select {
	case got := <-sub.Updates():
		assert.Equal(t, big.NewInt(2), got.Value)
		assert.False(t, got.Stale)
	case <-time.After(time.Second):
		t.Fatal("no update after invalidation")
	}

	ev := <-updated
	assert.Equal(t, key, ev.Key)
	assert.Equal(t, big.NewInt(2), ev.Value)
}

func TestUnsubscribeAndSweep(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(big.NewInt(1), nil)
	agg, clk := newTestAggregator(reader, nil)

	_, held, err := agg.Subscribe(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	_, dropped, err := agg.Subscribe(context.Background(), balanceOf(badge, bob))
	require.NoError(t, err)

	dropped.Unsubscribe()
	dropped.Unsubscribe()
	_, open := <-dropped.Updates()
	for open {
		_, open = <-dropped.Updates()
	}

	clk.Advance(time.Minute)
	assert.Equal(t, 0, agg.Sweep(5*time.Minute))
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, agg.Sweep(5*time.Minute))
	assert.Equal(t, 1, agg.Len())

	held.Unsubscribe()
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, agg.Sweep(5*time.Minute))
	assert.Equal(t, 0, agg.Len())
}

func TestRefreshOnce_OnlySubscribedEntries(t *testing.T) {
	reader := &mockReader{}
	reader.On("Read", mock.Anything, mock.Anything).Return(big.NewInt(1), nil)
	agg, clk := newTestAggregator(reader, nil)

	_, sub, err := agg.Subscribe(context.Background(), balanceOf(badge, alice))
	require.NoError(t, err)
	defer sub.Unsubscribe()
	_, err = agg.Get(context.Background(), balanceOf(badge, bob))
	require.NoError(t, err)

	agg.RefreshOnce(context.Background())
	reader.AssertNumberOfCalls(t, "Read", 2)

	clk.Advance(4 * time.Minute)
	agg.RefreshOnce(context.Background())
	reader.AssertNumberOfCalls(t, "Read", 3)
}

func TestStartStop(t *testing.T) {
	agg, _ := newTestAggregator(&mockReader{}, nil)
	require.NoError(t, agg.Start(context.Background()))
	assert.Error(t, agg.Start(context.Background()))
	agg.Stop()
	agg.Stop()

	assert.Error(t, New(Config{Logger: zerolog.Nop()}).Start(context.Background()))
}
