package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/questline-client/questClient/types"
)

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	settled, cancel := bus.Subscribe(KindSettled)
	defer cancel()
	all, cancelAll := bus.Subscribe()
	defer cancelAll()

	bus.Publish(Event{Kind: KindSubmitted})
	bus.Publish(Event{Kind: KindSettled, Record: &types.TransactionRecord{Hash: "0x1"}})

	ev := <-settled
	assert.Equal(t, KindSettled, ev.Kind)
	assert.Equal(t, "0x1", ev.Record.Hash)
	assert.False(t, ev.At.IsZero())
	assert.Len(t, settled, 0)

	assert.Equal(t, KindSubmitted, (<-all).Kind)
	assert.Equal(t, KindSettled, (<-all).Kind)
}

func TestBus_FullBufferDrops(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe(KindReadUpdated)
	defer cancel()

	bus.Publish(Event{Kind: KindReadUpdated, Key: "a"})
	bus.Publish(Event{Kind: KindReadUpdated, Key: "b"})

	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, "a", (<-ch).Key)
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())
	bus.Publish(Event{Kind: KindSettled})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe()

	bus.Close()
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
	bus.Publish(Event{Kind: KindSettled})
}

func TestBus_LifecycleEventsSurviveFullBuffer(t *testing.T) {
	bus := NewBus(2, zerolog.Nop())
	ch, cancel := bus.Subscribe()
	defer cancel()

	for _, key := range []string{"a", "b", "c", "d"} {
		bus.Publish(Event{Kind: KindReadUpdated, Key: key})
	}
	bus.Publish(Event{Kind: KindSettled, Record: &types.TransactionRecord{Hash: "0x1"}})
	bus.Publish(Event{Kind: KindRejected, Key: "q-2"})
	bus.Publish(Event{Kind: KindSettled, Record: &types.TransactionRecord{Hash: "0x3"}})

	assert.Equal(t, uint64(2), bus.Dropped())
	assert.Equal(t, 3, bus.Backlog())

	var got []Event
	for len(got) < 5 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("received %d of 5 events", len(got))
		}
	}
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "b", got[1].Key)
	assert.Equal(t, "0x1", got[2].Record.Hash)
	assert.Equal(t, KindRejected, got[3].Kind)
	assert.Equal(t, "0x3", got[4].Record.Hash)
	assert.Eventually(t, func() bool { return bus.Backlog() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBus_CancelDiscardsBacklog(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe(KindSettled)

	bus.Publish(Event{Kind: KindSettled, Record: &types.TransactionRecord{Hash: "0x1"}})
	bus.Publish(Event{Kind: KindSettled, Record: &types.TransactionRecord{Hash: "0x2"}})
	cancel()

	for range ch {
	}
	assert.Equal(t, 0, bus.Subscribers())
	assert.Zero(t, bus.Dropped())
}
