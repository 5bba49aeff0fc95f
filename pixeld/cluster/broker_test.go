package cluster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/pubsub"
	"github.com/pixelplace/pixeld/pixeld/wire"
	"github.com/pixelplace/pixeld/testutil"
)

// pair starts two brokers on one in-memory pubsub. The pubsub delivers
// synchronously and a broker answers a first beacon with its own, so both
// know each other by the time New returns; only local bus listeners run
// asynchronously.
func pair(t *testing.T) (*Broker, *Broker, *quartz.Mock, *quartz.Mock) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	ps := pubsub.NewInMemory()

	clock1 := quartz.NewMock(t)
	b1, err := New(ctx, Options{
		Logger: testutil.Logger(t).Named("alpha"),
		Clock:  clock1,
		Pubsub: ps,
		Shard:  "alpha",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b1.Close() })

	clock2 := quartz.NewMock(t)
	b2, err := New(ctx, Options{
		Logger: testutil.Logger(t).Named("beta"),
		Clock:  clock2,
		Pubsub: ps,
		Shard:  "beta",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b2.Close() })

	return b1, b2, clock1, clock2
}

func knowsShard(b *Broker, name string) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	_, ok := b.shards[name]
	return ok
}

func TestBroker_ReannouncesOnDiscovery(t *testing.T) {
	t.Parallel()
	b1, b2, _, _ := pair(t)

	// beta's startup beacon introduced it to alpha, and alpha answered with
	// its own; neither had to wait out a beacon interval.
	require.True(t, knowsShard(b1, "beta"))
	require.True(t, knowsShard(b2, "alpha"))
}

func TestBroker_RejectsBadShardName(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	_, err := New(ctx, Options{
		Logger: testutil.Logger(t),
		Clock:  quartz.NewMock(t),
		Pubsub: pubsub.NewInMemory(),
		Shard:  "host:8080",
	})
	require.Error(t, err)
}

func TestBroker_PixelsReachPeers(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b1, b2, _, _ := pair(t)

	got := make(chan bus.PixelUpdate, 1)
	cancel := b1.OnPixelUpdate(func(ev bus.PixelUpdate) {
		got <- ev
	})
	defer cancel()

	chunk := canvas.NewChunkID(1, 2)
	pixels := wire.PackPixels([]wire.Pixel{{Offset: 7, Color: 3}})
	b2.BroadcastPixels(0, chunk, pixels)

	require.Equal(t, bus.PixelUpdate{CanvasID: 0, Chunk: chunk, Pixels: pixels},
		testutil.RequireReceive(ctx, t, got))
}

func TestBroker_TextEventsReachPeers(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b1, b2, _, _ := pair(t)

	chats := make(chan bus.ChatMessage, 1)
	factors := make(chan float64, 1)
	triggers := make(chan bus.RateLimitTrigger, 1)
	cancels := []func(){
		b2.OnChatMessage(func(m bus.ChatMessage) { chats <- m }),
		b2.OnCooldownFactor(func(f float64) { factors <- f }),
		b2.OnRateLimitTrigger(func(tr bus.RateLimitTrigger) { triggers <- tr }),
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	msg := bus.ChatMessage{Name: "ada", Message: "hi", ChannelID: 1, UserID: 5, Country: "uk"}
	b1.BroadcastChatMessage(msg)
	b1.SetCooldownFactor(2)
	b1.BroadcastRateLimitTrigger(bus.RateLimitTrigger{IP: "1.2.3.4", BlockMs: 1000})

	require.Equal(t, msg, testutil.RequireReceive(ctx, t, chats))
	require.Equal(t, float64(2), testutil.RequireReceive(ctx, t, factors))
	require.Equal(t, bus.RateLimitTrigger{IP: "1.2.3.4", BlockMs: 1000},
		testutil.RequireReceive(ctx, t, triggers))
}

func TestBroker_OnlineAggregation(t *testing.T) {
	t.Parallel()
	b1, b2, _, _ := pair(t)

	b1.BroadcastOnlineCounter(wire.OnlineCounter{Total: 3, ByCanvas: map[uint8]uint16{0: 3}})
	b2.BroadcastOnlineCounter(wire.OnlineCounter{Total: 2, ByCanvas: map[uint8]uint16{0: 1, 7: 1}})

	want := wire.OnlineCounter{Total: 5, ByCanvas: map[uint8]uint16{0: 4, 7: 1}}
	require.Equal(t, want, b1.Online())
	require.Equal(t, want, b2.Online())
}

func TestBroker_PrimaryAndLoad(t *testing.T) {
	t.Parallel()
	b1, b2, _, _ := pair(t)

	// A shard that has not reported its own counter yet never claims the
	// singleton duties.
	require.False(t, b1.Primary())
	require.False(t, b2.Primary())

	b1.BroadcastOnlineCounter(wire.OnlineCounter{Total: 3, ByCanvas: map[uint8]uint16{}})
	b2.BroadcastOnlineCounter(wire.OnlineCounter{Total: 2, ByCanvas: map[uint8]uint16{}})

	// alpha sorts first, so it holds the singleton duties.
	require.True(t, b1.Primary())
	require.False(t, b2.Primary())

	require.Equal(t, "beta", b1.LeastLoadedShard())
	require.Empty(t, b2.LeastLoadedShard())
}

func TestBroker_Request(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b1, b2, _, _ := pair(t)

	cancel1 := b1.HandleRequest("shards", func(context.Context, []byte) (any, error) {
		return []string{"alpha"}, nil
	})
	defer cancel1()
	cancel2 := b2.HandleRequest("shards", func(context.Context, []byte) (any, error) {
		return []string{"beta"}, nil
	})
	defer cancel2()

	merged, err := b1.Request(ctx, "shards", nil)
	require.NoError(t, err)
	var shards []string
	require.NoError(t, json.Unmarshal(merged, &shards))
	require.ElementsMatch(t, []string{"alpha", "beta"}, shards)
}

func TestBroker_PrunesDeadShards(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b1, b2, clock1, _ := pair(t)

	b1.BroadcastOnlineCounter(wire.OnlineCounter{Total: 3, ByCanvas: map[uint8]uint16{}})
	b2.BroadcastOnlineCounter(wire.OnlineCounter{Total: 2, ByCanvas: map[uint8]uint16{}})
	require.Equal(t, uint16(5), b1.Online().Total)

	// beta's clock never advances, so it sends no more beacons; alpha prunes
	// it after the timeout.
	clock1.Advance(shardTimeout).MustWait(ctx)
	b1.prune()
	require.Equal(t, uint16(3), b1.Online().Total)
	require.Empty(t, b1.LeastLoadedShard())
	require.True(t, b1.Primary())
}

func TestMergeJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		a, b any
		want any
	}{
		{"NilLeft", nil, 5.0, 5.0},
		{"NilRight", 5.0, nil, 5.0},
		{"Numbers", 2.0, 3.0, 5.0},
		{"Arrays", []any{1.0}, []any{2.0}, []any{1.0, 2.0}},
		{"Strings", "a", "b", "a"},
		{
			"Objects",
			map[string]any{"n": 1.0, "list": []any{"x"}},
			map[string]any{"n": 2.0, "list": []any{"y"}, "extra": true},
			map[string]any{"n": 3.0, "list": []any{"x", "y"}, "extra": true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, mergeJSON(tc.a, tc.b))
		})
	}
}
