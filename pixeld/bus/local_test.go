package bus_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/wire"
	"github.com/pixelplace/pixeld/testutil"
)

func TestLocal_BroadcastPixels(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := bus.NewLocal()
	defer b.Close()

	pixelEvents := make(chan bus.PixelUpdate, 1)
	chunkEvents := make(chan bus.ChunkUpdate, 4)
	cancelPixels := b.OnPixelUpdate(func(ev bus.PixelUpdate) {
		pixelEvents <- ev
	})
	defer cancelPixels()
	cancelChunks := b.OnChunkUpdate(func(ev bus.ChunkUpdate) {
		chunkEvents <- ev
	})

	chunk := canvas.NewChunkID(1, 2)
	pixels := []byte{0, 0, 5, 3}
	b.BroadcastPixels(7, chunk, pixels)

	require.Equal(t, bus.PixelUpdate{CanvasID: 7, Chunk: chunk, Pixels: pixels},
		testutil.RequireReceive(ctx, t, pixelEvents))
	// Pixel broadcasts imply a chunk update for tile regeneration.
	require.Equal(t, bus.ChunkUpdate{CanvasID: 7, Chunk: chunk},
		testutil.RequireReceive(ctx, t, chunkEvents))

	// Canceled subscribers are detached before the next broadcast; cancel is
	// idempotent.
	cancelChunks()
	cancelChunks()
	b.BroadcastChunkUpdate(7, chunk)
	require.Empty(t, chunkEvents)
}

func TestLocal_SlowConsumerDoesNotBlockProducer(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	b := bus.NewLocal()
	defer b.Close()

	release := make(chan struct{})
	got := make(chan bus.ChunkUpdate, 16)
	cancel := b.OnChunkUpdate(func(ev bus.ChunkUpdate) {
		<-release
		got <- ev
	})
	defer cancel()

	done := make(chan struct{}, 1)
	go func() {
		for n := 0; n < 10; n++ {
			b.BroadcastChunkUpdate(0, canvas.NewChunkID(0, uint8(n)))
		}
		done <- struct{}{}
	}()
	// Every broadcast returns while the consumer is still stalled on the
	// first event.
	testutil.RequireReceive(ctx, t, done)

	close(release)
	for n := 0; n < 10; n++ {
		ev := testutil.RequireReceive(ctx, t, got)
		require.Equal(t, canvas.NewChunkID(0, uint8(n)), ev.Chunk)
	}
}

func TestLocal_OnlineCounter(t *testing.T) {
	t.Parallel()
	b := bus.NewLocal()
	defer b.Close()

	require.Zero(t, b.Online().Total)

	online := wire.OnlineCounter{Total: 3, ByCanvas: map[uint8]uint16{0: 3}}
	b.BroadcastOnlineCounter(online)
	got := b.Online()
	require.Equal(t, online, got)

	// Online returns a copy; mutating it must not leak back.
	got.ByCanvas[0] = 99
	require.Equal(t, uint16(3), b.Online().ByCanvas[0])
}

func TestLocal_CooldownFactor(t *testing.T) {
	t.Parallel()
	b := bus.NewLocal()
	defer b.Close()

	ctx := testutil.Context(t, testutil.WaitShort)
	got := make(chan float64, 1)
	cancel := b.OnCooldownFactor(func(f float64) {
		got <- f
	})
	defer cancel()

	b.SetCooldownFactor(2.5)
	require.Equal(t, 2.5, testutil.RequireReceive(ctx, t, got))
}

func TestLocal_Request(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := bus.NewLocal()
	defer b.Close()

	_, err := b.Request(ctx, "nobody-home", nil)
	require.Error(t, err)

	cancel := b.HandleRequest("sum", func(_ context.Context, args []byte) (any, error) {
		var in []int
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		total := 0
		for _, n := range in {
			total += n
		}
		return map[string]int{"total": total}, nil
	})

	out, err := b.Request(ctx, "sum", []int{1, 2, 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"total":6}`, string(out))

	cancel()
	_, err = b.Request(ctx, "sum", nil)
	require.Error(t, err)
}

func TestLocal_SingleProcessDefaults(t *testing.T) {
	t.Parallel()
	b := bus.NewLocal()
	defer b.Close()
	require.True(t, b.Primary())
	require.Empty(t, b.LeastLoadedShard())
}
