package chunkstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/testutil"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	canvases, err := canvas.NewStore(&canvas.Canvas{
		ID:     0,
		Size:   1024,
		Colors: make([]canvas.Color, 32),
	})
	require.NoError(t, err)

	// The mock clock never fires the flush ticker; tests drive flushes.
	ctx := testutil.Context(t, testutil.WaitShort)
	s := New(ctx, testutil.Logger(t), client, canvases, quartz.NewMock(t))
	t.Cleanup(func() { _ = s.Close() })
	return mr, client, s
}

func TestStore_SetPixelAndFlush(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	_, client, s := setup(t)

	s.SetPixel(0, 1, 2, 100, 7)
	s.SetPixel(0, 1, 2, 101, 8)

	// The buffer reflects the pixels before any flush.
	buf, err := s.Get(ctx, 0, 1, 2)
	require.NoError(t, err)
	require.Equal(t, byte(7), buf[100])
	require.Equal(t, byte(8), buf[101])

	// Redis sees them only after the write-behind runs.
	_, err = client.Get(ctx, ledger.ChunkKey(0, 1, 2)).Bytes()
	require.ErrorIs(t, err, redis.Nil)

	s.flush(ctx)
	raw, err := client.Get(ctx, ledger.ChunkKey(0, 1, 2)).Bytes()
	require.NoError(t, err)
	require.Equal(t, byte(7), raw[100])
	require.Equal(t, byte(8), raw[101])

	// The queue drained; another flush writes nothing new.
	s.flush(ctx)
}

func TestStore_GetLoadsFromRedis(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mr, _, s := setup(t)

	// Another shard wrote this chunk.
	content := make([]byte, 300)
	content[250] = 9
	mr.Set(ledger.ChunkKey(0, 3, 3), string(content))

	buf, err := s.Get(ctx, 0, 3, 3)
	require.NoError(t, err)
	// The buffer is padded to the full chunk area.
	require.Len(t, buf, 256*256)
	require.Equal(t, byte(9), buf[250])
}

func TestStore_GetBlankChunk(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	_, _, s := setup(t)

	buf, err := s.Get(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Nil(t, buf)
}

func TestStore_GetUnknownCanvas(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	mr, _, s := setup(t)
	mr.Set(ledger.ChunkKey(9, 0, 0), "xx")

	_, err := s.Get(ctx, 9, 0, 0)
	require.Error(t, err)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	_, _, s := setup(t)

	s.SetPixel(0, 0, 0, 5, 3)
	buf, err := s.Get(ctx, 0, 0, 0)
	require.NoError(t, err)
	buf[5] = 99

	again, err := s.Get(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, byte(3), again[5])
}
