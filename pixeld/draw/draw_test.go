package draw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/chunkstore"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/pixeld/wire"
	"github.com/pixelplace/pixeld/testutil"
)

type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	clock    *quartz.Mock
	bus      *bus.Local
	chunks   *chunkstore.Store
	pipeline *Pipeline
}

func setup(t *testing.T, opts func(*Options)) *fixture {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	canvases, err := canvas.NewStore(&canvas.Canvas{
		ID:              0,
		Size:            1024,
		Colors:          make([]canvas.Color, 32),
		ColorsIgnore:    2,
		BaseCooldownMs:  2000,
		PixelCooldownMs: 2000,
		StackCooldownMs: 2000,
		Ranked:          true,
		ProtectedChunks: []canvas.ChunkRange{{MinI: 3, MaxI: 3, MinJ: 3, MaxJ: 3}},
	})
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	b := bus.NewLocal()
	chunks := chunkstore.New(ctx, testutil.Logger(t), client, canvases, clock)
	t.Cleanup(func() { _ = chunks.Close() })

	o := Options{
		Logger:   testutil.Logger(t),
		Clock:    clock,
		Canvases: canvases,
		Ledger:   ledger.New(client),
		Chunks:   chunks,
		Bus:      b,
	}
	if opts != nil {
		opts(&o)
	}
	p := New(ctx, o)
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{mr: mr, client: client, clock: clock, bus: b, chunks: chunks, pipeline: p}
}

func validRequest() Request {
	return Request{
		IP:       "1.2.3.4",
		CanvasID: 0,
		I:        1,
		J:        1,
		Pixels:   []wire.Pixel{{Offset: 100, Color: 5}},
	}
}

func TestPipeline_ValidationCodes(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, nil)
	f.mr.Set("isal:1.2.3.4", "0")

	cases := []struct {
		name   string
		mutate func(*Request)
		code   uint8
	}{
		{"UnknownCanvas", func(r *Request) { r.CanvasID = 9 }, ledger.CodeCanvasUnknown},
		{"ChunkXOutOfRange", func(r *Request) { r.I = 4 }, ledger.CodeChunkXOutOfRange},
		{"ChunkYOutOfRange", func(r *Request) { r.J = 200 }, ledger.CodeChunkYOutOfRange},
		{"OffsetOutOfRange", func(r *Request) { r.Pixels[0].Offset = 256 * 256 }, ledger.CodeOffsetOutOfRange},
		{"ReservedColor", func(r *Request) { r.Pixels[0].Color = 1 }, ledger.CodeColorOutOfRange},
		{"ColorBeyondPalette", func(r *Request) { r.Pixels[0].Color = 32 }, ledger.CodeColorOutOfRange},
		{"ProtectedChunk", func(r *Request) { r.I, r.J = 3, 3 }, ledger.CodeProtectedArea},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			res, err := f.pipeline.Place(ctx, req)
			require.NoError(t, err)
			require.Equal(t, tc.code, res.Code)
			require.Empty(t, res.Accepted)
		})
	}

	t.Run("AdminBypassesProtection", func(t *testing.T) {
		req := validRequest()
		req.I, req.J = 3, 3
		req.Admin = true
		res, err := f.pipeline.Place(ctx, req)
		require.NoError(t, err)
		require.Equal(t, ledger.CodeOK, res.Code)
		require.Zero(t, res.Cooldown)
	})

	// Moderators are not admins: reserved colors open up, protected chunks
	// do not.
	t.Run("ElevatedStillProtected", func(t *testing.T) {
		req := validRequest()
		req.I, req.J = 3, 3
		req.Elevated = true
		res, err := f.pipeline.Place(ctx, req)
		require.NoError(t, err)
		require.Equal(t, ledger.CodeProtectedArea, res.Code)
	})

	t.Run("ElevatedReservedColor", func(t *testing.T) {
		f.mr.Set("isal:5.6.7.8", "0")
		req := validRequest()
		req.IP = "5.6.7.8"
		req.Elevated = true
		req.Pixels[0].Color = 1
		res, err := f.pipeline.Place(ctx, req)
		require.NoError(t, err)
		require.Equal(t, ledger.CodeOK, res.Code)
		// Reserved-color placements by moderators carry no cooldown.
		require.Zero(t, res.Cooldown)
		require.Zero(t, res.RankedAccepted)
	})
}

func TestPipeline_PlaceAndBroadcast(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, nil)
	f.mr.Set("isal:1.2.3.4", "0")

	pixelEvents := make(chan bus.PixelUpdate, 4)
	chunkEvents := make(chan bus.ChunkUpdate, 4)
	cancel := f.bus.OnPixelUpdate(func(ev bus.PixelUpdate) {
		pixelEvents <- ev
	})
	defer cancel()
	cancelChunks := f.bus.OnChunkUpdate(func(ev bus.ChunkUpdate) {
		chunkEvents <- ev
	})
	defer cancelChunks()

	res, err := f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeOK, res.Code)
	require.Len(t, res.Accepted, 1)
	require.Zero(t, res.Wait)
	require.Equal(t, 2*time.Second, res.Cooldown)

	require.Equal(t, bus.PixelUpdate{
		CanvasID: 0,
		Chunk:    canvas.NewChunkID(1, 1),
		Pixels:   wire.PackPixels([]wire.Pixel{{Offset: 100, Color: 5}}),
	}, testutil.RequireReceive(ctx, t, pixelEvents))
	require.Equal(t, bus.ChunkUpdate{
		CanvasID: 0,
		Chunk:    canvas.NewChunkID(1, 1),
	}, testutil.RequireReceive(ctx, t, chunkEvents))

	buf, err := f.chunks.Get(ctx, 0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, byte(5), buf[100])

	// The stack is spent; a second request places nothing and broadcasts
	// nothing. A sentinel broadcast afterward proves the quiet bus: it must
	// be the next event delivered.
	res, err = f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeCooldown, res.Code)
	require.Empty(t, res.Accepted)

	f.bus.BroadcastPixels(1, canvas.NewChunkID(9, 9), nil)
	require.Equal(t, uint8(1), testutil.RequireReceive(ctx, t, pixelEvents).CanvasID)
}

func TestPipeline_AlreadyPlacing(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, nil)
	f.mr.Set("isal:1.2.3.4", "0")

	require.True(t, f.pipeline.acquire("ip:1.2.3.4"))
	res, err := f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeAlreadyPlacing, res.Code)

	// The guard outranks every validation: even a request for a canvas that
	// does not exist reports the in-flight attempt, not the bad canvas.
	unknown := validRequest()
	unknown.CanvasID = 9
	res, err = f.pipeline.Place(ctx, unknown)
	require.NoError(t, err)
	require.Equal(t, ledger.CodeAlreadyPlacing, res.Code)

	f.pipeline.release("ip:1.2.3.4")
	res, err = f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeOK, res.Code)
}

func TestPipeline_NoDoubleSpendUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, nil)
	f.mr.Set("isal:1.2.3.4", "0")

	// One identity fires eight requests at once. The stack budget fits a
	// single pixel, so exactly one may land; the rest bounce off the
	// in-flight guard or the cooldown, never off a double-spent budget.
	const attempts = 8
	results := make(chan Result, attempts)
	var wg sync.WaitGroup
	for n := 0; n < attempts; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := validRequest()
			req.Pixels = []wire.Pixel{{Offset: uint32(100 + n), Color: 5}}
			res, err := f.pipeline.Place(ctx, req)
			require.NoError(t, err)
			results <- res
		}(n)
	}
	wg.Wait()
	close(results)

	accepted := 0
	for res := range results {
		accepted += len(res.Accepted)
		require.Contains(t,
			[]uint8{ledger.CodeOK, ledger.CodeCooldown, ledger.CodeAlreadyPlacing},
			res.Code)
	}
	require.Equal(t, 1, accepted)
}

func TestPipeline_CooldownFactor(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, nil)
	f.mr.Set("isal:1.2.3.4", "0")

	require.Equal(t, float64(1), f.pipeline.CooldownFactor())
	f.bus.SetCooldownFactor(0.5)
	require.Eventually(t, func() bool {
		return f.pipeline.CooldownFactor() == 0.5
	}, testutil.WaitShort, testutil.IntervalFast)
	// Nonsense factors are dropped.
	f.pipeline.setFactor(-3)
	require.Equal(t, 0.5, f.pipeline.CooldownFactor())

	res, err := f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeOK, res.Code)
	require.Equal(t, time.Second, res.Cooldown)
}

func TestPipeline_CooldownIfUninitialized(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)

	connected := f.clock.Now().Add(-10 * time.Second)
	anon := Request{IP: "1.2.3.4", ConnectedAt: connected}
	seed := f.pipeline.cooldownIfUninitialized(anon, 4*time.Second, 7*time.Second, 60*time.Second)
	require.Equal(t, 44*time.Second, seed)

	// Registered users carry their cooldown in the id key instead.
	registered := anon
	registered.UserID = 5
	require.Zero(t, f.pipeline.cooldownIfUninitialized(registered, 4*time.Second, 7*time.Second, 60*time.Second))

	// A zero base cooldown (free canvas, staff placement) never seeds.
	require.Zero(t, f.pipeline.cooldownIfUninitialized(anon, 0, 7*time.Second, 60*time.Second))

	// Long-connected clients are not charged below zero.
	old := anon
	old.ConnectedAt = f.clock.Now().Add(-time.Hour)
	require.Zero(t, f.pipeline.cooldownIfUninitialized(old, 4*time.Second, 7*time.Second, 60*time.Second))
}

type fakeVerifier struct {
	verdict Verdict
	called  chan string
}

func (v *fakeVerifier) Verify(_ context.Context, ip string) (Verdict, error) {
	v.called <- ip
	return v.verdict, nil
}

func TestPipeline_VerifiesUnknownIPs(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	verifier := &fakeVerifier{
		verdict: Verdict{Status: ledger.StatusProxy, TTL: time.Hour},
		called:  make(chan string, 1),
	}
	f := setup(t, func(o *Options) { o.Verifier = verifier })

	res, err := f.pipeline.Place(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, ledger.CodeOK, res.Code)

	require.Equal(t, "1.2.3.4", testutil.RequireReceive(ctx, t, verifier.called))
	require.Eventually(t, func() bool {
		return f.mr.Exists("isal:1.2.3.4")
	}, testutil.WaitShort, testutil.IntervalFast)
}
