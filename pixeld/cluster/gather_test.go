package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/testutil"
)

func TestGatherer_AllAnswered(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	g := newGatherer(quartz.NewMock(t))

	id := uuid.New()
	p := g.start(id, 2)
	g.deliver(id, []byte(`["alpha"]`))
	g.deliver(id, []byte(`["beta"]`))

	merged, err := g.await(ctx, id, p)
	require.NoError(t, err)
	require.JSONEq(t, `["alpha","beta"]`, string(merged))

	// Late responses for the finished round are dropped.
	g.deliver(id, []byte(`["gamma"]`))
}

func TestGatherer_PartialOnTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("cluster", "gather")
	defer trap.Close()
	g := newGatherer(clock)

	id := uuid.New()
	p := g.start(id, 2)
	g.deliver(id, []byte(`["alpha"]`))

	type result struct {
		merged []byte
		err    error
	}
	results := make(chan result, 1)
	go func() {
		merged, err := g.await(ctx, id, p)
		results <- result{merged: merged, err: err}
	}()

	trap.MustWait(ctx).MustRelease(ctx)
	clock.Advance(gatherTimeout).MustWait(ctx)

	res := testutil.RequireReceive(ctx, t, results)
	require.NoError(t, res.err)
	require.JSONEq(t, `["alpha"]`, string(res.merged))
}

func TestGatherer_NobodyAnswered(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("cluster", "gather")
	defer trap.Close()
	g := newGatherer(clock)

	id := uuid.New()
	p := g.start(id, 1)

	errs := make(chan error, 1)
	go func() {
		_, err := g.await(ctx, id, p)
		errs <- err
	}()

	trap.MustWait(ctx).MustRelease(ctx)
	clock.Advance(gatherTimeout).MustWait(ctx)
	require.Error(t, testutil.RequireReceive(ctx, t, errs))
}

func TestGatherer_Sweep(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	g := newGatherer(clock)

	g.start(uuid.New(), 3)
	clock.Advance(purgeAfter)
	g.sweep()

	g.mut.Lock()
	defer g.mut.Unlock()
	require.Empty(t, g.inflight)
}
