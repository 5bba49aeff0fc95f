package ranks

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/testutil"
)

func setup(t *testing.T) (*Service, *miniredis.Miniredis, *bus.Local) {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := bus.NewLocal()
	s := New(ctx, testutil.Logger(t), client, b, quartz.NewMock(t))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr, b
}

func TestService_Recompute(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, mr, b := setup(t)

	mr.ZAdd(ledger.RankKey, 50, "7")
	mr.ZAdd(ledger.RankKey, 30, "9")
	mr.ZAdd(ledger.DailyRankKey, 12, "9")
	// Country and color tags live in sibling zsets and never surface in the
	// leaderboards.
	mr.ZAdd(ledger.CountryRankKey, 99, "de")
	mr.ZAdd(ledger.ColorRankKey, 99, "0:5")

	updates := make(chan bus.RankingUpdate, 1)
	cancel := b.OnRankingUpdate(func(u bus.RankingUpdate) {
		updates <- u
	})
	defer cancel()

	s.tick(ctx)

	update := testutil.RequireReceive(ctx, t, updates)
	require.Equal(t, []bus.RankEntry{{UserID: 7, Pixels: 50}, {UserID: 9, Pixels: 30}}, update.Ranking)
	require.Equal(t, []bus.RankEntry{{UserID: 9, Pixels: 12}}, update.DailyRanking)
	require.Empty(t, update.PrevTop)
}

func TestService_DailyRollover(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, mr, b := setup(t)

	mr.ZAdd(ledger.DailyRankKey, 40, "3")
	mr.ZAdd(ledger.DailyRankKey, 20, "5")
	mr.ZAdd(ledger.CountryRankKey, 60, "de")
	mr.ZAdd(ledger.ColorRankKey, 60, "0:5")
	// Stale previous-day content must be replaced, not merged.
	mr.ZAdd(ledger.PrevDayTopKey, 1, "8")

	updates := make(chan bus.RankingUpdate, 1)
	cancel := b.OnRankingUpdate(func(u bus.RankingUpdate) {
		updates <- u
	})
	defer cancel()

	s.lastDay--
	s.tick(ctx)
	require.Equal(t, s.clock.Now().UTC().YearDay(), s.lastDay)

	top, err := mr.SortedSet(ledger.PrevDayTopKey)
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"3": 40, "5": 20}, top)
	require.False(t, mr.Exists(ledger.DailyRankKey))
	require.False(t, mr.Exists(ledger.CountryRankKey))
	require.False(t, mr.Exists(ledger.ColorRankKey))

	// The recompute that follows the rollover reports the frozen top list.
	update := testutil.RequireReceive(ctx, t, updates)
	require.Equal(t, []bus.RankEntry{{UserID: 3, Pixels: 40}, {UserID: 5, Pixels: 20}}, update.PrevTop)
	require.Empty(t, update.DailyRanking)
}

func TestService_SameDayNoRollover(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s, mr, _ := setup(t)

	mr.ZAdd(ledger.DailyRankKey, 40, "3")
	s.tick(ctx)
	require.True(t, mr.Exists(ledger.DailyRankKey))
}
