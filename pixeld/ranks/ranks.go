// Package ranks periodically recomputes the placement leaderboards from the
// shared Redis zsets and rolls the daily sets over at midnight UTC. Only the
// cluster primary runs the work; results reach the other shards through the
// ranking update event.
package ranks

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/ledger"
)

const (
	recomputeInterval = time.Hour
	topN              = 100
)

// Service drives the ranking jobs.
type Service struct {
	logger slog.Logger
	clock  quartz.Clock
	client *redis.Client
	bus    bus.Bus

	lastDay int

	cancel context.CancelFunc
	closed chan struct{}
}

// New starts the Service.
func New(ctx context.Context, logger slog.Logger, client *redis.Client, b bus.Bus, clock quartz.Clock) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		logger:  logger,
		clock:   clock,
		client:  client,
		bus:     b,
		lastDay: clock.Now().UTC().YearDay(),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.closed)
	ticker := s.clock.NewTicker(recomputeInterval, "ranks", "recompute")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.bus.Primary() {
				continue
			}
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	day := s.clock.Now().UTC().YearDay()
	if day != s.lastDay {
		if err := s.rollover(ctx); err != nil {
			s.logger.Error(ctx, "daily ranking rollover", slog.Error(err))
			// Retry on the next tick rather than losing the day.
			return
		}
		s.lastDay = day
	}
	if err := s.recompute(ctx); err != nil {
		s.logger.Error(ctx, "recompute rankings", slog.Error(err))
	}
}

// recompute publishes the current top lists cluster-wide.
func (s *Service) recompute(ctx context.Context) error {
	ranking, err := s.top(ctx, ledger.RankKey)
	if err != nil {
		return err
	}
	daily, err := s.top(ctx, ledger.DailyRankKey)
	if err != nil {
		return err
	}
	prevTop, err := s.top(ctx, ledger.PrevDayTopKey)
	if err != nil {
		return err
	}
	s.bus.BroadcastRankingUpdate(bus.RankingUpdate{
		Ranking:      ranking,
		DailyRanking: daily,
		PrevTop:      prevTop,
	})
	return nil
}

// rollover freezes yesterday's top placers into the previous-day set, which
// gates restricted canvases, then clears the daily sets.
func (s *Service) rollover(ctx context.Context) error {
	top, err := s.client.ZRevRangeWithScores(ctx, ledger.DailyRankKey, 0, topN-1).Result()
	if err != nil {
		return xerrors.Errorf("read daily ranking: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ledger.PrevDayTopKey)
		if len(top) > 0 {
			members := make([]redis.Z, len(top))
			copy(members, top)
			pipe.ZAdd(ctx, ledger.PrevDayTopKey, members...)
		}
		pipe.Del(ctx, ledger.DailyRankKey, ledger.CountryRankKey, ledger.ColorRankKey)
		return nil
	})
	if err != nil {
		return xerrors.Errorf("roll daily ranking over: %w", err)
	}
	s.logger.Info(ctx, "daily ranking rolled over", slog.F("top", len(top)))
	return nil
}

func (s *Service) top(ctx context.Context, key string) ([]bus.RankEntry, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, topN-1).Result()
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", key, err)
	}
	entries := make([]bus.RankEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			// Country and color tags share the zset namespace but not the
			// leaderboards.
			continue
		}
		entries = append(entries, bus.RankEntry{UserID: id, Pixels: int64(z.Score)})
	}
	return entries, nil
}

// Close stops the recompute loop.
func (s *Service) Close() error {
	s.cancel()
	<-s.closed
	return nil
}
