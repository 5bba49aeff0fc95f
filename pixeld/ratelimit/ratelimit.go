// Package ratelimit implements the per-ip tick buckets guarding the socket
// server. A bucket charges a fixed cost per operation; once the accumulated
// debt exceeds the allowance the ip is blocked until the debt drains.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

const sweepInterval = time.Minute

// Limiter is a single bucket. Not safe for concurrent use; MassLimiter
// serializes access.
type Limiter struct {
	tick  time.Duration
	burst time.Duration

	deadline  time.Time
	triggered bool
}

// NewLimiter returns a bucket charging tick per operation with the given
// allowance.
func NewLimiter(tick, burst time.Duration) *Limiter {
	return &Limiter{tick: tick, burst: burst}
}

// Tick charges one operation and reports whether the bucket is now blocked.
func (l *Limiter) Tick(now time.Time) bool {
	if l.deadline.Before(now) {
		l.deadline = now
		l.triggered = false
	}
	l.deadline = l.deadline.Add(l.tick)
	if l.deadline.Sub(now) <= l.burst {
		return false
	}
	return true
}

// Block extends the debt so the bucket stays blocked for at least d.
func (l *Limiter) Block(now time.Time, d time.Duration) {
	until := now.Add(l.burst).Add(d)
	if l.deadline.Before(until) {
		l.deadline = until
	}
	l.triggered = true
}

// Blocked reports whether the bucket is over its allowance without charging.
func (l *Limiter) Blocked(now time.Time) bool {
	return l.deadline.Sub(now) > l.burst
}

// TriggerFunc fires once when an ip first crosses into blocked state, with
// the time the block will last if the ip goes quiet. Used to propagate the
// block to peer shards.
type TriggerFunc func(ip string, block time.Duration)

// MassLimiter keys Limiters by ip, creating them on demand and sweeping
// drained ones once a minute.
type MassLimiter struct {
	logger    slog.Logger
	clock     quartz.Clock
	tick      time.Duration
	burst     time.Duration
	onTrigger TriggerFunc

	mut      sync.Mutex
	limiters map[string]*Limiter

	cancel context.CancelFunc
	closed chan struct{}
}

// NewMass starts a MassLimiter. onTrigger may be nil.
func NewMass(ctx context.Context, logger slog.Logger, clock quartz.Clock, tick, burst time.Duration, onTrigger TriggerFunc) *MassLimiter {
	ctx, cancel := context.WithCancel(ctx)
	m := &MassLimiter{
		logger:    logger,
		clock:     clock,
		tick:      tick,
		burst:     burst,
		onTrigger: onTrigger,
		limiters:  make(map[string]*Limiter),
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	go m.sweepLoop(ctx)
	return m
}

// Tick charges one operation for ip and reports whether it is blocked. The
// first charge that crosses the allowance fires the trigger.
func (m *MassLimiter) Tick(ip string) bool {
	now := m.clock.Now()
	m.mut.Lock()
	lim, ok := m.limiters[ip]
	if !ok {
		lim = NewLimiter(m.tick, m.burst)
		m.limiters[ip] = lim
	}
	blocked := lim.Tick(now)
	fire := blocked && !lim.triggered
	if fire {
		lim.triggered = true
	}
	block := lim.deadline.Sub(now) - m.burst
	m.mut.Unlock()

	if fire {
		m.logger.Warn(context.Background(), "rate limit tripped",
			slog.F("ip", ip), slog.F("block", block))
		if m.onTrigger != nil {
			m.onTrigger(ip, block)
		}
	}
	return blocked
}

// Block forces ip into blocked state for at least d without firing the
// trigger. Used when a peer shard already announced the block.
func (m *MassLimiter) Block(ip string, d time.Duration) {
	now := m.clock.Now()
	m.mut.Lock()
	defer m.mut.Unlock()
	lim, ok := m.limiters[ip]
	if !ok {
		lim = NewLimiter(m.tick, m.burst)
		m.limiters[ip] = lim
	}
	lim.Block(now, d)
}

// Blocked reports whether ip is currently blocked without charging it.
func (m *MassLimiter) Blocked(ip string) bool {
	now := m.clock.Now()
	m.mut.Lock()
	defer m.mut.Unlock()
	lim, ok := m.limiters[ip]
	return ok && lim.Blocked(now)
}

func (m *MassLimiter) sweepLoop(ctx context.Context) {
	defer close(m.closed)
	ticker := m.clock.NewTicker(sweepInterval, "ratelimit", "sweep")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MassLimiter) sweep() {
	now := m.clock.Now()
	m.mut.Lock()
	defer m.mut.Unlock()
	for ip, lim := range m.limiters {
		if lim.deadline.Before(now) {
			delete(m.limiters, ip)
		}
	}
}

// Close stops the sweep loop.
func (m *MassLimiter) Close() error {
	m.cancel()
	<-m.closed
	return nil
}
