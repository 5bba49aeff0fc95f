package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"
)

// gatherTimeout bounds a scatter-gather round. A shard that dies mid-round
// never answers, so waiting for every expected response forever would wedge
// the caller; after the deadline the merged partial result is returned.
const gatherTimeout = 45 * time.Second

// purgeAfter removes abandoned rounds, e.g. when the caller's context died
// before the deadline.
const purgeAfter = time.Minute

type pending struct {
	expected int
	got      int
	merged   any
	err      error
	done     chan struct{}
	created  time.Time
}

// gatherer correlates scatter-gather responses by request id and merges
// them associatively as they arrive.
type gatherer struct {
	clock quartz.Clock

	mut      sync.Mutex
	inflight map[uuid.UUID]*pending
}

func newGatherer(clock quartz.Clock) *gatherer {
	return &gatherer{
		clock:    clock,
		inflight: make(map[uuid.UUID]*pending),
	}
}

func (g *gatherer) start(id uuid.UUID, expected int) *pending {
	p := &pending{
		expected: expected,
		done:     make(chan struct{}),
		created:  g.clock.Now(),
	}
	g.mut.Lock()
	g.inflight[id] = p
	g.mut.Unlock()
	return p
}

// deliver merges one shard's response. Responses for unknown ids are late
// arrivals of finished rounds and are dropped.
func (g *gatherer) deliver(id uuid.UUID, raw []byte) {
	g.mut.Lock()
	defer g.mut.Unlock()
	p, ok := g.inflight[id]
	if !ok {
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		p.err = xerrors.Errorf("decode shard response: %w", err)
	} else {
		p.merged = mergeJSON(p.merged, v)
	}
	p.got++
	if p.got >= p.expected {
		close(p.done)
	}
}

// await blocks until every expected response arrived, the deadline passed
// or ctx was canceled. On deadline the partial merge is returned.
func (g *gatherer) await(ctx context.Context, id uuid.UUID, p *pending) ([]byte, error) {
	timer := g.clock.NewTimer(gatherTimeout, "cluster", "gather")
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
	case <-ctx.Done():
		g.remove(id)
		return nil, ctx.Err()
	}

	g.mut.Lock()
	merged, err, got := p.merged, p.err, p.got
	delete(g.inflight, id)
	g.mut.Unlock()

	if err != nil {
		return nil, err
	}
	if got == 0 {
		return nil, xerrors.New("no shard answered")
	}
	return json.Marshal(merged)
}

func (g *gatherer) remove(id uuid.UUID) {
	g.mut.Lock()
	defer g.mut.Unlock()
	delete(g.inflight, id)
}

func (g *gatherer) sweep() {
	now := g.clock.Now()
	g.mut.Lock()
	defer g.mut.Unlock()
	for id, p := range g.inflight {
		if now.Sub(p.created) >= purgeAfter {
			delete(g.inflight, id)
		}
	}
}

// mergeJSON combines shard responses: objects merge recursively, arrays
// concatenate, numbers add. Anything else keeps the first non-nil value, so
// shards returning the same scalar agree trivially.
func mergeJSON(a, b any) any {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return a
		}
		for k, v := range bv {
			av[k] = mergeJSON(av[k], v)
		}
		return av
	case []any:
		bv, ok := b.([]any)
		if !ok {
			return a
		}
		return append(av, bv...)
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return a
		}
		return av + bv
	default:
		return a
	}
}
