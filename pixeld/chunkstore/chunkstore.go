// Package chunkstore holds the in-memory canvas buffer and mirrors accepted
// pixels into the Redis chunk bitfields that the placement script reads.
package chunkstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/ledger"
)

// flushInterval batches pixel write-behind; pixels placed within one
// interval go to Redis in a single pipeline.
const flushInterval = 100 * time.Millisecond

type chunkRef struct {
	canvasID uint8
	i, j     uint8
}

type pendingPixel struct {
	ref    chunkRef
	offset uint32
	color  uint8
}

// Store is safe for concurrent use. Only the draw pipeline mutates it; the
// HTTP chunk route reads it.
type Store struct {
	logger   slog.Logger
	client   *redis.Client
	canvases *canvas.Store
	clock    quartz.Clock

	mut    sync.RWMutex
	chunks map[chunkRef][]byte

	pendingMut sync.Mutex
	pending    []pendingPixel

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
}

// New starts a Store, including its write-behind flush loop.
func New(ctx context.Context, logger slog.Logger, client *redis.Client, canvases *canvas.Store, clock quartz.Clock) *Store {
	ctx, cancel := context.WithCancel(ctx)
	s := &Store{
		logger:   logger,
		client:   client,
		canvases: canvases,
		clock:    clock,
		chunks:   make(map[chunkRef][]byte),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// SetPixel writes one accepted pixel into the buffer and queues the Redis
// write-behind. Offsets are trusted; the draw pipeline validated them.
func (s *Store) SetPixel(canvasID, i, j uint8, offset uint32, color uint8) {
	ref := chunkRef{canvasID: canvasID, i: i, j: j}
	s.mut.Lock()
	buf, ok := s.chunks[ref]
	if !ok {
		c := s.canvases.Get(canvasID)
		if c == nil {
			s.mut.Unlock()
			return
		}
		buf = make([]byte, c.ChunkArea())
		s.chunks[ref] = buf
	}
	buf[offset] = color
	s.mut.Unlock()

	s.pendingMut.Lock()
	s.pending = append(s.pending, pendingPixel{ref: ref, offset: offset, color: color})
	s.pendingMut.Unlock()
}

// Get returns a copy of the chunk buffer, loading it from Redis when the
// process hasn't touched it yet. A nil buffer means the chunk is blank.
func (s *Store) Get(ctx context.Context, canvasID, i, j uint8) ([]byte, error) {
	ref := chunkRef{canvasID: canvasID, i: i, j: j}
	s.mut.RLock()
	buf, ok := s.chunks[ref]
	if ok {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		s.mut.RUnlock()
		return cp, nil
	}
	s.mut.RUnlock()

	raw, err := s.client.Get(ctx, ledger.ChunkKey(canvasID, i, j)).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("load chunk %d/%d/%d: %w", canvasID, i, j, err)
	}
	c := s.canvases.Get(canvasID)
	if c == nil {
		return nil, xerrors.Errorf("unknown canvas %d", canvasID)
	}
	buf = make([]byte, c.ChunkArea())
	copy(buf, raw)

	s.mut.Lock()
	// Lost the race with a concurrent load or SetPixel; keep the stored one.
	if cached, ok := s.chunks[ref]; ok {
		buf = cached
	} else {
		s.chunks[ref] = buf
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.mut.Unlock()
	return cp, nil
}

func (s *Store) flushLoop() {
	defer close(s.closed)
	ticker := s.clock.NewTicker(flushInterval, "chunkstore", "flush")
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			// Final drain so accepted pixels survive shutdown.
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(s.ctx)
		}
	}
}

func (s *Store) flush(ctx context.Context) {
	s.pendingMut.Lock()
	pending := s.pending
	s.pending = nil
	s.pendingMut.Unlock()
	if len(pending) == 0 {
		return
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pending {
			key := ledger.ChunkKey(p.ref.canvasID, p.ref.i, p.ref.j)
			pipe.SetRange(ctx, key, int64(p.offset), string([]byte{p.color}))
		}
		return nil
	})
	if err != nil {
		// The in-memory buffer is still right; the pixels are lost from the
		// shared bitfield only. Log and move on, the next placement on the
		// same pixel heals it.
		s.logger.Error(s.ctx, "flush pixels to redis",
			slog.F("pixels", len(pending)), slog.Error(err))
	}
}

// Close drains the write-behind queue and stops the flush loop.
func (s *Store) Close() error {
	s.cancel()
	<-s.closed
	return nil
}
