package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

// listenerQueue bounds how far one subscriber may lag behind the producer
// before its overflow is dropped.
const listenerQueue = 256

// listeners is a concurrency-safe set of typed callbacks. Each subscriber
// drains its own queue on a dedicated goroutine, so delivery stays ordered
// per subscriber and a slow one can neither starve its peers nor block the
// producer.
type listeners[T any] struct {
	mut sync.RWMutex
	m   map[uuid.UUID]chan T
}

func (l *listeners[T]) add(fn func(T)) (cancel func()) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.m == nil {
		l.m = make(map[uuid.UUID]chan T)
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := l.m[id]; !ok {
			break
		}
	}
	q := make(chan T, listenerQueue)
	l.m[id] = q
	go func() {
		for v := range q {
			fn(v)
		}
	}()
	return func() {
		l.mut.Lock()
		defer l.mut.Unlock()
		if q, ok := l.m[id]; ok {
			delete(l.m, id)
			close(q)
		}
	}
}

// emit never blocks: a subscriber whose queue is full loses the event.
func (l *listeners[T]) emit(v T) {
	l.mut.RLock()
	defer l.mut.RUnlock()
	for _, q := range l.m {
		select {
		case q <- v:
		default:
		}
	}
}

// Local is the single-process Bus: pure in-memory fan-out. The cluster
// broker embeds it and uses the Broadcast methods for re-emitting events
// received from peer shards.
type Local struct {
	pixelUpdates   listeners[PixelUpdate]
	chunkUpdates   listeners[ChunkUpdate]
	onlineCounters listeners[wire.OnlineCounter]
	chatMessages   listeners[ChatMessage]
	userChats      listeners[UserChatMessage]
	channelChanges listeners[ChannelChange]
	rateTriggers   listeners[RateLimitTrigger]
	factors        listeners[float64]
	userReloads    listeners[UserReload]
	rankingUpdates listeners[RankingUpdate]

	onlineMut sync.RWMutex
	online    wire.OnlineCounter

	handlerMut sync.RWMutex
	handlers   map[string]RequestHandler
}

var _ Bus = (*Local)(nil)

// NewLocal returns a Bus that fans out within the process only.
func NewLocal() *Local {
	return &Local{
		online:   wire.OnlineCounter{ByCanvas: map[uint8]uint16{}},
		handlers: make(map[string]RequestHandler),
	}
}

func (l *Local) BroadcastPixels(canvasID uint8, chunk canvas.ChunkID, pixels []byte) {
	l.pixelUpdates.emit(PixelUpdate{CanvasID: canvasID, Chunk: chunk, Pixels: pixels})
	l.chunkUpdates.emit(ChunkUpdate{CanvasID: canvasID, Chunk: chunk})
}

func (l *Local) BroadcastChunkUpdate(canvasID uint8, chunk canvas.ChunkID) {
	l.chunkUpdates.emit(ChunkUpdate{CanvasID: canvasID, Chunk: chunk})
}

func (l *Local) BroadcastOnlineCounter(online wire.OnlineCounter) {
	l.onlineMut.Lock()
	l.online = online
	l.onlineMut.Unlock()
	l.onlineCounters.emit(online)
}

func (l *Local) BroadcastChatMessage(msg ChatMessage) {
	l.chatMessages.emit(msg)
}

func (l *Local) BroadcastUserChatMessage(msg UserChatMessage) {
	l.userChats.emit(msg)
}

func (l *Local) BroadcastChannelChange(change ChannelChange) {
	l.channelChanges.emit(change)
}

func (l *Local) BroadcastRateLimitTrigger(trigger RateLimitTrigger) {
	l.rateTriggers.emit(trigger)
}

func (l *Local) BroadcastUserReload(reload UserReload) {
	l.userReloads.emit(reload)
}

func (l *Local) BroadcastRankingUpdate(update RankingUpdate) {
	l.rankingUpdates.emit(update)
}

func (l *Local) SetCooldownFactor(factor float64) {
	l.factors.emit(factor)
}

func (l *Local) OnPixelUpdate(fn func(PixelUpdate)) func()          { return l.pixelUpdates.add(fn) }
func (l *Local) OnChunkUpdate(fn func(ChunkUpdate)) func()          { return l.chunkUpdates.add(fn) }
func (l *Local) OnOnlineCounter(fn func(wire.OnlineCounter)) func() { return l.onlineCounters.add(fn) }
func (l *Local) OnChatMessage(fn func(ChatMessage)) func()          { return l.chatMessages.add(fn) }
func (l *Local) OnUserChatMessage(fn func(UserChatMessage)) func()  { return l.userChats.add(fn) }
func (l *Local) OnChannelChange(fn func(ChannelChange)) func()      { return l.channelChanges.add(fn) }
func (l *Local) OnRateLimitTrigger(fn func(RateLimitTrigger)) func() {
	return l.rateTriggers.add(fn)
}
func (l *Local) OnCooldownFactor(fn func(float64)) func()      { return l.factors.add(fn) }
func (l *Local) OnUserReload(fn func(UserReload)) func()       { return l.userReloads.add(fn) }
func (l *Local) OnRankingUpdate(fn func(RankingUpdate)) func() { return l.rankingUpdates.add(fn) }

func (l *Local) Online() wire.OnlineCounter {
	l.onlineMut.RLock()
	defer l.onlineMut.RUnlock()
	return l.online.Clone()
}

func (*Local) Primary() bool {
	return true
}

func (*Local) LeastLoadedShard() string {
	return ""
}

func (l *Local) Request(ctx context.Context, typ string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, xerrors.Errorf("marshal request args: %w", err)
	}
	handler := l.Handler(typ)
	if handler == nil {
		return nil, xerrors.Errorf("no handler for request type %q", typ)
	}
	ret, err := handler(ctx, raw)
	if err != nil {
		return nil, xerrors.Errorf("handle %q: %w", typ, err)
	}
	out, err := json.Marshal(ret)
	if err != nil {
		return nil, xerrors.Errorf("marshal %q response: %w", typ, err)
	}
	return out, nil
}

func (l *Local) HandleRequest(typ string, handler RequestHandler) (cancel func()) {
	l.handlerMut.Lock()
	defer l.handlerMut.Unlock()
	l.handlers[typ] = handler
	return func() {
		l.handlerMut.Lock()
		defer l.handlerMut.Unlock()
		delete(l.handlers, typ)
	}
}

// Handler returns the registered handler for a request type, or nil.
func (l *Local) Handler(typ string) RequestHandler {
	l.handlerMut.RLock()
	defer l.handlerMut.RUnlock()
	return l.handlers[typ]
}

func (*Local) Close() error {
	return nil
}
