// Package cluster makes multiple pixeld processes behave as one canvas.
// Every shard mirrors its events through the shared Redis pubsub; peers
// re-emit them on their local bus so connections see placements regardless
// of which shard handled them.
package cluster

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/pubsub"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

const (
	// broadcastChannel carries shard beacons and text events. A message is
	// either a bare shard name or "<shard>:<event>,<json>".
	broadcastChannel = "bc"
	// listenPrefix + shard name is where a shard receives its scatter-gather
	// responses, as "res:<id>,<json>".
	listenPrefix = "l:"

	eventRequest = "req"

	beaconInterval = 10 * time.Second
	// shardTimeout prunes peers that missed three beacons.
	shardTimeout = 30 * time.Second
)

type requestEnvelope struct {
	ID   uuid.UUID       `json:"id"`
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

type shardState struct {
	lastSeen  time.Time
	online    wire.OnlineCounter
	hasOnline bool
	cancel    func()
}

// Options configures a Broker.
type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	Pubsub pubsub.Pubsub
	// Shard uniquely names this process on the cluster channels. It must not
	// contain ':' or ','. Defaults to hostname and pid.
	Shard string
}

// Broker is the cluster Bus. It embeds the local bus for in-process fan-out
// and mirrors every broadcast to peer shards; events received from peers are
// re-emitted locally only, never republished.
type Broker struct {
	*bus.Local

	logger slog.Logger
	clock  quartz.Clock
	ps     pubsub.Pubsub
	shard  string
	gather *gatherer

	mut            sync.Mutex
	shards         map[string]*shardState
	localOnline    wire.OnlineCounter
	hasLocalOnline bool

	unsubs []func()
	cancel context.CancelFunc
	closed chan struct{}
}

var _ bus.Bus = (*Broker)(nil)

// New subscribes the shard to the cluster channels and starts announcing
// it. Peers learn of each other purely through beacons; there is no join
// handshake, a new shard is usable as soon as its first beacon lands.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Shard == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pixeld"
		}
		opts.Shard = host + "-" + strconv.Itoa(os.Getpid())
	}
	if strings.ContainsAny(opts.Shard, ":,") {
		return nil, xerrors.Errorf("shard name %q must not contain ':' or ','", opts.Shard)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Broker{
		Local:       bus.NewLocal(),
		logger:      opts.Logger,
		clock:       opts.Clock,
		ps:          opts.Pubsub,
		shard:       opts.Shard,
		gather:      newGatherer(opts.Clock),
		shards:      make(map[string]*shardState),
		localOnline: wire.OnlineCounter{ByCanvas: map[uint8]uint16{}},
		cancel:      cancel,
		closed:      make(chan struct{}),
	}

	unsub, err := b.ps.Subscribe(broadcastChannel, b.handleBroadcast)
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("subscribe broadcast channel: %w", err)
	}
	b.unsubs = append(b.unsubs, unsub)

	unsub, err = b.ps.Subscribe(listenPrefix+b.shard, b.handleListen)
	if err != nil {
		cancel()
		b.unsubscribeAll()
		return nil, xerrors.Errorf("subscribe listen channel: %w", err)
	}
	b.unsubs = append(b.unsubs, unsub)

	b.announce()
	go b.beaconLoop(ctx)
	return b, nil
}

func (b *Broker) beaconLoop(ctx context.Context) {
	defer close(b.closed)
	ticker := b.clock.NewTicker(beaconInterval, "cluster", "beacon")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.announce()
			b.prune()
			b.gather.sweep()
		}
	}
}

func (b *Broker) announce() {
	err := b.ps.Publish(broadcastChannel, []byte(b.shard))
	if err != nil {
		b.logger.Warn(context.Background(), "announce shard", slog.Error(err))
	}
}

func (b *Broker) prune() {
	now := b.clock.Now()
	var gone []string
	b.mut.Lock()
	for name, st := range b.shards {
		if now.Sub(st.lastSeen) >= shardTimeout {
			st.cancel()
			delete(b.shards, name)
			gone = append(gone, name)
		}
	}
	b.mut.Unlock()
	for _, name := range gone {
		b.logger.Info(context.Background(), "shard left", slog.F("shard", name))
	}
	if len(gone) > 0 {
		b.Local.BroadcastOnlineCounter(b.aggregateOnline())
	}
}

// handleBroadcast processes beacons and text events from peers.
func (b *Broker) handleBroadcast(ctx context.Context, message []byte) {
	text := string(message)
	colon := strings.IndexByte(text, ':')
	if colon < 0 {
		b.touchShard(text)
		return
	}
	from := text[:colon]
	if from == b.shard {
		return
	}
	b.touchShard(from)
	event, payload, err := wire.SplitTextFrame(text[colon+1:])
	if err != nil {
		b.logger.Warn(ctx, "malformed cluster event", slog.F("from", from), slog.Error(err))
		return
	}
	b.dispatchEvent(ctx, from, event, []byte(payload))
}

func (b *Broker) dispatchEvent(ctx context.Context, from, event string, payload []byte) {
	var err error
	switch event {
	case eventRequest:
		b.handleRequest(ctx, from, payload)
		return
	case bus.EventChatMessage:
		var m bus.ChatMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			b.Local.BroadcastChatMessage(m)
		}
	case bus.EventUserChatMessage:
		var m bus.UserChatMessage
		if err = json.Unmarshal(payload, &m); err == nil {
			b.Local.BroadcastUserChatMessage(m)
		}
	case bus.EventAddChatChannel, bus.EventRemChatChannel:
		var c bus.ChannelChange
		if err = json.Unmarshal(payload, &c); err == nil {
			c.Added = event == bus.EventAddChatChannel
			b.Local.BroadcastChannelChange(c)
		}
	case bus.EventRateLimitTrigger:
		var t bus.RateLimitTrigger
		if err = json.Unmarshal(payload, &t); err == nil {
			b.Local.BroadcastRateLimitTrigger(t)
		}
	case bus.EventCooldownFactor:
		var f float64
		if err = json.Unmarshal(payload, &f); err == nil {
			b.Local.SetCooldownFactor(f)
		}
	case bus.EventUserReload:
		var r bus.UserReload
		if err = json.Unmarshal(payload, &r); err == nil {
			b.Local.BroadcastUserReload(r)
		}
	case bus.EventRankingUpdate:
		var u bus.RankingUpdate
		if err = json.Unmarshal(payload, &u); err == nil {
			b.Local.BroadcastRankingUpdate(u)
		}
	default:
		b.logger.Debug(ctx, "unknown cluster event", slog.F("event", event), slog.F("from", from))
		return
	}
	if err != nil {
		b.logger.Warn(ctx, "decode cluster event",
			slog.F("event", event), slog.F("from", from), slog.Error(err))
	}
}

// handleShardFrame processes a peer's binary channel.
func (b *Broker) handleShardFrame(from string) pubsub.Listener {
	return func(ctx context.Context, data []byte) {
		if len(data) == 0 {
			return
		}
		switch data[0] {
		case wire.OpPixelUpdateMB:
			canvasID, chunk, frame, err := wire.ParsePixelUpdateMB(data)
			if err != nil {
				b.logger.Warn(ctx, "malformed pixel update", slog.F("from", from), slog.Error(err))
				return
			}
			b.Local.BroadcastPixels(canvasID, chunk, frame[3:])
		case wire.OpChunkUpdateMB:
			canvasID, chunk, err := wire.ParseChunkUpdateMB(data)
			if err != nil {
				b.logger.Warn(ctx, "malformed chunk update", slog.F("from", from), slog.Error(err))
				return
			}
			b.Local.BroadcastChunkUpdate(canvasID, chunk)
		case wire.OpOnlineCounter:
			online, err := wire.ParseOnlineCounter(data)
			if err != nil {
				b.logger.Warn(ctx, "malformed online counter", slog.F("from", from), slog.Error(err))
				return
			}
			b.setShardOnline(from, online)
			b.Local.BroadcastOnlineCounter(b.aggregateOnline())
		}
	}
}

func (b *Broker) handleListen(ctx context.Context, message []byte) {
	text := string(message)
	tag, payload, err := wire.SplitTextFrame(text)
	if err != nil || !strings.HasPrefix(tag, "res:") {
		b.logger.Warn(ctx, "malformed response frame", slog.F("message", text))
		return
	}
	id, err := uuid.Parse(tag[len("res:"):])
	if err != nil {
		b.logger.Warn(ctx, "bad response id", slog.Error(err))
		return
	}
	b.gather.deliver(id, []byte(payload))
}

func (b *Broker) touchShard(name string) {
	if name == b.shard || name == "" {
		return
	}
	b.mut.Lock()
	st, ok := b.shards[name]
	if ok {
		st.lastSeen = b.clock.Now()
		b.mut.Unlock()
		return
	}
	cancel, err := b.ps.Subscribe(name, b.handleShardFrame(name))
	if err != nil {
		b.mut.Unlock()
		b.logger.Warn(context.Background(), "subscribe shard channel",
			slog.F("shard", name), slog.Error(err))
		return
	}
	b.shards[name] = &shardState{lastSeen: b.clock.Now(), cancel: cancel}
	b.mut.Unlock()
	b.logger.Info(context.Background(), "shard joined", slog.F("shard", name))
	// Answer a first beacon with our own so the newcomer learns of us
	// without waiting out a beacon interval.
	b.announce()
}

func (b *Broker) setShardOnline(name string, online wire.OnlineCounter) {
	b.mut.Lock()
	defer b.mut.Unlock()
	st, ok := b.shards[name]
	if !ok {
		return
	}
	st.lastSeen = b.clock.Now()
	st.online = online
	st.hasOnline = true
}

func (b *Broker) aggregateOnline() wire.OnlineCounter {
	b.mut.Lock()
	defer b.mut.Unlock()
	agg := b.localOnline.Clone()
	for _, st := range b.shards {
		if !st.hasOnline {
			continue
		}
		agg.Total += st.online.Total
		for id, n := range st.online.ByCanvas {
			agg.ByCanvas[id] += n
		}
	}
	return agg
}

func (b *Broker) publishEvent(event string, args any) {
	raw, err := json.Marshal(args)
	if err != nil {
		b.logger.Error(context.Background(), "marshal cluster event",
			slog.F("event", event), slog.Error(err))
		return
	}
	msg := b.shard + ":" + event + "," + string(raw)
	if err := b.ps.Publish(broadcastChannel, []byte(msg)); err != nil {
		b.logger.Warn(context.Background(), "publish cluster event",
			slog.F("event", event), slog.Error(err))
	}
}

func (b *Broker) publishFrame(frame []byte) {
	if err := b.ps.Publish(b.shard, frame); err != nil {
		b.logger.Warn(context.Background(), "publish shard frame", slog.Error(err))
	}
}

func (b *Broker) BroadcastPixels(canvasID uint8, chunk canvas.ChunkID, pixels []byte) {
	b.publishFrame(wire.PixelUpdateMB(canvasID, chunk.I(), chunk.J(), pixels))
	b.Local.BroadcastPixels(canvasID, chunk, pixels)
}

func (b *Broker) BroadcastChunkUpdate(canvasID uint8, chunk canvas.ChunkID) {
	b.publishFrame(wire.ChunkUpdateMB(canvasID, chunk))
	b.Local.BroadcastChunkUpdate(canvasID, chunk)
}

// BroadcastOnlineCounter takes this shard's local tally, shares it with
// peers and emits the cluster-wide aggregate locally.
func (b *Broker) BroadcastOnlineCounter(online wire.OnlineCounter) {
	b.mut.Lock()
	b.localOnline = online.Clone()
	b.hasLocalOnline = true
	b.mut.Unlock()
	b.publishFrame(wire.OnlineCounterFrame(online))
	b.Local.BroadcastOnlineCounter(b.aggregateOnline())
}

func (b *Broker) BroadcastChatMessage(msg bus.ChatMessage) {
	b.publishEvent(bus.EventChatMessage, msg)
	b.Local.BroadcastChatMessage(msg)
}

func (b *Broker) BroadcastUserChatMessage(msg bus.UserChatMessage) {
	b.publishEvent(bus.EventUserChatMessage, msg)
	b.Local.BroadcastUserChatMessage(msg)
}

func (b *Broker) BroadcastChannelChange(change bus.ChannelChange) {
	event := bus.EventRemChatChannel
	if change.Added {
		event = bus.EventAddChatChannel
	}
	b.publishEvent(event, change)
	b.Local.BroadcastChannelChange(change)
}

func (b *Broker) BroadcastRateLimitTrigger(trigger bus.RateLimitTrigger) {
	b.publishEvent(bus.EventRateLimitTrigger, trigger)
	b.Local.BroadcastRateLimitTrigger(trigger)
}

func (b *Broker) BroadcastUserReload(reload bus.UserReload) {
	b.publishEvent(bus.EventUserReload, reload)
	b.Local.BroadcastUserReload(reload)
}

func (b *Broker) BroadcastRankingUpdate(update bus.RankingUpdate) {
	b.publishEvent(bus.EventRankingUpdate, update)
	b.Local.BroadcastRankingUpdate(update)
}

func (b *Broker) SetCooldownFactor(factor float64) {
	b.publishEvent(bus.EventCooldownFactor, factor)
	b.Local.SetCooldownFactor(factor)
}

func (b *Broker) Online() wire.OnlineCounter {
	return b.aggregateOnline()
}

// Primary reports whether this shard holds the cluster-singleton duties:
// it does when it has reported its own online counter and its name sorts
// before every live peer that has reported one. A freshly started shard is
// never primary until its first counter, the same yardstick peers are
// measured by. Two shards can both believe they are primary for up to a
// beacon interval during churn; singleton jobs must tolerate duplicate runs.
func (b *Broker) Primary() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	if !b.hasLocalOnline {
		return false
	}
	for name, st := range b.shards {
		if st.hasOnline && name < b.shard {
			return false
		}
	}
	return true
}

// LeastLoadedShard names the live shard with the fewest online users, or ""
// when this shard is it.
func (b *Broker) LeastLoadedShard() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	best := ""
	min := b.localOnline.Total
	for name, st := range b.shards {
		if !st.hasOnline {
			continue
		}
		if st.online.Total < min || (st.online.Total == min && best != "" && name < best) {
			best = name
			min = st.online.Total
		}
	}
	return best
}

// Request scatter-gathers a query across every live shard, itself included,
// and returns the associative merge of all answers.
func (b *Broker) Request(ctx context.Context, typ string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, xerrors.Errorf("marshal request args: %w", err)
	}

	b.mut.Lock()
	expected := 1 + len(b.shards)
	b.mut.Unlock()

	id := uuid.New()
	p := b.gather.start(id, expected)

	go func() {
		b.gather.deliver(id, b.answer(ctx, typ, raw))
	}()
	b.publishEvent(eventRequest, requestEnvelope{ID: id, Type: typ, Args: raw})

	return b.gather.await(ctx, id, p)
}

func (b *Broker) handleRequest(ctx context.Context, from string, payload []byte) {
	var env requestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn(ctx, "decode cluster request", slog.F("from", from), slog.Error(err))
		return
	}
	resp := "res:" + env.ID.String() + "," + string(b.answer(ctx, env.Type, env.Args))
	if err := b.ps.Publish(listenPrefix+from, []byte(resp)); err != nil {
		b.logger.Warn(ctx, "publish request response", slog.F("to", from), slog.Error(err))
	}
}

// answer runs this shard's handler for a query. Shards without a handler,
// or whose handler fails, contribute null so the requester's expected count
// still settles.
func (b *Broker) answer(ctx context.Context, typ string, args []byte) []byte {
	null := []byte("null")
	handler := b.Local.Handler(typ)
	if handler == nil {
		return null
	}
	ret, err := handler(ctx, args)
	if err != nil {
		b.logger.Warn(ctx, "request handler failed", slog.F("type", typ), slog.Error(err))
		return null
	}
	out, err := json.Marshal(ret)
	if err != nil {
		b.logger.Warn(ctx, "marshal request response", slog.F("type", typ), slog.Error(err))
		return null
	}
	return out
}

func (b *Broker) unsubscribeAll() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.mut.Lock()
	for name, st := range b.shards {
		st.cancel()
		delete(b.shards, name)
	}
	b.mut.Unlock()
}

// Close stops announcing and detaches from the cluster channels. The
// underlying pubsub stays open; its owner closes it.
func (b *Broker) Close() error {
	b.cancel()
	<-b.closed
	b.unsubscribeAll()
	return b.Local.Close()
}
