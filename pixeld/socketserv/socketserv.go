// Package socketserv terminates client websockets: it authenticates
// connections, tracks which chunks each one watches and fans bus events out
// to exactly the connections that asked for them.
package socketserv

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/draw"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/pixeld/ratelimit"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

const (
	// maxConnsPerIP bounds how many sockets one address may hold open.
	maxConnsPerIP = 50
	// maxChunksPerConn caps chunk registrations per connection. Scrapers
	// subscribe to everything; crossing the cap blocks the ip cluster-wide.
	maxChunksPerConn = 20000
	overflowBlock    = time.Hour

	healthInterval = 15 * time.Second
	// staleAfter closes connections that sent nothing, not even a ping.
	staleAfter = 120 * time.Second

	onlineInterval = 20 * time.Second

	writeTimeout = 5 * time.Second
	// outQueue bounds the frames buffered for one connection's writer. A
	// receiver that cannot keep up loses frames rather than stalling fan-out.
	outQueue = 128

	// Chat pacing: sustained lines above one per chatTick drop once the
	// backlog exceeds chatBurst.
	chatTick  = 2 * time.Second
	chatBurst = 10 * time.Second
)

// Identity is the authenticated state of a connection.
type Identity struct {
	UserID  int64 // 0 for anonymous
	Name    string
	Country string
	// Admin skips placement checks entirely; Elevated (moderator) only
	// unlocks reserved colors and cooldown-free placement.
	Admin    bool
	Elevated bool
}

// Authenticator resolves the request's session to an Identity. Failure means
// the connection proceeds anonymously.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type anonymous struct{}

func (anonymous) Authenticate(*http.Request) (Identity, error) {
	return Identity{}, nil
}

// CaptchaChecker verifies a submitted captcha solution for an ip.
type CaptchaChecker interface {
	Check(ctx context.Context, ip, solution string) (bool, error)
}

// ChannelAccess reports whether a user may read a chat channel.
type ChannelAccess interface {
	CanAccess(userID, channelID int64) bool
}

type openAccess struct{}

func (openAccess) CanAccess(int64, int64) bool { return true }

type chunkKey struct {
	canvasID uint8
	chunk    canvas.ChunkID
}

// Options configures a Server.
type Options struct {
	Logger   slog.Logger
	Clock    quartz.Clock
	Bus      bus.Bus
	Pipeline *draw.Pipeline
	Canvases *canvas.Store
	Ledger   *ledger.Ledger
	Limiter  *ratelimit.MassLimiter

	// Authenticator defaults to anonymous-only.
	Authenticator Authenticator
	// Captcha may be nil; solutions are then rejected.
	Captcha CaptchaChecker
	// Channels defaults to open access.
	Channels ChannelAccess

	// OriginPatterns whitelists websocket origins; empty means same-origin
	// only.
	OriginPatterns []string

	Registerer prometheus.Registerer
}

type metrics struct {
	connections   prometheus.Gauge
	registrations prometheus.Gauge
	pixelRequests prometheus.Counter
	framesDropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixeld", Subsystem: "socket", Name: "connections",
			Help: "Open websocket connections.",
		}),
		registrations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixeld", Subsystem: "socket", Name: "chunk_registrations",
			Help: "Chunk subscriptions across all connections.",
		}),
		pixelRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixeld", Subsystem: "socket", Name: "pixel_requests_total",
			Help: "Placement requests received.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixeld", Subsystem: "socket", Name: "frames_dropped_total",
			Help: "Outbound frames dropped on slow or dead connections.",
		}),
	}
}

// Server handles /ws upgrades and owns all live connections.
type Server struct {
	logger   slog.Logger
	clock    quartz.Clock
	bus      bus.Bus
	pipeline *draw.Pipeline
	canvases *canvas.Store
	ledger   *ledger.Ledger
	limiter  *ratelimit.MassLimiter
	auth     Authenticator
	captcha  CaptchaChecker
	channels ChannelAccess
	origins  []string
	metrics  metrics

	mut      sync.RWMutex
	conns    map[*conn]struct{}
	byIP     map[string]int
	registry map[chunkKey]map[*conn]struct{}

	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
}

// New starts a Server, subscribing it to the bus and starting its sweeps.
func New(ctx context.Context, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = anonymous{}
	}
	if opts.Channels == nil {
		opts.Channels = openAccess{}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		logger:   opts.Logger,
		clock:    opts.Clock,
		bus:      opts.Bus,
		pipeline: opts.Pipeline,
		canvases: opts.Canvases,
		ledger:   opts.Ledger,
		limiter:  opts.Limiter,
		auth:     opts.Authenticator,
		captcha:  opts.Captcha,
		channels: opts.Channels,
		origins:  opts.OriginPatterns,
		metrics:  newMetrics(opts.Registerer),
		conns:    make(map[*conn]struct{}),
		byIP:     make(map[string]int),
		registry: make(map[chunkKey]map[*conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	s.unsubs = append(s.unsubs,
		opts.Bus.OnPixelUpdate(s.fanOutPixels),
		opts.Bus.OnOnlineCounter(s.fanOutOnline),
		opts.Bus.OnChatMessage(s.fanOutChat),
		opts.Bus.OnUserChatMessage(s.fanOutUserChat),
		opts.Bus.OnChannelChange(s.fanOutChannelChange),
		opts.Bus.OnUserReload(s.fanOutUserReload),
		opts.Bus.OnRateLimitTrigger(s.applyRateLimitTrigger),
	)
	go s.sweepLoop(ctx)
	return s
}

// ServeHTTP upgrades the request to a websocket and blocks until the
// connection dies.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	// Connection attempts pay into the same budget as frames, so hammering
	// the upgrade endpoint blocks the ip like any other flood.
	if s.limiter != nil && s.limiter.Tick(ip) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	s.mut.RLock()
	open := s.byIP[ip]
	s.mut.RUnlock()
	if open >= maxConnsPerIP {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug(r.Context(), "authenticate websocket",
			slog.F("ip", ip), slog.Error(err))
		identity = Identity{}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Debug(r.Context(), "accept websocket", slog.F("ip", ip), slog.Error(err))
		return
	}

	c := &conn{
		server:       s,
		ws:           ws,
		ip:           ip,
		identity:     identity,
		connectedAt:  s.clock.Now(),
		chat:         ratelimit.NewLimiter(chatTick, chatBurst),
		out:          make(chan outFrame, outQueue),
		lastActivity: s.clock.Now(),
		chunks:       make(map[canvas.ChunkID]struct{}),
	}
	s.add(c)
	defer s.remove(c)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go c.writeLoop(ctx)
	c.readLoop(ctx)
}

func (s *Server) add(c *conn) {
	s.mut.Lock()
	s.conns[c] = struct{}{}
	s.byIP[c.ip]++
	s.mut.Unlock()
	s.metrics.connections.Inc()
}

func (s *Server) remove(c *conn) {
	s.mut.Lock()
	if _, ok := s.conns[c]; !ok {
		s.mut.Unlock()
		return
	}
	delete(s.conns, c)
	s.byIP[c.ip]--
	if s.byIP[c.ip] <= 0 {
		delete(s.byIP, c.ip)
	}
	n := s.dropRegistrationsLocked(c)
	s.mut.Unlock()
	s.metrics.connections.Dec()
	s.metrics.registrations.Sub(float64(n))
}

// dropRegistrationsLocked removes all of c's chunk subscriptions and returns
// how many there were. Caller holds s.mut.
func (s *Server) dropRegistrationsLocked(c *conn) int {
	n := 0
	for chunk := range c.chunks {
		key := chunkKey{canvasID: c.canvasID, chunk: chunk}
		if set, ok := s.registry[key]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.registry, key)
			}
		}
		delete(c.chunks, chunk)
		n++
	}
	return n
}

// registerChunk subscribes c to a chunk. Idempotent. Returns false when the
// connection crossed the registration cap and must be dropped.
func (s *Server) registerChunk(c *conn, chunk canvas.ChunkID) bool {
	s.mut.Lock()
	if _, ok := c.chunks[chunk]; ok {
		s.mut.Unlock()
		return true
	}
	if len(c.chunks) >= maxChunksPerConn {
		s.mut.Unlock()
		s.logger.Warn(s.ctx, "chunk registration cap crossed",
			slog.F("ip", c.ip), slog.F("user_id", c.identity.UserID))
		// The trigger loops back through the bus, blocking the ip and
		// dropping its connections on every shard, this one included.
		s.bus.BroadcastRateLimitTrigger(bus.RateLimitTrigger{
			IP:      c.ip,
			BlockMs: overflowBlock.Milliseconds(),
		})
		return false
	}
	c.chunks[chunk] = struct{}{}
	key := chunkKey{canvasID: c.canvasID, chunk: chunk}
	set, ok := s.registry[key]
	if !ok {
		set = make(map[*conn]struct{})
		s.registry[key] = set
	}
	set[c] = struct{}{}
	s.mut.Unlock()
	s.metrics.registrations.Inc()
	return true
}

// deregisterChunk is idempotent; unknown chunks are a no-op.
func (s *Server) deregisterChunk(c *conn, chunk canvas.ChunkID) {
	s.mut.Lock()
	if _, ok := c.chunks[chunk]; !ok {
		s.mut.Unlock()
		return
	}
	delete(c.chunks, chunk)
	key := chunkKey{canvasID: c.canvasID, chunk: chunk}
	if set, ok := s.registry[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.registry, key)
		}
	}
	s.mut.Unlock()
	s.metrics.registrations.Dec()
}

// switchCanvas moves c to another canvas, dropping its subscriptions; they
// are chunk ids on the old canvas and would address the wrong tiles.
func (s *Server) switchCanvas(c *conn, canvasID uint8) {
	s.mut.Lock()
	n := s.dropRegistrationsLocked(c)
	c.canvasID = canvasID
	c.registered = true
	s.mut.Unlock()
	s.metrics.registrations.Sub(float64(n))
}

func (s *Server) fanOutPixels(ev bus.PixelUpdate) {
	frame := wire.PixelUpdate(ev.Chunk.I(), ev.Chunk.J(), ev.Pixels)
	s.mut.RLock()
	targets := make([]*conn, 0, len(s.registry[chunkKey{canvasID: ev.CanvasID, chunk: ev.Chunk}]))
	for c := range s.registry[chunkKey{canvasID: ev.CanvasID, chunk: ev.Chunk}] {
		targets = append(targets, c)
	}
	s.mut.RUnlock()
	for _, c := range targets {
		c.sendBinary(frame)
	}
}

func (s *Server) fanOutOnline(online wire.OnlineCounter) {
	frame := wire.OnlineCounterFrame(online)
	for _, c := range s.snapshot() {
		c.sendBinary(frame)
	}
}

func (s *Server) fanOutChat(msg bus.ChatMessage) {
	frame, err := wire.TextFrame("cm", msg)
	if err != nil {
		s.logger.Error(s.ctx, "encode chat frame", slog.Error(err))
		return
	}
	for _, c := range s.snapshot() {
		if s.channels.CanAccess(c.identity.UserID, msg.ChannelID) {
			c.sendText(frame)
		}
	}
}

func (s *Server) fanOutUserChat(msg bus.UserChatMessage) {
	frame, err := wire.TextFrame("cm", msg.ChatMessage)
	if err != nil {
		s.logger.Error(s.ctx, "encode chat frame", slog.Error(err))
		return
	}
	for _, c := range s.snapshot() {
		if c.identity.UserID == msg.TargetUserID {
			c.sendText(frame)
		}
	}
}

func (s *Server) fanOutChannelChange(change bus.ChannelChange) {
	tag := "rc"
	if change.Added {
		tag = "ac"
	}
	frame, err := wire.TextFrame(tag, change)
	if err != nil {
		s.logger.Error(s.ctx, "encode channel frame", slog.Error(err))
		return
	}
	for _, c := range s.snapshot() {
		if c.identity.UserID == change.UserID {
			c.sendText(frame)
		}
	}
}

func (s *Server) fanOutUserReload(reload bus.UserReload) {
	frame := wire.ChangeMe()
	for _, c := range s.snapshot() {
		if c.identity.Name != "" && c.identity.Name == reload.Name {
			c.sendBinary(frame)
		}
	}
}

// applyRateLimitTrigger enforces a cluster-wide block locally: future
// upgrades from the ip are refused and its open connections dropped.
func (s *Server) applyRateLimitTrigger(trigger bus.RateLimitTrigger) {
	if s.limiter != nil {
		s.limiter.Block(trigger.IP, trigger.Block())
	}
	for _, c := range s.snapshot() {
		if c.ip == trigger.IP {
			c.close(websocket.StatusPolicyViolation, "rate limited")
		}
	}
}

func (s *Server) snapshot() []*conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer close(s.closed)
	health := s.clock.NewTicker(healthInterval, "socketserv", "health")
	defer health.Stop()
	online := s.clock.NewTicker(onlineInterval, "socketserv", "online")
	defer online.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			s.sweepStale()
		case <-online.C:
			s.bus.BroadcastOnlineCounter(s.countOnline())
		}
	}
}

func (s *Server) sweepStale() {
	now := s.clock.Now()
	for _, c := range s.snapshot() {
		if now.Sub(c.activity()) >= staleAfter {
			s.logger.Debug(s.ctx, "closing stale connection", slog.F("ip", c.ip))
			c.close(websocket.StatusGoingAway, "idle")
		}
	}
}

// countOnline tallies unique ips, overall and per registered canvas.
func (s *Server) countOnline() wire.OnlineCounter {
	s.mut.RLock()
	defer s.mut.RUnlock()
	all := make(map[string]struct{})
	perCanvas := make(map[uint8]map[string]struct{})
	for c := range s.conns {
		all[c.ip] = struct{}{}
		if !c.registered {
			continue
		}
		ips, ok := perCanvas[c.canvasID]
		if !ok {
			ips = make(map[string]struct{})
			perCanvas[c.canvasID] = ips
		}
		ips[c.ip] = struct{}{}
	}
	online := wire.OnlineCounter{
		Total:    uint16(len(all)),
		ByCanvas: make(map[uint8]uint16, len(perCanvas)),
	}
	for id, ips := range perCanvas {
		online.ByCanvas[id] = uint16(len(ips))
	}
	return online
}

// Close drops every connection and detaches from the bus.
func (s *Server) Close() error {
	s.cancel()
	for _, unsub := range s.unsubs {
		unsub()
	}
	for _, c := range s.snapshot() {
		c.close(websocket.StatusGoingAway, "shutting down")
	}
	<-s.closed
	return nil
}

func remoteIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
