// Package pixeld assembles the canvas server: the draw pipeline, the chunk
// store, the socket server and, when a cluster pubsub is configured, the
// shard broker.
package pixeld

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/chunkstore"
	"github.com/pixelplace/pixeld/pixeld/cluster"
	"github.com/pixelplace/pixeld/pixeld/draw"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/pixeld/pubsub"
	"github.com/pixelplace/pixeld/pixeld/ranks"
	"github.com/pixelplace/pixeld/pixeld/ratelimit"
	"github.com/pixelplace/pixeld/pixeld/socketserv"
)

// shardListRequest is the scatter-gather query behind /api/shards.
const shardListRequest = "shards"

// Default socket frame budget: sustained frame rates above roughly one per
// tick over the burst window trip the limiter.
const (
	defaultLimiterTick  = 20 * time.Millisecond
	defaultLimiterBurst = 15 * time.Second
)

// Options configures a Server. Logger, Canvases and RedisClient are
// required.
type Options struct {
	Logger      slog.Logger
	Clock       quartz.Clock
	Canvases    *canvas.Store
	RedisClient *redis.Client

	// ClusterPubsub enables the cross-shard broker. Nil runs single-process.
	ClusterPubsub pubsub.Pubsub
	// ShardName names this process on the cluster channels.
	ShardName string

	// Bus overrides the bus entirely; used by tests.
	Bus bus.Bus

	Authenticator socketserv.Authenticator
	Captcha       socketserv.CaptchaChecker
	Channels      socketserv.ChannelAccess
	Verifier      draw.Verifier

	CaptchaEnforced bool
	OriginPatterns  []string

	LimiterTick  time.Duration
	LimiterBurst time.Duration

	PrometheusRegistry *prometheus.Registry
}

// Server is one pixeld process.
type Server struct {
	Handler http.Handler

	logger   slog.Logger
	canvases *canvas.Store
	bus      bus.Bus
	ownsBus  bool
	ledger   *ledger.Ledger
	chunks   *chunkstore.Store
	pipeline *draw.Pipeline
	limiter  *ratelimit.MassLimiter
	sockets  *socketserv.Server
	ranks    *ranks.Service
	shard    string

	unsubs []func()
	cancel context.CancelFunc
}

// New wires and starts a Server. Close releases everything it started; the
// Redis client and cluster pubsub stay owned by the caller.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Canvases == nil {
		return nil, xerrors.New("canvases are required")
	}
	if opts.RedisClient == nil {
		return nil, xerrors.New("a redis client is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.PrometheusRegistry == nil {
		opts.PrometheusRegistry = prometheus.NewRegistry()
		opts.PrometheusRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if opts.LimiterTick == 0 {
		opts.LimiterTick = defaultLimiterTick
	}
	if opts.LimiterBurst == 0 {
		opts.LimiterBurst = defaultLimiterBurst
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		logger:   opts.Logger,
		canvases: opts.Canvases,
		shard:    opts.ShardName,
		cancel:   cancel,
	}

	switch {
	case opts.Bus != nil:
		s.bus = opts.Bus
	case opts.ClusterPubsub != nil:
		broker, err := cluster.New(ctx, cluster.Options{
			Logger: opts.Logger.Named("cluster"),
			Clock:  opts.Clock,
			Pubsub: pubsub.Measure(opts.ClusterPubsub, opts.PrometheusRegistry),
			Shard:  opts.ShardName,
		})
		if err != nil {
			cancel()
			return nil, xerrors.Errorf("start cluster broker: %w", err)
		}
		s.bus = broker
		s.ownsBus = true
	default:
		s.bus = bus.NewLocal()
		s.ownsBus = true
	}

	s.ledger = ledger.New(opts.RedisClient)
	s.chunks = chunkstore.New(ctx, opts.Logger.Named("chunkstore"), opts.RedisClient, opts.Canvases, opts.Clock)
	s.pipeline = draw.New(ctx, draw.Options{
		Logger:          opts.Logger.Named("draw"),
		Clock:           opts.Clock,
		Canvases:        opts.Canvases,
		Ledger:          s.ledger,
		Chunks:          s.chunks,
		Bus:             s.bus,
		Verifier:        opts.Verifier,
		CaptchaEnforced: opts.CaptchaEnforced,
	})
	s.limiter = ratelimit.NewMass(ctx, opts.Logger.Named("ratelimit"), opts.Clock,
		opts.LimiterTick, opts.LimiterBurst, nil)
	s.sockets = socketserv.New(ctx, socketserv.Options{
		Logger:         opts.Logger.Named("socket"),
		Clock:          opts.Clock,
		Bus:            s.bus,
		Pipeline:       s.pipeline,
		Canvases:       opts.Canvases,
		Ledger:         s.ledger,
		Limiter:        s.limiter,
		Authenticator:  opts.Authenticator,
		Captcha:        opts.Captcha,
		Channels:       opts.Channels,
		OriginPatterns: opts.OriginPatterns,
		Registerer:     opts.PrometheusRegistry,
	})
	s.ranks = ranks.New(ctx, opts.Logger.Named("ranks"), opts.RedisClient, s.bus, opts.Clock)

	s.unsubs = append(s.unsubs, s.bus.HandleRequest(shardListRequest,
		func(context.Context, []byte) (any, error) {
			name := s.shard
			if name == "" {
				name = "local"
			}
			return []string{name}, nil
		}))

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		opts.PrometheusRegistry, promhttp.HandlerOpts{},
	))
	r.Handle("/api/ws", s.sockets)
	r.Get("/api/shards", s.handleShards)
	r.Get("/chunks/{canvas}/{i}/{j}", s.handleChunk)
	s.Handler = r

	return s, nil
}

// Bus exposes the event bus, mainly for tests and embedding servers.
func (s *Server) Bus() bus.Bus {
	return s.bus
}

// Pipeline exposes the draw pipeline.
func (s *Server) Pipeline() *draw.Pipeline {
	return s.pipeline
}

// handleShards answers with every live shard's name, gathered across the
// cluster, plus the shard a new client should connect to.
func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merged, err := s.bus.Request(ctx, shardListRequest, nil)
	if err != nil {
		s.logger.Warn(ctx, "gather shard list", slog.Error(err))
		http.Error(w, "shard list unavailable", http.StatusBadGateway)
		return
	}
	least := s.bus.LeastLoadedShard()
	if least == "" {
		least = s.shard
		if least == "" {
			least = "local"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(shardsResponse{
		Shards:      merged,
		LeastLoaded: least,
	})
}

type shardsResponse struct {
	Shards      json.RawMessage `json:"shards"`
	LeastLoaded string          `json:"leastLoaded"`
}

// handleChunk serves the raw chunk bitfield. Blank chunks come back as an
// empty body; the client treats any short read as ground color.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	canvasID, ok := parseByte(chi.URLParam(r, "canvas"))
	if !ok || s.canvases.Get(canvasID) == nil {
		http.NotFound(w, r)
		return
	}
	c := s.canvases.Get(canvasID)
	i, okI := parseByte(chi.URLParam(r, "i"))
	j, okJ := parseByte(chi.URLParam(r, "j"))
	if !okI || !okJ || !c.ChunkInBounds(i, j) {
		http.NotFound(w, r)
		return
	}
	buf, err := s.chunks.Get(r.Context(), canvasID, i, j)
	if err != nil {
		s.logger.Error(r.Context(), "load chunk",
			slog.F("canvas_id", canvasID), slog.F("i", i), slog.F("j", j), slog.Error(err))
		http.Error(w, "chunk unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(buf)
}

func parseByte(s string) (uint8, bool) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// Close stops every component in dependency order.
func (s *Server) Close() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	_ = s.sockets.Close()
	_ = s.ranks.Close()
	_ = s.limiter.Close()
	_ = s.pipeline.Close()
	err := s.chunks.Close()
	if s.ownsBus {
		_ = s.bus.Close()
	}
	s.cancel()
	return err
}
