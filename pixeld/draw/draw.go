// Package draw is the pixel placement pipeline: local validation, the
// atomic Redis placement script, the canvas buffer write and the broadcast
// to subscribed connections.
package draw

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/chunkstore"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

// stuckAfter bounds how long an in-flight marker may linger. A request that
// still holds its marker after this long leaked it (or Redis hung); the
// sweep frees the identity instead of locking it out forever.
const stuckAfter = 20 * time.Second

// Verdict is an out-of-band proxy/ban check result for an ip.
type Verdict struct {
	Status int
	TTL    time.Duration
}

// Verifier resolves the proxy/ban status of an ip that has no cached
// verdict. Implementations typically call an external proxycheck service.
type Verifier interface {
	Verify(ctx context.Context, ip string) (Verdict, error)
}

// Request is one placement attempt, already authenticated.
type Request struct {
	IP      string
	UserID  int64 // 0 for anonymous
	Country string
	// Admin bypasses every check: protected chunks, reserved colors,
	// cooldowns and placement requirements.
	Admin bool
	// Elevated (moderator) unlocks reserved colors and, when the leading
	// pixel uses one, cooldown-free placement. Protected chunks still apply.
	Elevated bool
	// ConnectedAt seeds the cooldown of identities Redis has never seen.
	ConnectedAt time.Time

	CanvasID uint8
	I, J     uint8
	Pixels   []wire.Pixel
}

func (r Request) identity() string {
	if r.UserID != 0 {
		return "id:" + strconv.FormatInt(r.UserID, 10)
	}
	return "ip:" + r.IP
}

// Result is what goes back to the client in the PixelReturn frame.
type Result struct {
	Code     uint8
	Wait     time.Duration
	Cooldown time.Duration
	// Accepted is the leading run of Pixels that were committed.
	Accepted       []wire.Pixel
	RankedAccepted int
}

// Options configures a Pipeline.
type Options struct {
	Logger   slog.Logger
	Clock    quartz.Clock
	Canvases *canvas.Store
	Ledger   *ledger.Ledger
	Chunks   *chunkstore.Store
	Bus      bus.Bus
	// Verifier may be nil; unknown ips then place unverified until an
	// operator seeds the cache.
	Verifier Verifier
	// CaptchaEnforced requires a solved-captcha marker before placing.
	CaptchaEnforced bool
}

// Pipeline serializes placements per identity and owns the global cooldown
// factor.
type Pipeline struct {
	logger          slog.Logger
	clock           quartz.Clock
	canvases        *canvas.Store
	ledger          *ledger.Ledger
	chunks          *chunkstore.Store
	bus             bus.Bus
	verifier        Verifier
	captchaEnforced bool

	// factor holds the float64 bits of the global cooldown multiplier.
	factor atomic.Uint64

	inflightMut sync.Mutex
	inflight    map[string]time.Time

	unsubFactor func()
	cancel      context.CancelFunc
	closed      chan struct{}
}

// New starts a Pipeline, subscribing it to cooldown factor events.
func New(ctx context.Context, opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		logger:          opts.Logger,
		clock:           opts.Clock,
		canvases:        opts.Canvases,
		ledger:          opts.Ledger,
		chunks:          opts.Chunks,
		bus:             opts.Bus,
		verifier:        opts.Verifier,
		captchaEnforced: opts.CaptchaEnforced,
		inflight:        make(map[string]time.Time),
		cancel:          cancel,
		closed:          make(chan struct{}),
	}
	p.factor.Store(math.Float64bits(1))
	p.unsubFactor = opts.Bus.OnCooldownFactor(p.setFactor)
	go p.sweepLoop(ctx)
	return p
}

func (p *Pipeline) setFactor(factor float64) {
	if factor <= 0 {
		return
	}
	p.factor.Store(math.Float64bits(factor))
	p.logger.Info(context.Background(), "cooldown factor changed", slog.F("factor", factor))
}

// CooldownFactor returns the current global cooldown multiplier.
func (p *Pipeline) CooldownFactor() float64 {
	return math.Float64frombits(p.factor.Load())
}

// Place runs one placement attempt end to end. The returned error is an
// internal failure only; protocol rejections come back as Result codes.
func (p *Pipeline) Place(ctx context.Context, req Request) (Result, error) {
	// The in-flight guard comes before any validation so a second request
	// racing the first cannot double-spend one cooldown budget.
	identity := req.identity()
	if !p.acquire(identity) {
		p.logger.Warn(ctx, "simultaneous placement requests",
			slog.F("identity", identity))
		return Result{Code: ledger.CodeAlreadyPlacing}, nil
	}
	defer p.release(identity)

	c := p.canvases.Get(req.CanvasID)
	if c == nil {
		return Result{Code: ledger.CodeCanvasUnknown}, nil
	}
	if int(req.I) >= c.Chunks() {
		return Result{Code: ledger.CodeChunkXOutOfRange}, nil
	}
	if int(req.J) >= c.Chunks() {
		return Result{Code: ledger.CodeChunkYOutOfRange}, nil
	}
	for _, px := range req.Pixels {
		if !c.OffsetInBounds(px.Offset) {
			return Result{Code: ledger.CodeOffsetOutOfRange}, nil
		}
	}
	for _, px := range req.Pixels {
		if !c.ColorAllowed(px.Color, req.Admin || req.Elevated) {
			return Result{Code: ledger.CodeColorOutOfRange}, nil
		}
	}
	if !req.Admin && c.ChunkProtected(req.I, req.J) {
		return Result{Code: ledger.CodeProtectedArea}, nil
	}
	if len(req.Pixels) == 0 {
		return Result{Code: ledger.CodeOK}, nil
	}

	factor := p.CooldownFactor()
	if req.Admin || (req.Elevated && req.Pixels[0].Color < c.ColorsIgnore) {
		factor = 0
	}
	bcd := time.Duration(float64(c.BaseCooldownMs)*factor) * time.Millisecond
	pcdMs := c.PixelCooldownMs
	if pcdMs == 0 {
		pcdMs = c.BaseCooldownMs
	}
	pcd := time.Duration(float64(pcdMs)*factor) * time.Millisecond
	cds := time.Duration(c.StackCooldownMs) * time.Millisecond
	// Cooldown-free placements never count toward rankings.
	ranked := c.Ranked && req.UserID != 0 && pcd > 0

	params := ledger.PlaceParams{
		IP:                      req.IP,
		UserID:                  req.UserID,
		Country:                 req.Country,
		CanvasID:                req.CanvasID,
		I:                       req.I,
		J:                       req.J,
		Offsets:                 offsetsOf(req.Pixels),
		ColorsIgnore:            c.ColorsIgnore,
		BaseCooldown:            bcd,
		PixelCooldown:           pcd,
		StackLimit:              cds,
		CooldownIfUninitialized: p.cooldownIfUninitialized(req, bcd, pcd, cds),
		Requirement:             requirementOf(c, req.Admin),
		Ranked:                  ranked,
		CaptchaEnforced:         p.captchaEnforced && !req.Admin && !req.Elevated,
	}
	if ranked {
		params.ColorTag = strconv.Itoa(int(req.CanvasID)) + ":" + strconv.Itoa(int(req.Pixels[0].Color))
	}

	res, err := p.ledger.Place(ctx, params)
	if err != nil {
		return Result{}, xerrors.Errorf("place batch: %w", err)
	}
	if res.NeedsVerification {
		p.verifyAsync(req.IP)
	}

	accepted := req.Pixels[:res.Accepted]
	if len(accepted) > 0 {
		for _, px := range accepted {
			p.chunks.SetPixel(req.CanvasID, req.I, req.J, px.Offset, px.Color)
		}
		chunk := canvas.NewChunkID(req.I, req.J)
		p.bus.BroadcastPixels(req.CanvasID, chunk, wire.PackPixels(accepted))
		p.bus.BroadcastChunkUpdate(req.CanvasID, chunk)
	}

	rankedAccepted := 0
	if ranked {
		rankedAccepted = len(accepted)
	}
	return Result{
		Code:           res.Code,
		Wait:           res.Wait,
		Cooldown:       res.Cooldown,
		Accepted:       accepted,
		RankedAccepted: rankedAccepted,
	}, nil
}

// cooldownIfUninitialized seeds the cooldown of identities whose Redis key
// is absent. Without it a reconnect (new ip, expired key) resets an
// identity's stack to zero; seeding with the stack headroom minus time
// connected makes reconnecting no cheaper than waiting. Registered users
// keep their key via the id cooldown, so they start cold, and a zero base
// cooldown (free canvases, staff placements) needs no seed at all.
func (p *Pipeline) cooldownIfUninitialized(req Request, bcd, pcd, cds time.Duration) time.Duration {
	if req.UserID != 0 || bcd == 0 {
		return 0
	}
	connected := p.clock.Now().Sub(req.ConnectedAt)
	seed := cds - pcd + time.Second - connected
	if seed < 0 {
		return 0
	}
	return seed
}

func (p *Pipeline) verifyAsync(ip string) {
	if p.verifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		verdict, err := p.verifier.Verify(ctx, ip)
		if err != nil {
			p.logger.Warn(ctx, "verify ip", slog.F("ip", ip), slog.Error(err))
			return
		}
		err = p.ledger.SetAllowedStatus(ctx, ip, verdict.Status, verdict.TTL)
		if err != nil {
			p.logger.Warn(ctx, "cache ip verdict", slog.F("ip", ip), slog.Error(err))
		}
	}()
}

func (p *Pipeline) acquire(identity string) bool {
	now := p.clock.Now()
	p.inflightMut.Lock()
	defer p.inflightMut.Unlock()
	since, ok := p.inflight[identity]
	if ok && now.Sub(since) < stuckAfter {
		return false
	}
	p.inflight[identity] = now
	return true
}

func (p *Pipeline) release(identity string) {
	p.inflightMut.Lock()
	defer p.inflightMut.Unlock()
	delete(p.inflight, identity)
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	defer close(p.closed)
	ticker := p.clock.NewTicker(stuckAfter, "draw", "sweep")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.clock.Now()
			p.inflightMut.Lock()
			for id, since := range p.inflight {
				if now.Sub(since) >= stuckAfter {
					delete(p.inflight, id)
					p.logger.Warn(ctx, "purged stuck placement marker",
						slog.F("identity", id))
				}
			}
			p.inflightMut.Unlock()
		}
	}
}

// Close stops the sweep loop and unsubscribes from the bus.
func (p *Pipeline) Close() error {
	p.unsubFactor()
	p.cancel()
	<-p.closed
	return nil
}

func offsetsOf(pixels []wire.Pixel) []uint32 {
	offsets := make([]uint32, len(pixels))
	for n, px := range pixels {
		offsets[n] = px.Offset
	}
	return offsets
}

func requirementOf(c *canvas.Canvas, admin bool) ledger.Requirement {
	switch {
	case admin:
		return ledger.RequireNone
	case c.Requirement == canvas.RequirementPrevDayTop:
		return ledger.RequirePrevDayTop
	case c.Requirement >= 0:
		return ledger.RequirePixels(c.Requirement)
	default:
		return ledger.RequireNone
	}
}
