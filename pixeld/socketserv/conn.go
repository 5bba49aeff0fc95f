package socketserv

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"cdr.dev/slog"

	"github.com/pixelplace/pixeld/pixeld/bus"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/draw"
	"github.com/pixelplace/pixeld/pixeld/ledger"
	"github.com/pixelplace/pixeld/pixeld/ratelimit"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

// captchaTTL is how long one solved captcha stays valid for an ip.
const captchaTTL = 30 * time.Minute

// Captcha result codes sent in the CaptchaReturn frame.
const (
	captchaOK          = 0
	captchaWrong       = 1
	captchaUnavailable = 2
)

type conn struct {
	server      *Server
	ws          *websocket.Conn
	ip          string
	identity    Identity
	connectedAt time.Time
	// chat paces this connection's chat messages; excess lines are dropped
	// silently like the upstream client expects.
	chat *ratelimit.Limiter
	// out is drained by the connection's write loop. Senders never block on
	// the socket; overflow frames are dropped.
	out chan outFrame

	// canvasID, registered and chunks are written by the read loop only;
	// cross-goroutine readers go through server.mut.
	canvasID   uint8
	registered bool
	chunks     map[canvas.ChunkID]struct{}

	actMut       sync.Mutex
	lastActivity time.Time

	closeOnce sync.Once
}

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

func (c *conn) touch() {
	now := c.server.clock.Now()
	c.actMut.Lock()
	c.lastActivity = now
	c.actMut.Unlock()
}

func (c *conn) activity() time.Time {
	c.actMut.Lock()
	defer c.actMut.Unlock()
	return c.lastActivity
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) readLoop(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "")
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		c.touch()
		if c.server.limiter != nil && c.server.limiter.Tick(c.ip) {
			c.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if !c.handleBinary(ctx, data) {
				c.close(websocket.StatusPolicyViolation, "subscription cap")
				return
			}
		case websocket.MessageText:
			c.handleText(ctx, string(data))
		}
	}
}

// handleBinary dispatches one client frame. A false return drops the
// connection.
func (c *conn) handleBinary(ctx context.Context, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	switch data[0] {
	case wire.OpRegisterCanvas:
		id, err := wire.ParseRegisterCanvas(data)
		if err != nil {
			return true
		}
		c.handleRegisterCanvas(ctx, id)
	case wire.OpRegisterChunk:
		chunk, err := wire.ParseRegisterChunk(data)
		if err != nil {
			return true
		}
		return c.register(chunk)
	case wire.OpDeregisterChunk:
		chunk, err := wire.ParseRegisterChunk(data)
		if err != nil {
			return true
		}
		c.server.deregisterChunk(c, chunk)
	case wire.OpRegisterMChunks:
		ok := true
		wire.ParseMChunks(data, func(chunk canvas.ChunkID) {
			if ok {
				ok = c.register(chunk)
			}
		})
		return ok
	case wire.OpDeregisterMChunk:
		wire.ParseMChunks(data, func(chunk canvas.ChunkID) {
			c.server.deregisterChunk(c, chunk)
		})
	case wire.OpPixelUpdate:
		c.handlePixelUpdate(ctx, data)
	case wire.OpPing:
		// touch already happened; pings only keep the connection fresh.
	}
	return true
}

func (c *conn) handleRegisterCanvas(ctx context.Context, id uint8) {
	if c.server.canvases.Get(id) == nil {
		return
	}
	c.server.switchCanvas(c, id)
	cooldown, err := c.server.ledger.Cooldown(ctx, id, c.ip, c.identity.UserID)
	if err != nil {
		c.server.logger.Warn(ctx, "read cooldown on canvas register",
			slog.F("ip", c.ip), slog.Error(err))
		return
	}
	c.sendBinary(wire.CoolDown(uint32(cooldown.Milliseconds())))
}

func (c *conn) register(chunk canvas.ChunkID) bool {
	if !c.registered {
		return true
	}
	cv := c.server.canvases.Get(c.canvasID)
	if cv == nil || !cv.ChunkInBounds(chunk.I(), chunk.J()) {
		return true
	}
	return c.server.registerChunk(c, chunk)
}

func (c *conn) handlePixelUpdate(ctx context.Context, data []byte) {
	c.server.metrics.pixelRequests.Inc()
	if !c.registered {
		c.sendBinary(wire.PixelReturn(ledger.CodeCanvasUnknown, 0, 0, 0, 0))
		return
	}
	i, j, pixels, err := wire.ParsePixelUpdate(data)
	if err != nil {
		c.sendBinary(wire.PixelReturn(ledger.CodeOffsetOutOfRange, 0, 0, 0, 0))
		return
	}
	res, err := c.server.pipeline.Place(ctx, draw.Request{
		IP:          c.ip,
		UserID:      c.identity.UserID,
		Country:     c.identity.Country,
		Admin:       c.identity.Admin,
		Elevated:    c.identity.Elevated,
		ConnectedAt: c.connectedAt,
		CanvasID:    c.canvasID,
		I:           i,
		J:           j,
		Pixels:      pixels,
	})
	if err != nil {
		c.server.logger.Error(ctx, "place pixels",
			slog.F("ip", c.ip), slog.F("canvas_id", c.canvasID), slog.Error(err))
		return
	}
	c.sendBinary(wire.PixelReturn(
		res.Code,
		uint32(res.Wait.Milliseconds()),
		res.Cooldown.Milliseconds(),
		uint8(len(res.Accepted)),
		uint8(res.RankedAccepted),
	))
}

func (c *conn) handleText(ctx context.Context, text string) {
	tag, payload, err := wire.SplitTextFrame(text)
	if err != nil {
		return
	}
	switch tag {
	case "cm":
		c.handleChat(payload)
	case "cs":
		c.handleCaptcha(ctx, payload)
	}
}

func (c *conn) handleChat(payload string) {
	if c.identity.UserID == 0 {
		return
	}
	if c.chat.Tick(c.server.clock.Now()) {
		return
	}
	var msg struct {
		ChannelID int64  `json:"channelId"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Message == "" {
		return
	}
	if !c.server.channels.CanAccess(c.identity.UserID, msg.ChannelID) {
		return
	}
	c.server.bus.BroadcastChatMessage(busChatMessage(c.identity, msg.ChannelID, msg.Message))
}

func (c *conn) handleCaptcha(ctx context.Context, payload string) {
	var solution string
	if err := json.Unmarshal([]byte(payload), &solution); err != nil {
		return
	}
	if c.server.captcha == nil {
		c.sendBinary(wire.CaptchaReturn(captchaUnavailable))
		return
	}
	ok, err := c.server.captcha.Check(ctx, c.ip, solution)
	if err != nil {
		c.server.logger.Warn(ctx, "check captcha", slog.F("ip", c.ip), slog.Error(err))
		c.sendBinary(wire.CaptchaReturn(captchaUnavailable))
		return
	}
	if !ok {
		c.sendBinary(wire.CaptchaReturn(captchaWrong))
		return
	}
	if err := c.server.ledger.SetCaptchaSolved(ctx, c.ip, captchaTTL); err != nil {
		c.server.logger.Warn(ctx, "mark captcha solved", slog.F("ip", c.ip), slog.Error(err))
		c.sendBinary(wire.CaptchaReturn(captchaUnavailable))
		return
	}
	c.sendBinary(wire.CaptchaReturn(captchaOK))
}

func busChatMessage(id Identity, channelID int64, message string) bus.ChatMessage {
	country := id.Country
	if country == "" {
		country = "xx"
	}
	return bus.ChatMessage{
		Name:      id.Name,
		Message:   message,
		ChannelID: channelID,
		UserID:    id.UserID,
		Country:   country,
	}
}

func (c *conn) sendBinary(frame []byte) {
	c.send(websocket.MessageBinary, frame)
}

func (c *conn) sendText(frame string) {
	c.send(websocket.MessageText, []byte(frame))
}

func (c *conn) send(typ websocket.MessageType, data []byte) {
	select {
	case c.out <- outFrame{typ: typ, data: data}:
	default:
		c.server.metrics.framesDropped.Inc()
	}
}

// writeLoop owns the socket's write side. A write that cannot finish within
// writeTimeout marks the connection dead; the read loop then cleans up.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, frame.typ, frame.data)
			cancel()
			if err != nil {
				c.server.metrics.framesDropped.Inc()
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}
