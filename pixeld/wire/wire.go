// Package wire implements the binary frames spoken on client websockets and
// on the cluster's per-shard channels. Byte 0 of every frame is the opcode;
// multi-byte integers are big-endian except the multi-chunk id lists, which
// are little-endian for historical reasons.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"golang.org/x/xerrors"

	"github.com/pixelplace/pixeld/pixeld/canvas"
)

// Opcodes. Values are part of the client contract and must not change.
const (
	OpRegisterCanvas   = 0xA0
	OpRegisterChunk    = 0xA1
	OpDeregisterChunk  = 0xA2
	OpRegisterMChunks  = 0xA3
	OpDeregisterMChunk = 0xA4
	OpChangeMe         = 0xA6
	OpOnlineCounter    = 0xA7
	OpPing             = 0xB0
	OpPixelUpdate      = 0xC1
	OpCoolDown         = 0xC2
	OpPixelReturn      = 0xC3
	OpChunkUpdateMB    = 0xC4
	OpPixelUpdateMB    = 0xC5
	OpCaptchaReturn    = 0xC6
)

// MaxPixelsPerRequest caps how many pixels a single placement frame may
// carry; anything beyond it is silently ignored.
const MaxPixelsPerRequest = 500

// Pixel is one offset/color pair within a chunk.
type Pixel struct {
	Offset uint32
	Color  uint8
}

// OnlineCounter is the per-canvas online user tally carried by the
// OnlineCounter frame and aggregated across shards.
type OnlineCounter struct {
	Total    uint16
	ByCanvas map[uint8]uint16
}

// Clone returns a deep copy.
func (o OnlineCounter) Clone() OnlineCounter {
	c := OnlineCounter{Total: o.Total, ByCanvas: make(map[uint8]uint16, len(o.ByCanvas))}
	for k, v := range o.ByCanvas {
		c.ByCanvas[k] = v
	}
	return c
}

// ParseRegisterCanvas decodes a RegisterCanvas frame.
func ParseRegisterCanvas(data []byte) (uint8, error) {
	if len(data) < 2 {
		return 0, xerrors.New("register canvas: frame too short")
	}
	return data[1], nil
}

// ParseRegisterChunk decodes a RegisterChunk or DeregisterChunk frame.
func ParseRegisterChunk(data []byte) (canvas.ChunkID, error) {
	if len(data) < 3 {
		return 0, xerrors.New("register chunk: frame too short")
	}
	return canvas.ChunkID(uint16(data[1])<<8 | uint16(data[2])), nil
}

// ParseMChunks decodes the little-endian chunk id list of a multi-chunk
// (de)registration frame, calling fn for each id.
func ParseMChunks(data []byte, fn func(canvas.ChunkID)) {
	pos := 2
	for pos+1 < len(data) {
		id := canvas.ChunkID(uint16(data[pos]) | uint16(data[pos+1])<<8)
		pos += 2
		fn(id)
	}
}

// ParsePixelUpdate decodes a client placement request. Pixels are packed
// back-to-front after the chunk coordinates, mirroring the client encoder.
func ParsePixelUpdate(data []byte) (i, j uint8, pixels []Pixel, err error) {
	if len(data) < 3 {
		return 0, 0, nil, xerrors.New("pixel update: frame too short")
	}
	i = data[1]
	j = data[2]
	off := len(data)
	for off > 3 && len(pixels) < MaxPixelsPerRequest {
		if off-4 < 3 {
			return 0, 0, nil, xerrors.New("pixel update: truncated pixel")
		}
		color := data[off-1]
		offset := uint32(data[off-4])<<16 | uint32(binary.BigEndian.Uint16(data[off-3:off-1]))
		pixels = append(pixels, Pixel{Offset: offset, Color: color})
		off -= 4
	}
	return i, j, pixels, nil
}

// PixelUpdate encodes the server→client broadcast of accepted pixels.
// pixels is the raw offset/color pair buffer as stored in the update event.
func PixelUpdate(i, j uint8, pixels []byte) []byte {
	buf := make([]byte, 0, 3+len(pixels))
	buf = append(buf, OpPixelUpdate, i, j)
	return append(buf, pixels...)
}

// PackPixels encodes accepted pixels into the raw pair buffer carried by
// pixel-update events and frames.
func PackPixels(pixels []Pixel) []byte {
	buf := make([]byte, 0, len(pixels)*4)
	for _, p := range pixels {
		buf = append(buf, byte(p.Offset>>16), byte(p.Offset>>8), byte(p.Offset), p.Color)
	}
	return buf
}

// PixelUpdateMB encodes the broker's shard-channel pixel update, which
// additionally carries the canvas id.
func PixelUpdateMB(canvasID uint8, i, j uint8, pixels []byte) []byte {
	buf := make([]byte, 0, 4+len(pixels))
	buf = append(buf, OpPixelUpdateMB, canvasID, i, j)
	return append(buf, pixels...)
}

// ParsePixelUpdateMB splits a shard-channel pixel update into the canvas id,
// chunk id and a freshly allocated client-ready PixelUpdate frame. The input
// is left untouched; pubsub layers may hand the same buffer to several
// listeners.
func ParsePixelUpdateMB(data []byte) (canvasID uint8, chunk canvas.ChunkID, frame []byte, err error) {
	if len(data) < 4 {
		return 0, 0, nil, xerrors.New("pixel update mb: frame too short")
	}
	canvasID = data[1]
	chunk = canvas.NewChunkID(data[2], data[3])
	frame = make([]byte, len(data)-1)
	frame[0] = OpPixelUpdate
	copy(frame[1:], data[2:])
	return canvasID, chunk, frame, nil
}

// ChunkUpdateMB encodes the broker's chunk-update notification.
func ChunkUpdateMB(canvasID uint8, chunk canvas.ChunkID) []byte {
	return []byte{OpChunkUpdateMB, canvasID, chunk.I(), chunk.J()}
}

// ParseChunkUpdateMB decodes a shard-channel chunk update.
func ParseChunkUpdateMB(data []byte) (canvasID uint8, chunk canvas.ChunkID, err error) {
	if len(data) < 4 {
		return 0, 0, xerrors.New("chunk update mb: frame too short")
	}
	return data[1], canvas.NewChunkID(data[2], data[3]), nil
}

// CoolDown encodes the wait a client has to observe, in milliseconds.
func CoolDown(waitMs uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = OpCoolDown
	binary.BigEndian.PutUint32(buf[1:], waitMs)
	return buf
}

// PixelReturn encodes the placement response.
func PixelReturn(code uint8, waitMs uint32, cooldownMs int64, accepted, rankedAccepted uint8) []byte {
	buf := make([]byte, 10)
	buf[0] = OpPixelReturn
	buf[1] = code
	binary.BigEndian.PutUint32(buf[2:], waitMs)
	cooldownSeconds := (cooldownMs + 500) / 1000
	binary.BigEndian.PutUint16(buf[6:], uint16(int16(cooldownSeconds)))
	buf[8] = accepted
	buf[9] = rankedAccepted
	return buf
}

// ChangeMe tells the client to refetch its profile state.
func ChangeMe() []byte {
	return []byte{OpChangeMe}
}

// CaptchaReturn reports a captcha solution result.
func CaptchaReturn(code uint8) []byte {
	return []byte{OpCaptchaReturn, code}
}

// OnlineCounterFrame encodes the online counter: total first, then
// (canvasId, online) pairs.
func OnlineCounterFrame(online OnlineCounter) []byte {
	buf := make([]byte, 3, 3+len(online.ByCanvas)*3)
	buf[0] = OpOnlineCounter
	binary.BigEndian.PutUint16(buf[1:], online.Total)
	for id, cnt := range online.ByCanvas {
		var pair [3]byte
		pair[0] = id
		binary.BigEndian.PutUint16(pair[1:], cnt)
		buf = append(buf, pair[:]...)
	}
	return buf
}

// ParseOnlineCounter decodes an OnlineCounter frame.
func ParseOnlineCounter(data []byte) (OnlineCounter, error) {
	if len(data) < 3 || (len(data)-3)%3 != 0 {
		return OnlineCounter{}, xerrors.New("online counter: bad frame length")
	}
	online := OnlineCounter{
		Total:    binary.BigEndian.Uint16(data[1:]),
		ByCanvas: make(map[uint8]uint16),
	}
	for off := 3; off < len(data); off += 3 {
		online.ByCanvas[data[off]] = binary.BigEndian.Uint16(data[off+1:])
	}
	return online, nil
}

// TextFrame encodes a comma-separated text frame: tag, then JSON args.
func TextFrame(tag string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", xerrors.Errorf("marshal %q text frame: %w", tag, err)
	}
	return tag + "," + string(raw), nil
}

// SplitTextFrame splits an incoming text frame into tag and JSON payload.
func SplitTextFrame(text string) (tag string, payload string, err error) {
	comma := strings.IndexByte(text, ',')
	if comma < 0 {
		return "", "", xerrors.New("text frame: missing comma")
	}
	return text[:comma], text[comma+1:], nil
}
