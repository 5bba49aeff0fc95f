// Package ledger talks to the shared Redis that arbitrates pixel
// placements. A single server-evaluated script checks bans, captcha and the
// canvas requirement, accumulates cooldown for the batch and bumps the
// ranking sets, all in one atomic round trip. Without that atomicity two
// concurrent requests from the same identity could both read a cold
// cooldown and double-spend.
package ledger

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// Result codes returned to clients. Values are a client contract: 0 is full
// acceptance, single digits are retriable (cooldown/stack exhaustion),
// anything >= 10 is terminal until the user acts.
const (
	CodeOK               uint8 = 0
	CodeCanvasUnknown    uint8 = 1
	CodeChunkXOutOfRange uint8 = 2
	CodeChunkYOutOfRange uint8 = 3
	CodeOffsetOutOfRange uint8 = 4
	CodeColorOutOfRange  uint8 = 5
	CodeProtectedArea    uint8 = 8
	CodeCooldown         uint8 = 9
	CodeCaptchaRequired  uint8 = 10
	CodeProxy            uint8 = 11
	CodeRequirementUnmet uint8 = 12
	CodeAlreadyPlacing   uint8 = 13
	CodeBanned           uint8 = 14
	CodeRangeBanned      uint8 = 15
)

// Terminal reports whether a code is non-retriable without user action.
func Terminal(code uint8) bool {
	return code >= 10 && code != CodeAlreadyPlacing
}

// Redis key prefixes and zset names shared with the rankings job and the
// chunk store.
const (
	AllowedCachePrefix = "isal"
	CaptchaPrefix      = "human"
	cooldownPrefix     = "cd"
	chunkPrefix        = "ch"

	RankKey        = "rank"
	DailyRankKey   = "rankd"
	CountryRankKey = "crankd"
	ColorRankKey   = "corankd"
	PrevDayTopKey  = "prankd"
)

// nope marks an unused key slot; the script treats it as absent. Mirrors
// the upstream protocol.
const nope = "nope"

//go:embed placepixel.lua
var placePixelSource string

var placePixelScript = redis.NewScript(placePixelSource)

// ChunkKey is the bitfield holding a chunk's pixels; the placement script
// reads it to distinguish blank pixels from overwrites and the chunk store
// writes accepted pixels into it.
func ChunkKey(canvasID, i, j uint8) string {
	return chunkPrefix + ":" + strconv.Itoa(int(canvasID)) +
		":" + strconv.Itoa(int(i)) + ":" + strconv.Itoa(int(j))
}

func ipCooldownKey(canvasID uint8, ip string) string {
	return cooldownPrefix + ":" + strconv.Itoa(int(canvasID)) + ":ip:" + ip
}

func idCooldownKey(canvasID uint8, userID int64) string {
	return cooldownPrefix + ":" + strconv.Itoa(int(canvasID)) + ":id:" + strconv.FormatInt(userID, 10)
}

// Requirement describes who may place on a canvas, preformatted for the
// script: "nope" (no requirement), a decimal pixel-count floor, or "top"
// (previous-day top placers only).
type Requirement string

const (
	RequireNone       Requirement = nope
	RequirePrevDayTop Requirement = "top"
)

// RequirePixels gates on total ranked pixels placed.
func RequirePixels(n int) Requirement {
	return Requirement(strconv.Itoa(n))
}

// PlaceParams is one validated placement batch.
type PlaceParams struct {
	IP      string
	UserID  int64 // 0 for anonymous
	Country string

	CanvasID uint8
	I, J     uint8
	Offsets  []uint32

	ColorsIgnore uint8
	// Effective cooldowns with the global factor already applied.
	BaseCooldown  time.Duration
	PixelCooldown time.Duration
	StackLimit    time.Duration
	// CooldownIfUninitialized seeds the cooldown of identities whose key is
	// absent, blunting reconnect abuse.
	CooldownIfUninitialized time.Duration

	Requirement Requirement
	Ranked      bool
	// ColorTag feeds the per-color daily ranking; empty to skip.
	ColorTag string
	// CaptchaEnforced requires a solved-captcha marker for the ip.
	CaptchaEnforced bool
}

// PlaceResult is the script reply.
type PlaceResult struct {
	Code     uint8
	Accepted int
	// Wait is how long the client must wait before the next pixel; zero on
	// full acceptance.
	Wait time.Duration
	// Cooldown is the total accumulated cooldown after this batch.
	Cooldown time.Duration
	// NeedsVerification is set when no proxy/ban verdict is cached for the
	// ip; the caller should trigger an out-of-band check.
	NeedsVerification bool
}

// Ledger wraps the Redis placement script.
type Ledger struct {
	client *redis.Client
}

// New returns a Ledger on the given client.
func New(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

// Place atomically checks and commits a placement batch.
func (l *Ledger) Place(ctx context.Context, p PlaceParams) (PlaceResult, error) {
	keys := []string{
		AllowedCachePrefix + ":" + p.IP,
		nope,
		ipCooldownKey(p.CanvasID, p.IP),
		nope,
		ChunkKey(p.CanvasID, p.I, p.J),
		RankKey,
		nope,
		CountryRankKey,
		PrevDayTopKey,
		ColorRankKey,
	}
	if p.CaptchaEnforced {
		keys[1] = CaptchaPrefix + ":" + p.IP
	}
	if p.UserID != 0 {
		keys[3] = idCooldownKey(p.CanvasID, p.UserID)
	}
	if p.Ranked {
		keys[6] = DailyRankKey
	}

	userID := ""
	if p.UserID != 0 {
		userID = strconv.FormatInt(p.UserID, 10)
	}
	country := p.Country
	if country == "" {
		country = "xx"
	}
	requirement := p.Requirement
	if requirement == "" {
		requirement = RequireNone
	}
	colorTag := p.ColorTag
	if colorTag == "" {
		colorTag = "naa"
	}

	args := make([]any, 0, 9+len(p.Offsets))
	args = append(args,
		int(p.ColorsIgnore),
		p.BaseCooldown.Milliseconds(),
		p.PixelCooldown.Milliseconds(),
		p.StackLimit.Milliseconds(),
		p.CooldownIfUninitialized.Milliseconds(),
		userID,
		country,
		string(requirement),
		colorTag,
	)
	for _, off := range p.Offsets {
		args = append(args, int64(off))
	}

	reply, err := placePixelScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return PlaceResult{}, xerrors.Errorf("run placement script: %w", err)
	}
	if len(reply) != 5 {
		return PlaceResult{}, xerrors.Errorf("placement script returned %d values, want 5", len(reply))
	}
	return PlaceResult{
		Code:              uint8(reply[0]),
		Accepted:          int(reply[1]),
		Wait:              time.Duration(reply[2]) * time.Millisecond,
		Cooldown:          time.Duration(reply[3]) * time.Millisecond,
		NeedsVerification: reply[4] != 0,
	}, nil
}

// Cached proxy/ban verdicts. The placement script reads these from the
// allowed-cache key; a missing key asks the caller to verify out of band.
const (
	StatusAllowed     = 0
	StatusProxy       = 1
	StatusBanned      = 2
	StatusRangeBanned = 3
)

// SetAllowedStatus caches a proxy/ban verdict for an ip.
func (l *Ledger) SetAllowedStatus(ctx context.Context, ip string, status int, ttl time.Duration) error {
	err := l.client.Set(ctx, AllowedCachePrefix+":"+ip, strconv.Itoa(status), ttl).Err()
	if err != nil {
		return xerrors.Errorf("cache allowed status: %w", err)
	}
	return nil
}

// SetCaptchaSolved marks an ip as having solved a captcha for ttl.
func (l *Ledger) SetCaptchaSolved(ctx context.Context, ip string, ttl time.Duration) error {
	err := l.client.Set(ctx, CaptchaPrefix+":"+ip, "1", ttl).Err()
	if err != nil {
		return xerrors.Errorf("mark captcha solved: %w", err)
	}
	return nil
}

// CaptchaSolved reports whether an ip has a live solved-captcha marker.
func (l *Ledger) CaptchaSolved(ctx context.Context, ip string) (bool, error) {
	n, err := l.client.Exists(ctx, CaptchaPrefix+":"+ip).Result()
	if err != nil {
		return false, xerrors.Errorf("check captcha marker: %w", err)
	}
	return n > 0, nil
}

// Cooldown returns the remaining cooldown of an identity on a canvas: the
// maximum of the ip and user key TTLs.
func (l *Ledger) Cooldown(ctx context.Context, canvasID uint8, ip string, userID int64) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, ipCooldownKey(canvasID, ip)).Result()
	if err != nil {
		return 0, xerrors.Errorf("ip cooldown ttl: %w", err)
	}
	if userID != 0 {
		idTTL, err := l.client.PTTL(ctx, idCooldownKey(canvasID, userID)).Result()
		if err != nil {
			return 0, xerrors.Errorf("user cooldown ttl: %w", err)
		}
		if idTTL > ttl {
			ttl = idTTL
		}
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// SetCooldown overwrites an identity's cooldown, e.g. after moderation.
func (l *Ledger) SetCooldown(ctx context.Context, canvasID uint8, ip string, userID int64, cooldown time.Duration) error {
	err := l.client.Set(ctx, ipCooldownKey(canvasID, ip), "", cooldown).Err()
	if err != nil {
		return xerrors.Errorf("set ip cooldown: %w", err)
	}
	if userID != 0 {
		err = l.client.Set(ctx, idCooldownKey(canvasID, userID), "", cooldown).Err()
		if err != nil {
			return xerrors.Errorf("set user cooldown: %w", err)
		}
	}
	return nil
}
