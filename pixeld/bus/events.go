// Package bus is the typed event layer between the draw pipeline, the
// socket server and the cluster transport. It replaces a string-keyed
// emitter with a closed set of event types; the event *names* below still
// appear on the cluster broadcast channel and are part of the cross-shard
// contract.
package bus

import (
	"context"
	"time"

	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/wire"
)

// Cross-shard event names.
const (
	EventPixelUpdate      = "pixelUpdate"
	EventChunkUpdate      = "chunkUpdate"
	EventOnlineCounter    = "onlineCounter"
	EventChatMessage      = "chatMessage"
	EventUserChatMessage  = "suChatMessage"
	EventAddChatChannel   = "addChatChannel"
	EventRemChatChannel   = "remChatChannel"
	EventRateLimitTrigger = "rateLimitTrigger"
	EventCooldownFactor   = "setCoolDownFactor"
	EventUserReload       = "reloadUser"
	EventRankingUpdate    = "rankingListUpdate"
)

// PixelUpdate carries the accepted pixels of one placement request.
type PixelUpdate struct {
	CanvasID uint8
	Chunk    canvas.ChunkID
	// Pixels is the packed (u24 offset, u8 color) pair buffer, ready to be
	// framed for clients.
	Pixels []byte
}

// ChunkUpdate marks a chunk dirty for downstream tile regeneration.
type ChunkUpdate struct {
	CanvasID uint8
	Chunk    canvas.ChunkID
}

// ChatMessage is a chat line fanned out to every connection with access to
// the channel.
type ChatMessage struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	ChannelID int64  `json:"channelId"`
	UserID    int64  `json:"userId"`
	Country   string `json:"country"`
}

// UserChatMessage targets all connections of a single user.
type UserChatMessage struct {
	TargetUserID int64 `json:"targetUserId"`
	ChatMessage
}

// ChannelChange notifies a user's connections that a chat channel was added
// to or removed from their profile.
type ChannelChange struct {
	UserID    int64  `json:"userId"`
	ChannelID int64  `json:"channelId"`
	Added     bool   `json:"added"`
	Name      string `json:"name,omitempty"`
	Type      int    `json:"type,omitempty"`
}

// RateLimitTrigger blocks an identity on every shard.
type RateLimitTrigger struct {
	IP      string `json:"ip"`
	BlockMs int64  `json:"blockMs"`
}

// Block returns the block duration.
func (r RateLimitTrigger) Block() time.Duration {
	return time.Duration(r.BlockMs) * time.Millisecond
}

// UserReload tells a user's connections to refetch profile state.
type UserReload struct {
	Name string `json:"name"`
}

// RankingUpdate publishes recomputed ranking lists.
type RankingUpdate struct {
	Ranking      []RankEntry `json:"ranking,omitempty"`
	DailyRanking []RankEntry `json:"dailyRanking,omitempty"`
	PrevTop      []RankEntry `json:"prevTop,omitempty"`
}

// RankEntry is one row of a ranking list.
type RankEntry struct {
	UserID int64 `json:"id"`
	Pixels int64 `json:"px"`
}

// RequestHandler answers a cross-shard query with this shard's share of the
// result. Results from all shards are merged associatively.
type RequestHandler func(ctx context.Context, args []byte) (any, error)

// Bus decouples event producers from consumers. The local implementation
// fans out in-process; the cluster broker implements the same interface and
// additionally mirrors events to and from peer shards. Callers must not need
// to know which is active.
type Bus interface {
	BroadcastPixels(canvasID uint8, chunk canvas.ChunkID, pixels []byte)
	BroadcastChunkUpdate(canvasID uint8, chunk canvas.ChunkID)
	BroadcastOnlineCounter(online wire.OnlineCounter)
	BroadcastChatMessage(msg ChatMessage)
	BroadcastUserChatMessage(msg UserChatMessage)
	BroadcastChannelChange(change ChannelChange)
	BroadcastRateLimitTrigger(trigger RateLimitTrigger)
	BroadcastUserReload(reload UserReload)
	BroadcastRankingUpdate(update RankingUpdate)
	SetCooldownFactor(factor float64)

	OnPixelUpdate(fn func(PixelUpdate)) (cancel func())
	OnChunkUpdate(fn func(ChunkUpdate)) (cancel func())
	OnOnlineCounter(fn func(wire.OnlineCounter)) (cancel func())
	OnChatMessage(fn func(ChatMessage)) (cancel func())
	OnUserChatMessage(fn func(UserChatMessage)) (cancel func())
	OnChannelChange(fn func(ChannelChange)) (cancel func())
	OnRateLimitTrigger(fn func(RateLimitTrigger)) (cancel func())
	OnCooldownFactor(fn func(float64)) (cancel func())
	OnUserReload(fn func(UserReload)) (cancel func())
	OnRankingUpdate(fn func(RankingUpdate)) (cancel func())

	// Online is the latest aggregated online counter. On a cluster bus it
	// includes every live shard's contribution.
	Online() wire.OnlineCounter
	// Primary reports whether this process holds the cluster-singleton
	// duties. Always true outside a cluster.
	Primary() bool
	// LeastLoadedShard names the shard with the fewest online users, or ""
	// for this process.
	LeastLoadedShard() string
	// Request runs a scatter-gather query across all shards and returns the
	// merged JSON result. Outside a cluster only the local handler answers.
	Request(ctx context.Context, typ string, args any) ([]byte, error)
	// HandleRequest registers this shard's answer for a query type.
	HandleRequest(typ string, handler RequestHandler) (cancel func())

	Close() error
}
