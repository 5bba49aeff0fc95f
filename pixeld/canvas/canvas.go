// Package canvas holds the immutable canvas descriptors and the chunk
// geometry shared by the draw pipeline, the socket server and the wire
// protocol.
package canvas

import (
	"encoding/json"
	"os"
	"sort"

	"golang.org/x/xerrors"
)

const (
	// TileSize is the side length of a 2-D chunk in pixels.
	TileSize = 256
	// ThreeTileSize is the side length of a 3-D chunk in blocks.
	ThreeTileSize = 32
	// ThreeCanvasHeight is the vertical extent of a 3-D canvas.
	ThreeCanvasHeight = 128
)

// Requirement values with special meaning. Any other non-negative value is
// the minimum total ranked pixel count needed to place on the canvas.
const (
	RequirementNone       = -1
	RequirementPrevDayTop = -2
)

// Color is an RGB palette entry.
type Color [3]uint8

// ChunkRange is an inclusive rectangle of protected chunk coordinates that
// only privileged users may draw into.
type ChunkRange struct {
	MinI uint8 `json:"minI"`
	MaxI uint8 `json:"maxI"`
	MinJ uint8 `json:"minJ"`
	MaxJ uint8 `json:"maxJ"`
}

// Canvas describes one pixel grid. Descriptors are immutable after load;
// the only runtime-adjustable placement parameter is the global cooldown
// factor, which lives in the draw pipeline.
type Canvas struct {
	ID    uint8  `json:"id"`
	Ident string `json:"ident"`
	Title string `json:"title"`
	// Size is the side length in pixels and must be a power of two.
	Size int `json:"size"`
	// Colors is the palette; a pixel stores its palette index.
	Colors []Color `json:"colors"`
	// ColorsIgnore is the number of leading palette entries reserved for
	// unset ground colors. Regular users may not place them.
	ColorsIgnore uint8 `json:"cli"`
	// BaseCooldownMs applies when placing on a blank pixel,
	// PixelCooldownMs when overwriting an already set one (falls back to
	// BaseCooldownMs if zero).
	BaseCooldownMs  int64 `json:"bcd"`
	PixelCooldownMs int64 `json:"pcd"`
	// StackCooldownMs is the maximum cooldown an identity can accumulate
	// before further pixels are rejected.
	StackCooldownMs int64 `json:"cds"`
	// Requirement gates who may place, see the Requirement constants.
	Requirement int  `json:"req"`
	Ranked      bool `json:"ranked"`
	ThreeD      bool `json:"v"`
	// ProtectedChunks are sub-areas only admins can modify.
	ProtectedChunks []ChunkRange `json:"protectedChunks,omitempty"`
}

// TileSizeOf returns the chunk side length for the canvas dimensionality.
func (c *Canvas) TileSizeOf() int {
	if c.ThreeD {
		return ThreeTileSize
	}
	return TileSize
}

// Chunks returns the number of chunks along one axis.
func (c *Canvas) Chunks() int {
	return c.Size / c.TileSizeOf()
}

// ChunkArea is the number of pixels stored per chunk.
func (c *Canvas) ChunkArea() int {
	ts := c.TileSizeOf()
	if c.ThreeD {
		return ts * ts * ThreeCanvasHeight
	}
	return ts * ts
}

// ChunkInBounds reports whether chunk coordinates address the canvas.
// Coordinates arrive as unsigned bytes so only the upper bound matters.
func (c *Canvas) ChunkInBounds(i, j uint8) bool {
	n := c.Chunks()
	return int(i) < n && int(j) < n
}

// OffsetInBounds reports whether a pixel offset addresses the chunk.
func (c *Canvas) OffsetInBounds(offset uint32) bool {
	return int(offset) < c.ChunkArea()
}

// ColorAllowed reports whether the color index may be placed by a user with
// the given privilege. Elevated users bypass the reserved ground colors; on
// 3-D canvases color zero (air) is placeable by anyone.
func (c *Canvas) ColorAllowed(color uint8, elevated bool) bool {
	if int(color) >= len(c.Colors) {
		return false
	}
	if color < c.ColorsIgnore && !elevated {
		return c.ThreeD && color == 0
	}
	return true
}

// ChunkProtected reports whether the chunk lies in a protected range.
func (c *Canvas) ChunkProtected(i, j uint8) bool {
	for _, r := range c.ProtectedChunks {
		if i >= r.MinI && i <= r.MaxI && j >= r.MinJ && j <= r.MaxJ {
			return true
		}
	}
	return false
}

// Store is the set of canvases loaded at process start.
type Store struct {
	byID map[uint8]*Canvas
	ids  []uint8
}

// Load reads canvas descriptors from a JSON file keyed by canvas id.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read canvases file: %w", err)
	}
	var canvases []*Canvas
	if err := json.Unmarshal(raw, &canvases); err != nil {
		return nil, xerrors.Errorf("parse canvases file: %w", err)
	}
	return NewStore(canvases...)
}

// NewStore builds a Store from descriptors, validating them.
func NewStore(canvases ...*Canvas) (*Store, error) {
	s := &Store{byID: make(map[uint8]*Canvas)}
	for _, c := range canvases {
		if c.Size <= 0 || c.Size&(c.Size-1) != 0 {
			return nil, xerrors.Errorf("canvas %d: size %d is not a power of two", c.ID, c.Size)
		}
		if c.Size%c.TileSizeOf() != 0 || c.Size < c.TileSizeOf() {
			return nil, xerrors.Errorf("canvas %d: size %d not divisible into chunks", c.ID, c.Size)
		}
		if len(c.Colors) == 0 {
			return nil, xerrors.Errorf("canvas %d: empty palette", c.ID)
		}
		if _, ok := s.byID[c.ID]; ok {
			return nil, xerrors.Errorf("duplicate canvas id %d", c.ID)
		}
		if c.Requirement == 0 {
			c.Requirement = RequirementNone
		}
		s.byID[c.ID] = c
		s.ids = append(s.ids, c.ID)
	}
	sort.Slice(s.ids, func(a, b int) bool { return s.ids[a] < s.ids[b] })
	return s, nil
}

// Get returns the canvas with the given id, or nil.
func (s *Store) Get(id uint8) *Canvas {
	return s.byID[id]
}

// IDs returns all canvas ids in ascending order.
func (s *Store) IDs() []uint8 {
	return s.ids
}
