package canvas

// ChunkID packs chunk coordinates into the single integer used as the
// subscription and broadcast key: i in the high byte, j in the low byte.
type ChunkID uint16

// NewChunkID packs (i, j).
func NewChunkID(i, j uint8) ChunkID {
	return ChunkID(uint16(i)<<8 | uint16(j))
}

// I returns the horizontal chunk coordinate.
func (c ChunkID) I() uint8 { return uint8(c >> 8) }

// J returns the vertical chunk coordinate.
func (c ChunkID) J() uint8 { return uint8(c & 0xff) }

// ChunkOfPixel returns the chunk coordinates containing a world pixel.
// World coordinates are centered, so (0,0) sits in the middle of the canvas.
func (c *Canvas) ChunkOfPixel(x, y, z int) (uint8, uint8) {
	ts := c.TileSizeOf()
	width := y
	if c.ThreeD {
		width = z
	}
	i := (x + c.Size/2) / ts
	j := (width + c.Size/2) / ts
	return uint8(i), uint8(j)
}

// OffsetOfPixel returns the offset of a world pixel within its chunk. On
// 3-D canvases y is the vertical axis folded into the high bits.
func (c *Canvas) OffsetOfPixel(x, y, z int) uint32 {
	ts := c.TileSizeOf()
	width := y
	offset := 0
	if c.ThreeD {
		width = z
		offset = y * ts * ts
	}
	mo := mod(c.Size/2, ts)
	cx := mod(x+mo, ts)
	cy := mod(width+mo, ts)
	offset += cy*ts + cx
	return uint32(offset)
}

// PixelFromChunkOffset converts a chunk offset back to world coordinates.
// On 3-D canvases the height axis was folded into the high bits of the
// offset and is returned as z; on 2-D canvases z is always zero.
func (c *Canvas) PixelFromChunkOffset(i, j uint8, offset uint32) (x, y, z int) {
	ts := c.TileSizeOf()
	cx := int(offset) % ts
	off := int(offset) - cx
	cy := off % (ts * ts)
	if c.ThreeD {
		z = (off - cy) / ts / ts
	}
	cy /= ts

	dev := c.Size / 2 / ts
	x = (int(i)-dev)*ts + cx
	y = (int(j)-dev)*ts + cy
	return x, y, z
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
