// Package chunk provides the in-memory block storage of a chunk column and
// the opaque payload codec used to persist it.
package chunk

// Chunk is the block storage of a 16x16 column of blocks spanning the
// vertical Range of a world. It is not safe for concurrent use.
type Chunk struct {
	r   Range
	air uint32
	sub []*SubChunk
}

// New initialises a new chunk filled with air and returns it.
func New(air uint32, r Range) *Chunk {
	n := r.Height() >> 4
	return &Chunk{r: r, air: air, sub: make([]*SubChunk, n)}
}

// Range returns the vertical Range of the chunk as passed to New.
func (c *Chunk) Range() Range {
	return c.r
}

// Air returns the runtime ID of the air block the chunk was created with.
func (c *Chunk) Air() uint32 {
	return c.air
}

// Sub returns the sub-chunks of the chunk, ordered from bottom to top. Entries
// may be nil where no blocks were ever set.
func (c *Chunk) Sub() []*SubChunk {
	return c.sub
}

// SubY returns the lowest block Y covered by the sub-chunk at the index
// passed.
func (c *Chunk) SubY(i int) int {
	return c.r[0] + i<<4
}

// Block returns the runtime ID of the block at a position. If y is out of the
// chunk's Range, the air runtime ID is returned.
func (c *Chunk) Block(x byte, y int, z byte) uint32 {
	if y < c.r[0] || y > c.r[1] {
		return c.air
	}
	s := c.sub[(y-c.r[0])>>4]
	if s == nil {
		return c.air
	}
	return s.Block(x&15, byte((y-c.r[0])&15), z&15)
}

// SetBlock sets the runtime ID of the block at a position. Positions with y
// outside of the chunk's Range are ignored.
func (c *Chunk) SetBlock(x byte, y int, z byte, rid uint32) {
	if y < c.r[0] || y > c.r[1] {
		return
	}
	i := (y - c.r[0]) >> 4
	if c.sub[i] == nil {
		if rid == c.air {
			return
		}
		c.sub[i] = NewSubChunk(c.air)
	}
	c.sub[i].SetBlock(x&15, byte((y-c.r[0])&15), z&15, rid)
}

// Clone returns a deep copy of the chunk that may be mutated independently.
func (c *Chunk) Clone() *Chunk {
	n := &Chunk{r: c.r, air: c.air, sub: make([]*SubChunk, len(c.sub))}
	for i, s := range c.sub {
		n.sub[i] = s.Clone()
	}
	return n
}
