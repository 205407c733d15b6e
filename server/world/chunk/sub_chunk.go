package chunk

// SubChunk is a 16x16x16 cube of blocks within a Chunk. Block storage is
// allocated lazily: a SubChunk that was never written to holds no block slice
// and reads as filled with air.
type SubChunk struct {
	air    uint32
	blocks []uint32
}

// NewSubChunk creates a new sub-chunk filled with the air block passed.
func NewSubChunk(air uint32) *SubChunk {
	return &SubChunk{air: air}
}

// Empty checks if the SubChunk holds no blocks other than air.
func (s *SubChunk) Empty() bool {
	if s == nil || s.blocks == nil {
		return true
	}
	for _, b := range s.blocks {
		if b != s.air {
			return false
		}
	}
	return true
}

// Block returns the runtime ID of the block located at the position within the
// sub-chunk. X, y and z must all be in the range 0-15.
func (s *SubChunk) Block(x, y, z byte) uint32 {
	if s == nil || s.blocks == nil {
		return s.airOrZero()
	}
	return s.blocks[blockIndex(x, y, z)]
}

// SetBlock sets the runtime ID of a block at a position within the sub-chunk.
// X, y and z must all be in the range 0-15.
func (s *SubChunk) SetBlock(x, y, z byte, rid uint32) {
	if s.blocks == nil {
		if rid == s.air {
			return
		}
		s.blocks = make([]uint32, 4096)
		for i := range s.blocks {
			s.blocks[i] = s.air
		}
	}
	s.blocks[blockIndex(x, y, z)] = rid
}

// Clone returns a deep copy of the SubChunk.
func (s *SubChunk) Clone() *SubChunk {
	if s == nil {
		return nil
	}
	c := &SubChunk{air: s.air}
	if s.blocks != nil {
		c.blocks = make([]uint32, len(s.blocks))
		copy(c.blocks, s.blocks)
	}
	return c
}

func (s *SubChunk) airOrZero() uint32 {
	if s == nil {
		return 0
	}
	return s.air
}

// blockIndex converts a position within a sub-chunk to an index into its block
// slice.
func blockIndex(x, y, z byte) uint16 {
	return uint16(x)<<8 | uint16(z)<<4 | uint16(y)
}
