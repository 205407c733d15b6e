package chunk

// Range represents the vertical range of a chunk in blocks. Both values are
// inclusive, so a Range of [0, 255] covers 256 blocks and 16 sub-chunks.
type Range [2]int

// Min returns the lowest block Y within the Range.
func (r Range) Min() int {
	return r[0]
}

// Max returns the highest block Y within the Range.
func (r Range) Max() int {
	return r[1]
}

// Height returns the total height of the Range in blocks.
func (r Range) Height() int {
	return r[1] - r[0] + 1
}
