package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt is returned by Decode if a payload fails its integrity check or
// cannot be parsed. Payloads returning ErrCorrupt must be discarded.
var ErrCorrupt = errors.New("chunk: payload failed integrity check")

const (
	// payloadMagic identifies column payloads produced by Encode.
	payloadMagic uint32 = 0x53544331
	// payloadVersion is incremented whenever the body layout changes.
	payloadVersion byte = 1

	headerSize = 4 + 1 + 8
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	// Single-threaded encoding keeps payload bytes reproducible for identical
	// input columns.
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
}

// Encode serialises a Column into the opaque payload stored per chunk
// position. The payload carries a magic value, a format version and an
// XXH64 checksum over the zstd-compressed body, letting Decode detect
// corruption before interpreting any of the contents.
func Encode(col *Column) ([]byte, error) {
	if col.Chunk == nil {
		return nil, fmt.Errorf("encode column: column has no chunk")
	}
	body := encoder.EncodeAll(appendBody(nil, col), nil)

	p := make([]byte, 0, headerSize+len(body))
	p = binary.LittleEndian.AppendUint32(p, payloadMagic)
	p = append(p, payloadVersion)
	p = binary.LittleEndian.AppendUint64(p, xxhash.Sum64(body))
	return append(p, body...), nil
}

// Decode parses a payload produced by Encode back into a Column. Payloads
// that are truncated, carry an unknown version or fail the checksum result in
// an error wrapping ErrCorrupt.
func Decode(p []byte) (*Column, error) {
	if len(p) < headerSize {
		return nil, fmt.Errorf("decode column: %w: payload too short", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(p) != payloadMagic {
		return nil, fmt.Errorf("decode column: %w: bad magic", ErrCorrupt)
	}
	if v := p[4]; v != payloadVersion {
		return nil, fmt.Errorf("decode column: %w: unsupported version %v", ErrCorrupt, v)
	}
	sum, body := binary.LittleEndian.Uint64(p[5:]), p[headerSize:]
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("decode column: %w: checksum mismatch", ErrCorrupt)
	}
	b, err := decoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decode column: %w: %v", ErrCorrupt, err)
	}
	col, ok := readBody(&bodyReader{b: b})
	if !ok {
		return nil, fmt.Errorf("decode column: %w: malformed body", ErrCorrupt)
	}
	return col, nil
}

func appendBody(b []byte, col *Column) []byte {
	c := col.Chunk
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(c.r[0])))
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(c.r[1])))
	b = binary.LittleEndian.AppendUint32(b, c.air)

	bitmap := make([]byte, (len(c.sub)+7)/8)
	for i, s := range c.sub {
		if !s.Empty() {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	b = append(b, byte(len(c.sub)))
	b = append(b, bitmap...)
	for _, s := range c.sub {
		if s.Empty() {
			continue
		}
		for _, rid := range s.blocks {
			b = binary.LittleEndian.AppendUint32(b, rid)
		}
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(len(col.Entities)))
	for _, e := range col.Entities {
		b = append(b, e.ID[:]...)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.Type)))
		b = append(b, e.Type...)
		for _, f := range e.Position {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
		}
		for _, f := range e.Velocity {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
		}
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(col.ScheduledUpdates)))
	for _, u := range col.ScheduledUpdates {
		for _, v := range u.Pos {
			b = binary.LittleEndian.AppendUint32(b, uint32(v))
		}
		b = binary.LittleEndian.AppendUint32(b, u.Block)
		b = binary.LittleEndian.AppendUint64(b, uint64(u.Tick))
	}
	return binary.LittleEndian.AppendUint64(b, uint64(col.Tick))
}

func readBody(r *bodyReader) (*Column, bool) {
	rmin, rmax := int32(r.uint32()), int32(r.uint32())
	air := r.uint32()
	if r.fail {
		return nil, false
	}
	ra := Range{int(rmin), int(rmax)}
	if ra.Height() <= 0 || ra.Height()%16 != 0 {
		return nil, false
	}
	c := New(air, ra)

	n := int(r.byte())
	if n != len(c.sub) {
		return nil, false
	}
	bitmap := r.bytes((n + 7) / 8)
	if r.fail {
		return nil, false
	}
	for i := 0; i < n; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		s := NewSubChunk(air)
		s.blocks = make([]uint32, 4096)
		for j := range s.blocks {
			s.blocks[j] = r.uint32()
		}
		c.sub[i] = s
	}

	col := &Column{Chunk: c}
	for i, n := 0, int(r.uint16()); i < n && !r.fail; i++ {
		var e Entity
		copy(e.ID[:], r.bytes(16))
		e.Type = string(r.bytes(int(r.uint16())))
		for j := range e.Position {
			e.Position[j] = math.Float64frombits(r.uint64())
		}
		for j := range e.Velocity {
			e.Velocity[j] = math.Float64frombits(r.uint64())
		}
		col.Entities = append(col.Entities, e)
	}
	for i, n := 0, int(r.uint32()); i < n && !r.fail; i++ {
		var u ScheduledUpdate
		for j := range u.Pos {
			u.Pos[j] = int32(r.uint32())
		}
		u.Block = r.uint32()
		u.Tick = int64(r.uint64())
		col.ScheduledUpdates = append(col.ScheduledUpdates, u)
	}
	col.Tick = int64(r.uint64())
	if r.fail || r.off != len(r.b) {
		return nil, false
	}
	return col, true
}

// bodyReader reads little-endian values from a byte slice, recording a sticky
// failure on any out-of-bounds read.
type bodyReader struct {
	b    []byte
	off  int
	fail bool
}

func (r *bodyReader) bytes(n int) []byte {
	if n < 0 || r.off+n > len(r.b) {
		r.fail = true
		return make([]byte, max(n, 0))
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *bodyReader) byte() byte     { return r.bytes(1)[0] }
func (r *bodyReader) uint16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *bodyReader) uint32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *bodyReader) uint64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }
