// Package bloom implements the fixed-parameter Bloom filter digest and the
// prioritized scan queue used to walk the local event log during sync.
// Double-hashing seeds are derived with xxhash rather than the cryptographic
// hash codec.EventIDOf uses: a fast, non-cryptographic hash is the right
// choice for set-membership digests, keeping the cryptographic hash reserved
// for content addressing.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// EventID mirrors store.EventID; redeclared locally so bloom stays a leaf
// package with no dependency on store.
type EventID [16]byte

// Presence is the result of Test: the filter can only ever assert "maybe
// present" or "definitely absent", never "definitely present".
type Presence int

const (
	DefinitelyAbsent Presence = iota
	MaybePresent
)

// WireVersion is the only serialization version this module emits/accepts.
const WireVersion byte = 1

var (
	// ErrParamMismatch is returned by Merge when the two filters' bit_size or
	// hash_count differ.
	ErrParamMismatch = errors.New("bloom: parameter mismatch")
	// ErrTruncated is returned by Deserialize for a buffer shorter than its header demands.
	ErrTruncated = errors.New("bloom: truncated buffer")
	// ErrUnsupportedVersion is returned by Deserialize for an unknown wire version.
	ErrUnsupportedVersion = errors.New("bloom: unsupported version")
)

// Filter is a fixed-size bit array with k hash functions derived from
// double-hashing an event id (hash1 + i*hash2).
type Filter struct {
	bitSize   uint32
	hashCount uint8
	bits      []byte
}

// New creates an empty filter with the given bit_size and hash_count.
func New(bitSize uint32, hashCount uint8) *Filter {
	return &Filter{
		bitSize:   bitSize,
		hashCount: hashCount,
		bits:      make([]byte, (bitSize+7)/8),
	}
}

// SizeFor computes (bit_size, hash_count) for targetItems members at
// targetFPR false-positive rate, using the standard optimal-bloom formulas,
// rounding bit_size up to a whole bit. No datagram size cap is applied: the
// serialized size grows with targetItems.
func SizeFor(targetItems int, targetFPR float64) (bitSize uint32, hashCount uint8) {
	if targetItems <= 0 {
		targetItems = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.05
	}
	n := float64(targetItems)
	p := targetFPR
	m := -1 * n * math.Log(p) / (math.Ln2 * math.Ln2)
	k := m / n * math.Ln2
	bitSize = uint32(math.Ceil(m))
	if bitSize == 0 {
		bitSize = 8
	}
	hashCount = uint8(math.Round(k))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 16 {
		hashCount = 16
	}
	return bitSize, hashCount
}

func (f *Filter) hashes(id EventID) (h1, h2 uint64) {
	h1 = xxhash.Sum64(id[:])
	// Salt the second hash so h1 != h2 even for ids xxhash maps to the same
	// 64-bit value under a trivial transform.
	salted := append(append([]byte{}, id[:]...), 0xA5)
	h2 = xxhash.Sum64(salted)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (f *Filter) bitIndex(h1, h2 uint64, i uint8) uint32 {
	combined := h1 + uint64(i)*h2
	return uint32(combined % uint64(f.bitSize))
}

func (f *Filter) setBit(idx uint32) {
	f.bits[idx/8] |= 1 << (idx % 8)
}

func (f *Filter) getBit(idx uint32) bool {
	return f.bits[idx/8]&(1<<(idx%8)) != 0
}

// Add marks id as present in the filter.
func (f *Filter) Add(id EventID) {
	h1, h2 := f.hashes(id)
	for i := uint8(0); i < f.hashCount; i++ {
		f.setBit(f.bitIndex(h1, h2, i))
	}
}

// Test reports whether id might be present (all k bits set) or is
// definitely absent (any k bit unset).
func (f *Filter) Test(id EventID) Presence {
	h1, h2 := f.hashes(id)
	for i := uint8(0); i < f.hashCount; i++ {
		if !f.getBit(f.bitIndex(h1, h2, i)) {
			return DefinitelyAbsent
		}
	}
	return MaybePresent
}

// Merge bitwise-ORs other into f. Both filters must share bit_size and
// hash_count.
func (f *Filter) Merge(other *Filter) error {
	if f.bitSize != other.bitSize || f.hashCount != other.hashCount {
		return ErrParamMismatch
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// Serialize encodes the filter as [version:1][bit_size:4 LE][hash_count:1][bits].
func (f *Filter) Serialize() []byte {
	out := make([]byte, 1+4+1+len(f.bits))
	out[0] = WireVersion
	binary.LittleEndian.PutUint32(out[1:5], f.bitSize)
	out[5] = f.hashCount
	copy(out[6:], f.bits)
	return out
}

// Deserialize parses a filter produced by Serialize.
func Deserialize(raw []byte) (*Filter, error) {
	if len(raw) < 6 {
		return nil, ErrTruncated
	}
	if raw[0] != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	bitSize := binary.LittleEndian.Uint32(raw[1:5])
	hashCount := raw[5]
	expectedBytes := int((bitSize + 7) / 8)
	if len(raw)-6 < expectedBytes {
		return nil, ErrTruncated
	}
	bits := make([]byte, expectedBytes)
	copy(bits, raw[6:6+expectedBytes])
	return &Filter{bitSize: bitSize, hashCount: hashCount, bits: bits}, nil
}

// BitSize and HashCount expose the filter's parameters.
func (f *Filter) BitSize() uint32   { return f.bitSize }
func (f *Filter) HashCount() uint8  { return f.hashCount }

// Cumulative wraps a Filter with a running count of Adds, making it the
// authoritative digest of the local log.
type Cumulative struct {
	filter *Filter
	count  uint32
}

// NewCumulative creates an empty cumulative filter sized for targetItems at
// targetFPR.
func NewCumulative(targetItems int, targetFPR float64) *Cumulative {
	bitSize, hashCount := SizeFor(targetItems, targetFPR)
	return &Cumulative{filter: New(bitSize, hashCount)}
}

// Add marks id present and increments the cumulative count.
func (c *Cumulative) Add(id EventID) {
	c.filter.Add(id)
	c.count++
}

func (c *Cumulative) Test(id EventID) Presence { return c.filter.Test(id) }
func (c *Cumulative) Count() uint32            { return c.count }
func (c *Cumulative) Serialize() []byte        { return c.filter.Serialize() }
func (c *Cumulative) Filter() *Filter          { return c.filter }
