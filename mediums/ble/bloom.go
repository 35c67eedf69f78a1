package ble

import "github.com/spaolacci/murmur3"

const (
	// BloomFilterLength is the size in bytes of the filter carried in an
	// advertisement header.
	BloomFilterLength = 10
	bloomHashCount    = 5
)

// BloomFilter is a fixed ten-byte filter over service ids.
type BloomFilter struct {
	bits [BloomFilterLength]byte
}

// NewBloomFilter wraps raw filter bytes. Short input is zero padded.
func NewBloomFilter(b []byte) BloomFilter {
	var f BloomFilter
	copy(f.bits[:], b)
	return f
}

func (f *BloomFilter) Add(s string) {
	for _, i := range bloomIndexes(s) {
		f.bits[i/8] |= 1 << (i % 8)
	}
}

// PossiblyContains is false only if s was never added.
func (f BloomFilter) PossiblyContains(s string) bool {
	for _, i := range bloomIndexes(s) {
		if f.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

func (f BloomFilter) Bytes() []byte {
	out := make([]byte, BloomFilterLength)
	copy(out, f.bits[:])
	return out
}

// bloomIndexes derives the bit positions for s with double hashing over the
// two halves of a 64-bit murmur3 hash.
func bloomIndexes(s string) [bloomHashCount]uint32 {
	h64, _ := murmur3.Sum128([]byte(s))
	h1 := int32(h64)
	h2 := int32(h64 >> 32)
	var out [bloomHashCount]uint32
	for i := range out {
		combined := h1 + int32(i+1)*h2
		if combined < 0 {
			combined = ^combined
		}
		out[i] = uint32(combined) % (BloomFilterLength * 8)
	}
	return out
}
