package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilterError reports a malformed bloom filter payload.
type BloomFilterError struct {
	Message string
}

func (e *BloomFilterError) Error() string { return "invalid bloom filter: " + e.Message }

// BloomFilter is the server's filter over the resource names of documents
// that still match a target. Membership is probed with double hashing over
// an MD5 digest: h1 and h2 are the digest's two little-endian 64-bit halves
// and the i-th bit index is (h1 + i*h2) mod bitCount.
type BloomFilter struct {
	bitmap    []byte
	hashCount int32
	bitCount  uint64
}

// NewBloomFilter validates and wraps a payload.
func NewBloomFilter(bitmap []byte, padding, hashCount int32) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, &BloomFilterError{Message: fmt.Sprintf("padding %d out of range", padding)}
	}
	if hashCount < 0 {
		return nil, &BloomFilterError{Message: fmt.Sprintf("negative hash count %d", hashCount)}
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, &BloomFilterError{Message: "hash count is 0 for a non-empty bitmap"}
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, &BloomFilterError{Message: fmt.Sprintf("padding %d for an empty bitmap", padding)}
	}
	return &BloomFilter{
		bitmap:    bitmap,
		hashCount: hashCount,
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
	}, nil
}

// BitCount returns the number of usable bits.
func (b *BloomFilter) BitCount() int { return int(b.bitCount) }

// MightContain reports whether value may be in the set. False means
// definitely absent.
func (b *BloomFilter) MightContain(value string) bool {
	if b.bitCount == 0 {
		return false
	}
	h1, h2 := bloomHashes(value)
	for i := uint64(0); i < uint64(b.hashCount); i++ {
		if !b.isBitSet(b.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

func bloomHashes(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value))
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

func (b *BloomFilter) bitIndex(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % b.bitCount
}

func (b *BloomFilter) isBitSet(index uint64) bool {
	return b.bitmap[index/8]&(1<<(index%8)) != 0
}

// BuildBloomFilter creates a filter over values with the given geometry.
// Servers build these; the client uses it in tests and tooling.
func BuildBloomFilter(values []string, bitCount int, hashCount int32) *BloomFilter {
	size := (bitCount + 7) / 8
	b := &BloomFilter{
		bitmap:    make([]byte, size),
		hashCount: hashCount,
		bitCount:  uint64(bitCount),
	}
	if bitCount == 0 {
		return b
	}
	for _, v := range values {
		h1, h2 := bloomHashes(v)
		for i := uint64(0); i < uint64(hashCount); i++ {
			idx := b.bitIndex(h1, h2, i)
			b.bitmap[idx/8] |= 1 << (idx % 8)
		}
	}
	return b
}

// Payload returns the wire form of b.
func (b *BloomFilter) Payload() *BloomFilterPayload {
	return &BloomFilterPayload{
		Bitmap:    b.bitmap,
		Padding:   int32(uint64(len(b.bitmap))*8 - b.bitCount),
		HashCount: b.hashCount,
	}
}
