package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hash32 is a fixed 32-byte digest used for dedup and idempotency keys.
type Hash32 [32]byte

func (h Hash32) Hex() string { return hex.EncodeToString(h[:]) }

// Builder builds a canonical byte sequence then hashes it to Hash32 (sha256).
//
// Encoding rules:
//   - Fixed-width integers: big-endian
//   - Bytes: u32(len) big-endian + bytes
//
// Intended for dedup keys that must stay stable across retries, re-fetches
// and process restarts.
type Builder struct {
	b []byte
}

func NewBuilder() *Builder { return &Builder{b: make([]byte, 0, 64)} }

func (d *Builder) Reset() { d.b = d.b[:0] }

func (d *Builder) PutU64(v uint64) *Builder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	d.b = append(d.b, buf[:]...)
	return d
}

// PutBytes appends: u32(len) + bytes
func (d *Builder) PutBytes(p []byte) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(p)))
	d.b = append(d.b, buf[:]...)
	d.b = append(d.b, p...)
	return d
}

func (d *Builder) Sum32() Hash32 {
	return sha256.Sum256(d.b)
}

// EventKey derives the canonical dedup key for a log identified by
// (txHash, logIndex). The pair uniquely identifies a log across retries
// and overlapping fetch chunks.
func EventKey(txHash []byte, logIndex uint) Hash32 {
	b := NewBuilder()
	b.PutBytes(txHash)
	b.PutU64(uint64(logIndex))
	return b.Sum32()
}
