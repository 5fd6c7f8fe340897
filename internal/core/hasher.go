package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CandleLedger:genesis:v1"

// GenesisHash is the chain root before any event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// HashChain links every committed event to its predecessor:
//
//	link[N] = SHA-256(link[N-1] || seq(8, LE) || len(type)(8, LE) || type || digest)
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: GenesisHash()}
}

// Extend appends one link and returns it.
func (c *HashChain) Extend(sequence int64, eventType string, digest []byte) [32]byte {
	var buf [8]byte
	h := sha256.New()
	h.Write(c.tip[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(sequence))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(eventType)))
	h.Write(buf[:])
	h.Write([]byte(eventType))
	h.Write(digest)

	h.Sum(c.tip[:0])
	return c.tip
}

func (c *HashChain) Tip() [32]byte { return c.tip }

// Rewind moves the tip, e.g. to a restored snapshot's hash.
func (c *HashChain) Rewind(tip [32]byte) { c.tip = tip }
