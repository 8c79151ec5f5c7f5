package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// SeedManager derives deterministic sub-seeds from one master seed.
//
// Identical (master seed, purpose, index) triples always yield identical
// sub-seeds, which is what makes parallel multi-candidate stages exactly
// reproducible: candidate #3 in training always derives
// SubSeed("training", 3) regardless of worker scheduling.
//
// Any stage implementation or hook that needs randomness must request a
// sub-seed (or a Rand built from one) through this interface; raw
// unseeded randomness inside a stage is a determinism violation.
type SeedManager struct {
	master int64
}

// NewSeedManager creates a seed manager for the given master seed.
func NewSeedManager(master int64) *SeedManager {
	return &SeedManager{master: master}
}

// Master returns the master seed.
func (s *SeedManager) Master() int64 { return s.master }

// SubSeed derives a deterministic, non-negative sub-seed for the given
// purpose and index.
//
// The derivation hashes (master seed, purpose, index) with SHA-256 and
// interprets the first 8 bytes as a big-endian integer, so sub-seeds are
// well distributed and collisions across purposes are negligible.
func (s *SeedManager) SubSeed(purpose string, index int) int64 {
	h := sha256.New()

	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], uint64(s.master))
	h.Write(seedBytes[:])

	h.Write([]byte(purpose))

	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], uint32(index))
	h.Write(idxBytes[:])

	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
}

// Rand returns a math/rand generator seeded with SubSeed(purpose, index).
// Each call returns an independent generator, so concurrent sub-units can
// each own one without locking.
func (s *SeedManager) Rand(purpose string, index int) *rand.Rand {
	return rand.New(rand.NewSource(s.SubSeed(purpose, index))) // #nosec G404 -- deterministic, seeded by design
}
