package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// maxPartitionLength is the number of key bits a partition prefix can use.
const maxPartitionLength = 64

// BundlePartition selects the entities of a bundle whose partition key starts
// with the Length-bit Prefix. The zero value is the root partition and
// contains every entity.
type BundlePartition struct {
	Prefix uint64
	Length uint
}

// RootPartition contains every entity of a bundle.
var RootPartition = BundlePartition{}

func (p BundlePartition) String() string {
	if p.Length == 0 {
		return "root"
	}
	return fmt.Sprintf("%0*b", int(p.Length), p.Prefix)
}

// Contains reports whether the entity with the given id falls in p.
func (p BundlePartition) Contains(entityID string) bool {
	if p.Length == 0 {
		return true
	}
	return partitionKey(entityID)>>(maxPartitionLength-p.Length) == p.Prefix
}

// Divisions returns the number of sub-partitions needed to bring
// numEntities down to maxSize per partition. It returns 1 when p needs no
// division, when maxSize is not positive, or when p cannot be divided further.
func (p BundlePartition) Divisions(numEntities, maxSize int) int {
	if maxSize <= 0 || numEntities <= maxSize || p.Length >= maxPartitionLength {
		return 1
	}
	return (numEntities + maxSize - 1) / maxSize
}

// Divide splits p into the smallest power of two of sub-partitions that is at
// least n. The sub-partitions are disjoint and together cover p.
func (p BundlePartition) Divide(n int) []BundlePartition {
	bits := uint(1)
	for 1<<bits < n {
		bits++
	}
	bits = min(bits, maxPartitionLength-p.Length)
	out := make([]BundlePartition, 0, 1<<bits)
	for i := uint64(0); i < 1<<bits; i++ {
		out = append(out, BundlePartition{Prefix: p.Prefix<<bits | i, Length: p.Length + bits})
	}
	return out
}

// partitionKey uses the leading bits of UUID entity ids as they are and
// hashes any other id.
func partitionKey(entityID string) uint64 {
	if u, err := uuid.Parse(entityID); err == nil {
		return binary.BigEndian.Uint64(u[:8])
	}
	sum := sha256.Sum256([]byte(entityID))
	return binary.BigEndian.Uint64(sum[:8])
}
