package storage

import (
	"cmp"
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Hashers and comparers for the persistent maps backing a Graph.

type uint64Hasher[K ~uint64] struct{}

func (uint64Hasher[K]) Hash(k K) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return uint32(xxhash.Sum64(b[:]))
}

func (uint64Hasher[K]) Equal(a, b K) bool { return a == b }

type uint32Hasher[K ~uint32] struct{}

func (uint32Hasher[K]) Hash(k K) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(k))
	return uint32(xxhash.Sum64(b[:]))
}

func (uint32Hasher[K]) Equal(a, b K) bool { return a == b }

type stringHasher struct{}

func (stringHasher) Hash(k string) uint32 { return uint32(xxhash.Sum64String(k)) }
func (stringHasher) Equal(a, b string) bool { return a == b }

type orderedComparer[K cmp.Ordered] struct{}

func (orderedComparer[K]) Compare(a, b K) int { return cmp.Compare(a, b) }

type indexDefComparer struct{}

func (indexDefComparer) Compare(a, b IndexDef) int {
	if c := cmp.Compare(a.Label, b.Label); c != 0 {
		return c
	}
	return strings.Compare(a.Property, b.Property)
}
