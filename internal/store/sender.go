// Package store implements the sender-side block slicer and the
// receiver-side block sink (spec.md §4.3). Actual byte transport (the file
// I/O layer) is named in spec.md §1 as an out-of-scope collaborator; this
// package is the thin, unavoidable adapter between that collaborator and
// the block-oriented protocol core.
package store

import (
	"fmt"

	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Resource is the sender's read-only view over one in-memory resource,
// keyed by its content hash (spec.md §3).
type Resource struct {
	Hash      wire.ResourceHash
	Length    uint64
	bytes     []byte
	numBlocks uint64
}

// NewResource slices data into BlockSize blocks. N = ceil(L / BlockSize).
func NewResource(hash wire.ResourceHash, data []byte) *Resource {
	n := uint64(len(data)) / fec.BlockSize
	if uint64(len(data))%fec.BlockSize != 0 {
		n++
	}
	return &Resource{
		Hash:      hash,
		Length:    uint64(len(data)),
		bytes:     data,
		numBlocks: n,
	}
}

// NumBlocks returns N, the block count of this resource.
func (r *Resource) NumBlocks() uint64 { return r.numBlocks }

// Block returns the source bytes of block id, zero-padded to BlockSize if
// it is the (possibly partial) tail block.
func (r *Resource) Block(id uint64) ([]byte, error) {
	if id >= r.numBlocks {
		return nil, fmt.Errorf("store: block %d out of range [0,%d)", id, r.numBlocks)
	}
	start := id * fec.BlockSize
	end := start + fec.BlockSize
	if end > uint64(len(r.bytes)) {
		end = uint64(len(r.bytes))
	}
	block := make([]byte, fec.BlockSize)
	copy(block, r.bytes[start:end])
	return block, nil
}

// BlockLength returns the true (un-padded) length of block id, needed by
// the FEC decoder to know how much of the reconstructed, padded block is
// real data.
func (r *Resource) BlockLength(id uint64) uint64 {
	start := id * fec.BlockSize
	end := start + fec.BlockSize
	if end > r.Length {
		end = r.Length
	}
	if end < start {
		return 0
	}
	return end - start
}

// Store is the sender's map from resource hash to resource, populated once
// at startup from the file passed on the command line.
type Store struct {
	resources map[wire.ResourceHash]*Resource
}

func NewStore() *Store {
	return &Store{resources: make(map[wire.ResourceHash]*Resource)}
}

func (s *Store) Add(r *Resource) {
	s.resources[r.Hash] = r
}

func (s *Store) Lookup(hash wire.ResourceHash) (*Resource, bool) {
	r, ok := s.resources[hash]
	return r, ok
}
