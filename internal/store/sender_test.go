package store

import (
	"bytes"
	"testing"

	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func TestNewResourceBlockCount(t *testing.T) {
	cases := []struct {
		name   string
		length int
		want   uint64
	}{
		{"empty", 0, 0},
		{"exact multiple", fec.BlockSize * 3, 3},
		{"partial tail", fec.BlockSize*2 + 1, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewResource(wire.ResourceHash{}, make([]byte, c.length))
			if r.NumBlocks() != c.want {
				t.Fatalf("NumBlocks() = %d, want %d", r.NumBlocks(), c.want)
			}
		})
	}
}

func TestResourceBlockIsZeroPaddedOnTail(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, fec.BlockSize+10)
	r := NewResource(wire.ResourceHash{}, data)

	block, err := r.Block(1)
	if err != nil {
		t.Fatalf("Block(1): %v", err)
	}
	if len(block) != fec.BlockSize {
		t.Fatalf("tail block len = %d, want %d", len(block), fec.BlockSize)
	}
	if !bytes.Equal(block[:10], data[fec.BlockSize:]) {
		t.Fatalf("tail block payload mismatch")
	}
	for _, b := range block[10:] {
		if b != 0 {
			t.Fatalf("expected zero padding after true tail length")
		}
	}
	if got := r.BlockLength(1); got != 10 {
		t.Fatalf("BlockLength(1) = %d, want 10", got)
	}
}

func TestResourceBlockOutOfRange(t *testing.T) {
	r := NewResource(wire.ResourceHash{}, make([]byte, fec.BlockSize))
	if _, err := r.Block(1); err == nil {
		t.Fatal("expected error for out-of-range block id")
	}
}

func TestStoreLookup(t *testing.T) {
	hash := wire.ResourceHash{1, 2, 3}
	r := NewResource(hash, make([]byte, fec.BlockSize))

	s := NewStore()
	s.Add(r)

	got, ok := s.Lookup(hash)
	if !ok || got != r {
		t.Fatalf("Lookup did not return the added resource")
	}

	if _, ok := s.Lookup(wire.ResourceHash{9}); ok {
		t.Fatal("Lookup should miss for an unknown hash")
	}
}
