// Package fec wraps the RaptorQ primitive (github.com/xssnick/raptorq) with
// the contract spec.md §6 actually needs: Encoder.symbol(seq) -> bytes and
// Decoder.feed(seq, bytes) -> Option<block bytes>, with real encoding
// symbol IDs (ESIs) carried end-to-end instead of inferred from slice
// position.
//
// This supersedes the teacher's own fec/raptorq.go, whose wrapper the
// teacher's comments flag as a "simplified" adaptation that assumes
// "index i is the symbol ID" — wrong for any receiver that sees symbols
// out of order or with gaps, which is the normal case here.
package fec

import (
	"fmt"

	"github.com/xssnick/raptorq"
)

// SymbolSize is T, the fixed size in bytes of every encoded symbol.
// SourceSymbolsPerBlock is K, the number of source symbols a block is cut
// into. BlockSize = SymbolSize * SourceSymbolsPerBlock sits in the low
// tens of KiB, per spec.md §3.
const (
	SymbolSize            = 1350
	SourceSymbolsPerBlock = 16
	BlockSize             = SymbolSize * SourceSymbolsPerBlock
)

// BlockEncoder generates an effectively unbounded, deterministic stream of
// encoded symbols for one block's source bytes.
type BlockEncoder struct {
	enc raptorq.Encoder
}

// NewBlockEncoder seeds an encoder with a block's source bytes, which must
// already be exactly BlockSize long (the resource store zero-pads the
// tail block).
func NewBlockEncoder(blockBytes []byte) (*BlockEncoder, error) {
	if len(blockBytes) != BlockSize {
		return nil, fmt.Errorf("fec: block must be %d bytes, got %d", BlockSize, len(blockBytes))
	}
	rq := raptorq.NewRaptorQ(SymbolSize)
	enc, err := rq.CreateEncoder(blockBytes)
	if err != nil {
		return nil, fmt.Errorf("fec: create encoder: %w", err)
	}
	return &BlockEncoder{enc: enc}, nil
}

// Symbol deterministically produces the encoded symbol for encoding symbol
// ID seq. Two calls with the same seq, on the same or different
// connections, yield identical bytes — this is what makes symbol overlap
// between the two partitioner connections harmless (spec.md §4.2).
func (e *BlockEncoder) Symbol(seq uint32) []byte {
	return e.enc.GenSymbol(seq)
}

// BlockDecoder accumulates symbols for one in-flight block until RaptorQ
// reports enough of them have arrived to reconstruct the source bytes.
type BlockDecoder struct {
	dec      raptorq.Decoder
	blockLen uint64
}

// NewBlockDecoder creates a decoder for a block whose true source length
// (before any tail zero-padding) is blockLen bytes.
func NewBlockDecoder(blockLen uint64) (*BlockDecoder, error) {
	rq := raptorq.NewRaptorQ(SymbolSize)
	dec, err := rq.CreateDecoder(BlockSize)
	if err != nil {
		return nil, fmt.Errorf("fec: create decoder: %w", err)
	}
	return &BlockDecoder{dec: dec, blockLen: blockLen}, nil
}

// Feed submits one received symbol. It tolerates duplicates and
// out-of-order arrival. It returns the reconstructed block bytes (truncated
// to blockLen) once decoding succeeds, and nil otherwise.
func (d *BlockDecoder) Feed(seq uint32, data []byte) ([]byte, error) {
	canTry, err := d.dec.AddSymbol(seq, data)
	if err != nil {
		// Duplicate or otherwise rejected symbol: not fatal, just not progress.
		return nil, nil
	}
	if !canTry {
		return nil, nil
	}
	success, full, err := d.dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("fec: decode: %w", err)
	}
	if !success {
		return nil, nil
	}
	if uint64(len(full)) < d.blockLen {
		return nil, fmt.Errorf("fec: decoded block shorter than expected: %d < %d", len(full), d.blockLen)
	}
	return full[:d.blockLen], nil
}
