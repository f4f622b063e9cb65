package fec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	block := make([]byte, BlockSize)
	if _, err := rand.Read(block); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	enc, err := NewBlockEncoder(block)
	if err != nil {
		t.Fatalf("NewBlockEncoder: %v", err)
	}
	dec, err := NewBlockDecoder(uint64(BlockSize))
	if err != nil {
		t.Fatalf("NewBlockDecoder: %v", err)
	}

	var got []byte
	for seq := uint32(0); seq < SourceSymbolsPerBlock+4 && got == nil; seq++ {
		symbol := enc.Symbol(seq)
		full, err := dec.Feed(seq, symbol)
		if err != nil {
			t.Fatalf("Feed(%d): %v", seq, err)
		}
		got = full
	}
	if got == nil {
		t.Fatal("decoder never reconstructed the block")
	}
	if !bytes.Equal(got, block) {
		t.Fatal("decoded block does not match source bytes")
	}
}

func TestBlockDecoderTruncatesToTrueLength(t *testing.T) {
	block := make([]byte, BlockSize)
	if _, err := rand.Read(block); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	const trueLen = 42

	enc, err := NewBlockEncoder(block)
	if err != nil {
		t.Fatalf("NewBlockEncoder: %v", err)
	}
	dec, err := NewBlockDecoder(trueLen)
	if err != nil {
		t.Fatalf("NewBlockDecoder: %v", err)
	}

	var got []byte
	for seq := uint32(0); seq < SourceSymbolsPerBlock+4 && got == nil; seq++ {
		full, err := dec.Feed(seq, enc.Symbol(seq))
		if err != nil {
			t.Fatalf("Feed(%d): %v", seq, err)
		}
		got = full
	}
	if len(got) != trueLen {
		t.Fatalf("decoded length = %d, want %d", len(got), trueLen)
	}
	if !bytes.Equal(got, block[:trueLen]) {
		t.Fatal("decoded prefix does not match source bytes")
	}
}

func TestNewBlockEncoderRejectsWrongSize(t *testing.T) {
	if _, err := NewBlockEncoder(make([]byte, BlockSize-1)); err == nil {
		t.Fatal("expected an error for a block shorter than BlockSize")
	}
}

func TestBlockDecoderToleratesDuplicateSymbols(t *testing.T) {
	block := make([]byte, BlockSize)
	if _, err := rand.Read(block); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	enc, err := NewBlockEncoder(block)
	if err != nil {
		t.Fatalf("NewBlockEncoder: %v", err)
	}
	dec, err := NewBlockDecoder(uint64(BlockSize))
	if err != nil {
		t.Fatalf("NewBlockDecoder: %v", err)
	}

	symbol := enc.Symbol(0)
	if _, err := dec.Feed(0, symbol); err != nil {
		t.Fatalf("first Feed: %v", err)
	}
	if _, err := dec.Feed(0, symbol); err != nil {
		t.Fatalf("duplicate Feed should not error: %v", err)
	}
}
