package receiver

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func newTestConnection(t *testing.T, start, end uint64, reverse bool, cb Callbacks) *Connection {
	t.Helper()
	laddr, _ := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	sock, err := connio.Listen(laddr)
	if err != nil {
		t.Fatalf("connio.Listen: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	remote, _ := net.ResolveUDPAddr("udp4", "127.0.0.1:1")
	blockLen := func(uint64) uint64 { return uint64(fec.BlockSize) }
	return New(logging.New(logging.LevelSilent, "test"), sock, remote, wire.ResourceHash{},
		uint64(fec.BlockSize)*uint64(end), start, end, reverse, blockLen, cb, nil)
}

func encodeFullBlock(t *testing.T) (*fec.BlockEncoder, []byte) {
	t.Helper()
	data := make([]byte, fec.BlockSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	enc, err := fec.NewBlockEncoder(data)
	if err != nil {
		t.Fatalf("NewBlockEncoder: %v", err)
	}
	return enc, data
}

func TestOnDataEstablishesConnection(t *testing.T) {
	c := newTestConnection(t, 0, 4, false, Callbacks{})
	enc, _ := encodeFullBlock(t)

	c.onData(wire.Data{BlockID: 0, SequenceNumber: 0, Symbol: enc.Symbol(0)})
	if c.state != Established {
		t.Fatalf("state = %v, want Established after first Data", c.state)
	}
}

func TestOnDataOutsideRangeIgnored(t *testing.T) {
	c := newTestConnection(t, 0, 2, false, Callbacks{})
	enc, _ := encodeFullBlock(t)
	c.onData(wire.Data{BlockID: 5, SequenceNumber: 0, Symbol: enc.Symbol(0)})
	if _, ok := c.decoders[5]; ok {
		t.Fatal("a Data packet outside the current range must not create decoder state")
	}
}

func TestOnDataDecodesAndAcksBlock(t *testing.T) {
	var decoded uint64
	var decodedData []byte
	var acked bool
	cb := Callbacks{
		OnBlockDecoded: func(blockID uint64, data []byte) {
			decoded = blockID
			decodedData = data
		},
	}
	c := newTestConnection(t, 0, 1, false, cb)
	enc, source := encodeFullBlock(t)

	for seq := uint32(0); seq < fec.SourceSymbolsPerBlock+4; seq++ {
		c.onData(wire.Data{BlockID: 0, SequenceNumber: seq, Symbol: enc.Symbol(seq)})
		if c.acked[0] {
			acked = true
			break
		}
	}
	if !acked {
		t.Fatal("block was never acked")
	}
	if decoded != 0 {
		t.Fatalf("OnBlockDecoded called with blockID=%d, want 0", decoded)
	}
	if len(decodedData) != fec.BlockSize {
		t.Fatalf("decoded data length = %d, want %d", len(decodedData), fec.BlockSize)
	}
	_ = source
}

func TestLeadingEdgeCallbackFiresForwardAtStart(t *testing.T) {
	var gotBlockID uint64
	fired := false
	cb := Callbacks{
		LeadingEdgeAcked: func(conn *Connection, blockID uint64) {
			fired = true
			gotBlockID = blockID
		},
	}
	c := newTestConnection(t, 0, 2, false, cb)
	enc, _ := encodeFullBlock(t)
	for seq := uint32(0); seq < fec.SourceSymbolsPerBlock+4 && !fired; seq++ {
		c.onData(wire.Data{BlockID: 0, SequenceNumber: seq, Symbol: enc.Symbol(seq)})
	}
	if !fired {
		t.Fatal("LeadingEdgeAcked should fire when the forward leading block (id 0) is acked")
	}
	if gotBlockID != 0 {
		t.Fatalf("LeadingEdgeAcked blockID = %d, want 0", gotBlockID)
	}
}

func TestApplyShrinkNarrowsRangeAndPrunesDecoders(t *testing.T) {
	c := newTestConnection(t, 0, 4, false, Callbacks{})
	enc, _ := encodeFullBlock(t)
	c.onData(wire.Data{BlockID: 0, SequenceNumber: 0, Symbol: enc.Symbol(0)}) // creates a decoder for block 0

	c.applyShrink(1, 4)
	if c.rangeStart != 1 {
		t.Fatalf("rangeStart = %d, want 1", c.rangeStart)
	}
	if _, ok := c.decoders[0]; ok {
		t.Fatal("decoder for a block now outside range should be pruned")
	}
}

func TestApplyShrinkToEmptyEntersCompleting(t *testing.T) {
	c := newTestConnection(t, 0, 4, false, Callbacks{})
	c.state = Established
	c.applyShrink(0, 0)
	if c.state != Completing {
		t.Fatalf("state = %v, want Completing", c.state)
	}
}
