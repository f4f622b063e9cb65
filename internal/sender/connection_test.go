package sender

import (
	"net"
	"testing"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func newTestConnection(t *testing.T, resource *store.Resource) *Connection {
	t.Helper()
	laddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	sock, err := connio.Listen(laddr)
	if err != nil {
		t.Fatalf("connio.Listen: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	remote, _ := net.ResolveUDPAddr("udp4", "127.0.0.1:1")
	return New(logging.New(logging.LevelSilent, "test"), sock, remote, resource, nil)
}

func testResource(t *testing.T, numBlocks int) *store.Resource {
	t.Helper()
	return store.NewResource(wire.ResourceHash{}, make([]byte, fec.BlockSize*numBlocks))
}

func TestOnRequestActivatesIdleConnection(t *testing.T) {
	c := newTestConnection(t, testResource(t, 4))
	c.onRequest(wire.RequestResource{
		BlockRangeStart: 0, BlockRangeEnd: 4, SendingRate: 100_000,
	})
	if c.state != Active {
		t.Fatalf("state = %v, want Active", c.state)
	}
	if c.rangeStart != 0 || c.rangeEnd != 4 {
		t.Fatalf("range = [%d,%d), want [0,4)", c.rangeStart, c.rangeEnd)
	}
}

func TestOnAckAdvancesForwardBoundary(t *testing.T) {
	c := newTestConnection(t, testResource(t, 4))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 4, SendingRate: 100_000})

	c.onAck(wire.AckBlock{BlockID: 0})
	if c.rangeStart != 1 {
		t.Fatalf("rangeStart = %d, want 1 after acking the leading block", c.rangeStart)
	}

	c.onAck(wire.AckBlock{BlockID: 2})
	if c.rangeStart != 1 {
		t.Fatalf("rangeStart should not advance past an un-acked gap, got %d", c.rangeStart)
	}

	c.onAck(wire.AckBlock{BlockID: 1})
	if c.rangeStart != 3 {
		t.Fatalf("rangeStart should skip the now-contiguous acked run, got %d, want 3", c.rangeStart)
	}
}

func TestOnAckAdvancesReverseBoundary(t *testing.T) {
	c := newTestConnection(t, testResource(t, 4))
	c.onRequest(wire.RequestResource{Reverse: true, BlockRangeStart: 0, BlockRangeEnd: 4, SendingRate: 100_000})

	c.onAck(wire.AckBlock{BlockID: 3})
	if c.rangeEnd != 3 {
		t.Fatalf("rangeEnd = %d, want 3 after acking the reverse leading block", c.rangeEnd)
	}
}

func TestOnAckEmptyRangeClosesConnection(t *testing.T) {
	c := newTestConnection(t, testResource(t, 1))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 1, SendingRate: 100_000})
	c.onAck(wire.AckBlock{BlockID: 0})
	if c.state != Closed {
		t.Fatalf("state = %v, want Closed once the range is fully acked with no in-flight blocks", c.state)
	}
}

func TestOnAckIgnoresOutOfRangeBlock(t *testing.T) {
	c := newTestConnection(t, testResource(t, 4))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 2, SendingRate: 100_000})
	c.onAck(wire.AckBlock{BlockID: 3})
	if c.acked[3] {
		t.Fatal("an Ack for a block outside the current range must be ignored")
	}
}

func TestOnShrinkClipsForwardRange(t *testing.T) {
	c := newTestConnection(t, testResource(t, 10))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 10, SendingRate: 100_000})
	c.onShrink(wire.ShrinkRange{Start: 4, End: 10})
	if c.rangeStart != 4 {
		t.Fatalf("rangeStart = %d, want 4 after shrinking the prefix", c.rangeStart)
	}
}

func TestOnShrinkToEmptyBeginsDraining(t *testing.T) {
	c := newTestConnection(t, testResource(t, 4))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 4, SendingRate: 100_000})
	c.onShrink(wire.ShrinkRange{Start: 0, End: 0})
	if c.state != Closed {
		t.Fatalf("state = %v, want Closed: an empty range with no in-flight blocks must close immediately", c.state)
	}
}

func TestOnNackSetsBudgetFromLossRate(t *testing.T) {
	c := newTestConnection(t, testResource(t, 1))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 1, SendingRate: 100_000})
	c.lossEventRate = 0.1

	c.onNack(wire.NackBlock{BlockID: 0, ReceivedCount: 20})
	bs := c.blocks[0]
	if bs == nil {
		t.Fatal("expected block state to exist after Nack")
	}
	want := uint32(20) + 2 + 2 // ceil(0.1*20) + minimumRepairSymbols
	if bs.budget != want {
		t.Fatalf("budget = %d, want %d", bs.budget, want)
	}
}

func TestOnNackUsesFullBlockUnderUncertainty(t *testing.T) {
	c := newTestConnection(t, testResource(t, 1))
	c.onRequest(wire.RequestResource{BlockRangeStart: 0, BlockRangeEnd: 1, SendingRate: 100_000})

	c.onNack(wire.NackBlock{BlockID: 0, ReceivedCount: 16})
	bs := c.blocks[0]
	want := uint32(16) + fec.SourceSymbolsPerBlock
	if bs.budget != want {
		t.Fatalf("budget = %d, want %d under zero loss-rate uncertainty", bs.budget, want)
	}
}

func TestNextUnackedBlockRespectsDirection(t *testing.T) {
	c := newTestConnection(t, testResource(t, 3))
	c.onRequest(wire.RequestResource{Reverse: true, BlockRangeStart: 0, BlockRangeEnd: 3, SendingRate: 100_000})
	id, ok := c.nextUnackedBlock()
	if !ok || id != 2 {
		t.Fatalf("nextUnackedBlock() = (%d, %v), want (2, true) under REVERSE", id, ok)
	}
}
