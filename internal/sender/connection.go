// Package sender implements the sender-side connection state machine
// (spec.md §4.4) and its rate-governed emission loop (§4.7). Each
// connection is a single cooperatively-scheduled actor (§5): one goroutine
// per (local, remote) pair, owning its FEC encoders and budget state
// exclusively, the same ownership discipline the teacher uses for a
// WireGuard Peer's routines (routines.stop / sync.WaitGroup in
// device/peer.go, adapted here to a single actor goroutine instead of a
// pool of encryption workers, since this protocol has no per-packet
// parallel work to fan out).
package sender

import (
	"math"
	"net"
	"time"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/rateloop"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

type State int

const (
	Idle State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	default:
		return "Closed"
	}
}

const minimumRepairSymbols = 2

// blockState tracks per-block sender progress within one connection.
type blockState struct {
	encoder *fec.BlockEncoder
	nextSeq uint32
	budget  uint32 // remaining symbols this connection may still emit
}

// Connection is the sender side of one (local, remote) pair.
type Connection struct {
	log      logging.Logger
	socket   *connio.Socket
	remote   *net.UDPAddr
	resource *store.Resource

	state State
	epoch time.Time

	reverse    bool
	rangeStart uint64
	rangeEnd   uint64
	acked      map[uint64]bool
	blocks     map[uint64]*blockState

	pacer         *rateloop.Pacer
	rtt           rateloop.RTTEstimator
	lossEventRate float64
	lastFeedback  uint32 // last processed Feedback timestamp, for monotonicity

	lastRequestRecv time.Time
	inbox           chan wire.Packet
	stop            chan struct{}
	metrics         *metrics.Connection
}

// New creates a sender connection in Idle state; it becomes Active once
// the first valid Request arrives (spec.md §4.4).
func New(log logging.Logger, socket *connio.Socket, remote *net.UDPAddr, resource *store.Resource, m *metrics.Connection) *Connection {
	return &Connection{
		log:      log,
		socket:   socket,
		remote:   remote,
		resource: resource,
		state:    Idle,
		acked:    make(map[uint64]bool),
		blocks:   make(map[uint64]*blockState),
		inbox:    make(chan wire.Packet, 64),
		stop:     make(chan struct{}),
		metrics:  m,
	}
}

// Deliver feeds one inbound packet to the connection's actor loop. It never
// blocks for long: the inbox is buffered and the actor drains it promptly.
func (c *Connection) Deliver(p wire.Packet) {
	select {
	case c.inbox <- p:
	case <-c.stop:
	}
}

// Close requests the actor loop to exit.
func (c *Connection) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Run is the actor's cooperative scheduling loop (spec.md §5): at every
// iteration it waits for whichever happens first among an inbound packet,
// the next paced send tick, or the inactivity timeout, and processes
// exactly one event before looping.
func (c *Connection) Run() {
	inactivity := time.NewTimer(rateloop.InactivityTimeout)
	defer inactivity.Stop()

	for {
		var sendTimer *time.Timer
		if c.state == Active && c.hasWork() {
			d := time.Until(c.pacer.NextSendTime())
			if d < 0 {
				d = 0
			}
			sendTimer = time.NewTimer(d)
		}

		var sendC <-chan time.Time
		if sendTimer != nil {
			sendC = sendTimer.C
		}

		select {
		case <-c.stop:
			if sendTimer != nil {
				sendTimer.Stop()
			}
			return

		case <-inactivity.C:
			c.log.Infof("connection to %s closed: inactivity timeout", c.remote)
			c.state = Closed
			return

		case pkt := <-c.inbox:
			if sendTimer != nil {
				sendTimer.Stop()
			}
			resetTimer(inactivity, rateloop.InactivityTimeout)
			c.handle(pkt)
			if c.state == Closed {
				return
			}

		case <-sendC:
			c.emitOne()
		}
	}
}

// resetTimer safely re-arms a timer that may or may not have already
// fired, the standard idiom for time.Timer reuse.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// hasWork reports whether the actor has a block it could actually send
// right now. A connection with blocks in range but every one of them
// awaiting a Nack (budget exhausted) must not arm the send timer, or the
// loop spins re-firing emitOne with nothing to emit.
func (c *Connection) hasWork() bool {
	_, ok := c.nextUnackedBlock()
	return ok
}

func (c *Connection) handle(p wire.Packet) {
	switch v := p.(type) {
	case wire.RequestResource:
		c.onRequest(v)
	case wire.AckBlock:
		c.onAck(v)
	case wire.NackBlock:
		c.onNack(v)
	case wire.ShrinkRange:
		c.onShrink(v)
	case wire.Feedback:
		c.onFeedback(v)
	}
}

func (c *Connection) onRequest(r wire.RequestResource) {
	c.lastRequestRecv = time.Now()
	if c.state == Idle {
		c.state = Active
		c.epoch = time.Now()
		c.reverse = r.Reverse
		c.rangeStart = r.BlockRangeStart
		c.rangeEnd = r.BlockRangeEnd
		c.pacer = rateloop.NewPacer(r.SendingRate)
		c.log.Infof("connection to %s: Active, range [%d,%d) reverse=%v rate=%dbps",
			c.remote, c.rangeStart, c.rangeEnd, c.reverse, r.SendingRate)
		if c.rangeStart >= c.rangeEnd {
			c.beginDraining()
		}
		return
	}
	// Re-sent Request: refresh rate, range and RTT probe (§4.4).
	c.pacer.SetRate(r.SendingRate)
	c.clipRange(r.BlockRangeStart, r.BlockRangeEnd)
}

func (c *Connection) clipRange(start, end uint64) {
	if start > c.rangeStart {
		c.rangeStart = start
	}
	if end < c.rangeEnd {
		c.rangeEnd = end
	}
	if c.rangeStart >= c.rangeEnd {
		c.beginDraining()
	}
}

func (c *Connection) onAck(a wire.AckBlock) {
	if a.BlockID < c.rangeStart || a.BlockID >= c.rangeEnd {
		return // not in range: ignore per idempotence (spec.md §8)
	}
	if c.acked[a.BlockID] {
		return
	}
	c.acked[a.BlockID] = true
	delete(c.blocks, a.BlockID)
	if c.metrics != nil {
		c.metrics.BlocksAcked.Inc()
	}

	// Advance the active boundary past any now-contiguous acked run.
	if !c.reverse {
		for c.rangeStart < c.rangeEnd && c.acked[c.rangeStart] {
			c.rangeStart++
		}
	} else {
		for c.rangeEnd > c.rangeStart && c.acked[c.rangeEnd-1] {
			c.rangeEnd--
		}
	}
	if c.rangeStart >= c.rangeEnd {
		c.beginDraining()
	}
}

func (c *Connection) onNack(n wire.NackBlock) {
	if n.BlockID < c.rangeStart || n.BlockID >= c.rangeEnd || c.acked[n.BlockID] {
		return
	}
	bs := c.blockFor(n.BlockID)
	if bs == nil {
		return
	}
	var slack uint32
	if c.lossEventRate <= 0 {
		slack = fec.SourceSymbolsPerBlock // uncertain: a full block-worth of repair
	} else {
		slack = uint32(math.Ceil(c.lossEventRate*float64(n.ReceivedCount))) + minimumRepairSymbols
	}
	bs.budget = n.ReceivedCount + slack
}

func (c *Connection) onShrink(s wire.ShrinkRange) {
	// ShrinkRange carries the connection's new kept range, same as a
	// Request's BlockRangeStart/End (spec.md §8): narrow to it, never widen.
	c.clipRange(s.Start, s.End)
	for id := range c.blocks {
		if id < c.rangeStart || id >= c.rangeEnd {
			delete(c.blocks, id)
		}
	}
}

func (c *Connection) onFeedback(f wire.Feedback) {
	if c.lastFeedback != 0 && wire.DiffTimestamp(f.Timestamp, c.lastFeedback) < 0 {
		return // stale feedback, ignore (spec.md §5 ordering guarantee)
	}
	c.lastFeedback = f.Timestamp
	// RTT = time since the echoed Data was emitted, minus the receiver's
	// hold time (Delay) before reporting it.
	nowMs := uint32(time.Since(c.epoch).Milliseconds()) & wire.TimestampMask
	sample := time.Duration(wire.DiffTimestamp(nowMs, f.Timestamp)-int32(f.Delay)) * time.Millisecond
	if sample > 0 {
		c.rtt.Sample(sample)
		if c.metrics != nil {
			c.metrics.RTT.Observe(sample.Seconds())
		}
	}
	c.lossEventRate = float64(f.LossEventRate)

	requested := c.pacer.RateBps()
	allowed := rateloop.AllowedRateBps(requested, fec.SymbolSize, c.rtt.SRTT().Seconds(), c.lossEventRate)
	c.pacer.SetRate(allowed)
	if c.metrics != nil {
		c.metrics.RateBps.Set(float64(allowed))
		c.metrics.LossEventRate.Set(c.lossEventRate)
	}
}

func (c *Connection) beginDraining() {
	if c.state == Active {
		c.state = Draining
		c.log.Infof("connection to %s: Draining", c.remote)
	}
	if len(c.blocks) == 0 {
		c.state = Closed
		c.log.Infof("connection to %s: Closed", c.remote)
	}
}

// blockFor lazily creates per-block sender state and its FEC encoder.
func (c *Connection) blockFor(id uint64) *blockState {
	if bs, ok := c.blocks[id]; ok {
		return bs
	}
	bytes, err := c.resource.Block(id)
	if err != nil {
		return nil
	}
	enc, err := fec.NewBlockEncoder(bytes)
	if err != nil {
		c.log.Errorf("encoder for block %d: %v", id, err)
		return nil
	}
	bs := &blockState{encoder: enc, budget: fec.SourceSymbolsPerBlock}
	c.blocks[id] = bs
	return bs
}

// nextUnackedBlock picks the lowest-id unacked block under forward order
// (highest-id under reverse) whose emit budget is not exhausted, per
// spec.md §4.4's selection rule.
func (c *Connection) nextUnackedBlock() (uint64, bool) {
	if !c.reverse {
		for id := c.rangeStart; id < c.rangeEnd; id++ {
			if c.acked[id] {
				continue
			}
			if bs := c.blockFor(id); bs != nil && bs.budget > 0 {
				return id, true
			}
		}
	} else {
		for id := c.rangeEnd; id > c.rangeStart; id-- {
			bid := id - 1
			if c.acked[bid] {
				continue
			}
			if bs := c.blockFor(bid); bs != nil && bs.budget > 0 {
				return bid, true
			}
		}
	}
	return 0, false
}

func (c *Connection) emitOne() {
	id, ok := c.nextUnackedBlock()
	if !ok {
		return
	}
	bs := c.blocks[id]
	seq := bs.nextSeq
	bs.nextSeq++
	bs.budget--

	symbol := bs.encoder.Symbol(seq)
	now := time.Now()
	delay := now.Sub(c.lastRequestRecv)
	if delay < 0 {
		delay = 0
	}
	pkt := wire.Data{
		BlockID:        id,
		Timestamp:      uint32(now.Sub(c.epoch).Milliseconds()) & wire.TimestampMask,
		Delay:          clampDelayMs(delay),
		SequenceNumber: seq & wire.SequenceMask,
		Symbol:         symbol,
	}
	frame, err := wire.Serialize(pkt)
	if err != nil {
		c.log.Errorf("serialize data packet: %v", err)
		return
	}
	if err := c.socket.Send(frame, c.remote); err != nil {
		c.log.Errorf("send to %s: %v", c.remote, err)
		return
	}
	c.pacer.RecordSend(len(frame))
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc()
		c.metrics.BytesSent.Add(float64(len(frame)))
	}
}

func clampDelayMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}
