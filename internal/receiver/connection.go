// Package receiver implements the receiver-side connection state machine
// (spec.md §4.5): Requesting -> Established -> Completing -> Closed. Like
// the sender package, each connection is one actor goroutine owning its
// decoder map exclusively (spec.md §5, §9 "Per-block decoder lifetimes").
package receiver

import (
	"net"
	"time"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/rateloop"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

type State int

const (
	Requesting State = iota
	Established
	Completing
	Closed
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "Requesting"
	case Established:
		return "Established"
	case Completing:
		return "Completing"
	default:
		return "Closed"
	}
}

// nackThresholdSlack is how many symbols beyond the nominal K must have
// arrived, with decoding still failing, before a block is NACKed again
// (spec.md §4.5).
const nackThresholdSlack = fec.SourceSymbolsPerBlock / 2

// Callbacks lets the partitioner observe this connection's progress
// without the connection reaching into shared state itself (spec.md §5:
// the completed-block set is mutated only by the partitioner).
type Callbacks struct {
	// OnBlockDecoded is called once per block, with the reconstructed
	// bytes. The partitioner writes them to the sink and updates the
	// session-wide completion map.
	OnBlockDecoded func(blockID uint64, data []byte)
	// LeadingEdgeAcked is called whenever the block at this connection's
	// current leading edge (the end nearest where it started) is acked,
	// so the partitioner can shrink the other connection's range.
	LeadingEdgeAcked func(conn *Connection, blockID uint64)
	// Closed is called once this connection's actor loop exits.
	Closed func(conn *Connection)
}

// Connection is the receiver side of one (local, remote) pair.
type Connection struct {
	log     logging.Logger
	socket  *connio.Socket
	remote  *net.UDPAddr
	hash    wire.ResourceHash
	length  uint64
	reverse bool

	rangeStart uint64
	rangeEnd   uint64
	blockLen   func(blockID uint64) uint64

	state State
	epoch time.Time

	decoders       map[uint64]*fec.BlockDecoder
	receivedCounts map[uint64]uint32
	acked          map[uint64]bool

	rtt                rateloop.RTTEstimator
	lastDataTimestamp  uint32
	lastDataRecvAt     time.Time
	packetsSinceReport uint32
	maxSeqSinceReport  uint32
	lossEventRate      float64
	feedbackTimestamp  uint32

	requestedRateBps uint64

	inbox    chan wire.Packet
	shrinkCh chan shrinkRequest
	stop     chan struct{}
	cb       Callbacks
	metrics  *metrics.Connection
}

// New creates a receiver connection that will request [start,end) from
// remote, walking it forward or in reverse.
func New(log logging.Logger, socket *connio.Socket, remote *net.UDPAddr, hash wire.ResourceHash,
	length uint64, start, end uint64, reverse bool, blockLen func(uint64) uint64,
	cb Callbacks, m *metrics.Connection) *Connection {
	return &Connection{
		log:            log,
		socket:         socket,
		remote:         remote,
		hash:           hash,
		length:         length,
		reverse:        reverse,
		rangeStart:     start,
		rangeEnd:       end,
		blockLen:       blockLen,
		state:            Requesting,
		decoders:         make(map[uint64]*fec.BlockDecoder),
		receivedCounts:   make(map[uint64]uint32),
		acked:            make(map[uint64]bool),
		requestedRateBps: 1_000_000,
		inbox:            make(chan wire.Packet, 64),
		shrinkCh:         make(chan shrinkRequest, 8),
		stop:             make(chan struct{}),
		cb:               cb,
		metrics:          m,
	}
}

func (c *Connection) Deliver(p wire.Packet) {
	select {
	case c.inbox <- p:
	case <-c.stop:
	}
}

func (c *Connection) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Connection) State() State { return c.state }

func (c *Connection) IsReverse() bool { return c.reverse }

// shrinkRequest carries a boundary narrowing from the partitioner into
// this connection's own actor loop (see ShrinkTo).
type shrinkRequest struct{ start, end uint64 }

// ShrinkTo is called by the partitioner, from its own goroutine, to narrow
// this connection's working range (spec.md §4.6). It only enqueues the
// request: the range mutation itself always runs on this connection's own
// actor loop, preserving the "connection actor is the sole mutator of its
// own state" discipline of spec.md §5.
func (c *Connection) ShrinkTo(start, end uint64) {
	select {
	case c.shrinkCh <- shrinkRequest{start, end}:
	case <-c.stop:
	}
}

// applyShrink runs on the connection's own actor loop. Opposite-Range-ACK
// is the special case end==start.
func (c *Connection) applyShrink(start, end uint64) {
	if start > c.rangeStart {
		c.rangeStart = start
	}
	if end < c.rangeEnd {
		c.rangeEnd = end
	}
	for id := range c.decoders {
		if id < c.rangeStart || id >= c.rangeEnd {
			delete(c.decoders, id)
			delete(c.receivedCounts, id)
		}
	}
	c.sendShrink(c.rangeStart, c.rangeEnd)
	if c.rangeStart >= c.rangeEnd && c.state != Closed {
		c.state = Completing
	}
}

func (c *Connection) sendShrink(start, end uint64) {
	frame, err := wire.Serialize(wire.ShrinkRange{Start: start, End: end})
	if err != nil {
		return
	}
	_ = c.socket.Send(frame, c.remote)
}

// Run is the actor loop: alternate between waiting for inbound Data/Error,
// the Requesting-state backoff timer, and the Established-state keepalive
// and feedback timers (spec.md §4.5, §4.8).
func (c *Connection) Run() {
	defer func() {
		c.state = Closed
		if c.cb.Closed != nil {
			c.cb.Closed(c)
		}
	}()

	c.epoch = time.Now()
	backoff := rateloop.NewRequestBackoff()
	c.sendRequest()

	firstInterval, _ := backoff.Next()
	requestTimer := time.NewTimer(firstInterval)
	defer requestTimer.Stop()
	feedbackTimer := time.NewTimer(rateloop.MinFeedbackPeriod)
	defer feedbackTimer.Stop()
	completingDeadline := (<-chan time.Time)(nil)

	for {
		select {
		case <-c.stop:
			return

		case pkt := <-c.inbox:
			c.handle(pkt)
			if c.state == Completing && completingDeadline == nil {
				d := time.NewTimer(c.completingGrace())
				defer d.Stop()
				completingDeadline = d.C
			}

		case req := <-c.shrinkCh:
			c.applyShrink(req.start, req.end)
			if c.state == Completing && completingDeadline == nil {
				d := time.NewTimer(c.completingGrace())
				defer d.Stop()
				completingDeadline = d.C
			}

		case <-requestTimer.C:
			if c.state != Requesting {
				continue
			}
			interval, giveUp := backoff.Next()
			if giveUp {
				c.log.Errorf("handshake to %s timed out", c.remote)
				return
			}
			c.sendRequest()
			requestTimer.Reset(interval)

		case <-feedbackTimer.C:
			if c.state == Established {
				c.sendFeedback()
				c.sendKeepalive()
			}
			feedbackTimer.Reset(c.rtt.FeedbackPeriod())

		case <-completingDeadline:
			return
		}
	}
}

func (c *Connection) completingGrace() time.Duration {
	rtt := c.rtt.SRTT()
	if rtt <= 0 {
		rtt = rateloop.MinFeedbackPeriod
	}
	return rtt
}

func (c *Connection) handle(p wire.Packet) {
	switch v := p.(type) {
	case wire.Data:
		c.onData(v)
	case wire.ErrorPacket:
		c.log.Errorf("sender %s reported error code %d", c.remote, v.Code)
	}
}

func (c *Connection) sendRequest() {
	now := time.Now()
	req := wire.RequestResource{
		Reverse:         c.reverse,
		Timestamp:       uint32(now.Sub(c.epoch).Milliseconds()) & wire.TimestampMask,
		SendingRate:     c.requestedRate(),
		BlockRangeStart: c.rangeStart,
		BlockRangeEnd:   c.rangeEnd,
		ResourceHash:    c.hash,
		ResourceLength:  c.length,
	}
	frame, err := wire.Serialize(req)
	if err != nil {
		return
	}
	_ = c.socket.Send(frame, c.remote)
}

func (c *Connection) requestedRate() uint32 {
	if c.requestedRateBps > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(c.requestedRateBps)
}

// SetRequestedRate overrides the rate advertised in this connection's
// Requests, from the CLI's optional -r flag (spec.md §6).
func (c *Connection) SetRequestedRate(bps uint64) {
	c.requestedRateBps = bps
}

func (c *Connection) onData(d wire.Data) {
	if c.state == Requesting {
		c.state = Established
		c.log.Infof("connection to %s: Established", c.remote)
	}
	if d.BlockID < c.rangeStart || d.BlockID >= c.rangeEnd || c.acked[d.BlockID] {
		return // outside current range: spec.md §3 invariant
	}

	now := time.Now()
	if !c.lastDataRecvAt.IsZero() {
		interval := now.Sub(c.lastDataRecvAt)
		c.rtt.Sample(interval)
		if c.metrics != nil {
			c.metrics.RTT.Observe(interval.Seconds())
		}
	}
	c.lastDataTimestamp = d.Timestamp
	c.lastDataRecvAt = now
	c.packetsSinceReport++
	if d.SequenceNumber+1 > c.maxSeqSinceReport {
		c.maxSeqSinceReport = d.SequenceNumber + 1
	}
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc() // symmetric counter name, receive side
	}

	dec, ok := c.decoders[d.BlockID]
	if !ok {
		dec, _ = fec.NewBlockDecoder(c.blockLen(d.BlockID))
		if dec == nil {
			return
		}
		c.decoders[d.BlockID] = dec
	}
	c.receivedCounts[d.BlockID]++

	full, err := dec.Feed(d.SequenceNumber, d.Symbol)
	if err != nil {
		c.log.Errorf("decode block %d: %v", d.BlockID, err)
		return
	}
	if full == nil {
		if c.receivedCounts[d.BlockID] >= fec.SourceSymbolsPerBlock+nackThresholdSlack {
			c.sendNack(d.BlockID, c.receivedCounts[d.BlockID])
		}
		return
	}

	c.onBlockComplete(d.BlockID, full)
}

func (c *Connection) onBlockComplete(blockID uint64, data []byte) {
	c.acked[blockID] = true
	delete(c.decoders, blockID)
	delete(c.receivedCounts, blockID)
	c.sendAck(blockID)

	if c.metrics != nil {
		c.metrics.BlocksAcked.Inc()
	}
	if c.cb.OnBlockDecoded != nil {
		c.cb.OnBlockDecoded(blockID, data)
	}

	isLeadingEdge := (!c.reverse && blockID == c.rangeStart) || (c.reverse && blockID == c.rangeEnd-1)
	if isLeadingEdge && c.cb.LeadingEdgeAcked != nil {
		c.cb.LeadingEdgeAcked(c, blockID)
	}

	if !c.reverse {
		for c.rangeStart < c.rangeEnd && c.acked[c.rangeStart] {
			c.rangeStart++
		}
	} else {
		for c.rangeEnd > c.rangeStart && c.acked[c.rangeEnd-1] {
			c.rangeEnd--
		}
	}
	if c.rangeStart >= c.rangeEnd && c.state == Established {
		c.state = Completing
		c.sendShrink(c.rangeStart, c.rangeStart) // Opposite-Range-ACK
	}
}

func (c *Connection) sendAck(blockID uint64) {
	frame, err := wire.Serialize(wire.AckBlock{BlockID: blockID})
	if err != nil {
		return
	}
	_ = c.socket.Send(frame, c.remote)
}

func (c *Connection) sendNack(blockID uint64, received uint32) {
	frame, err := wire.Serialize(wire.NackBlock{BlockID: blockID, ReceivedCount: received})
	if err != nil {
		return
	}
	_ = c.socket.Send(frame, c.remote)
}

func (c *Connection) sendKeepalive() {
	c.sendRequest()
}

func (c *Connection) sendFeedback() {
	now := time.Now()
	delay := now.Sub(c.lastDataRecvAt)
	if c.lastDataRecvAt.IsZero() {
		delay = 0
	}

	var loss float64
	if c.maxSeqSinceReport > 0 {
		loss = 1 - float64(c.packetsSinceReport)/float64(c.maxSeqSinceReport)
		if loss < 0 {
			loss = 0
		}
	}
	c.lossEventRate = loss

	receiveRate := uint32(0)
	period := c.rtt.FeedbackPeriod().Seconds()
	if period > 0 {
		receiveRate = uint32(float64(c.packetsSinceReport) / period)
	}

	c.feedbackTimestamp = uint32(now.Sub(c.epoch).Milliseconds()) & wire.TimestampMask
	fb := wire.Feedback{
		Timestamp:     c.lastDataTimestamp,
		Delay:         clampDelayMs(delay),
		ReceiveRate:   receiveRate,
		LossEventRate: float32(loss),
	}
	frame, err := wire.Serialize(fb)
	if err == nil {
		_ = c.socket.Send(frame, c.remote)
	}

	c.packetsSinceReport = 0
	c.maxSeqSinceReport = 0
	if c.metrics != nil {
		c.metrics.LossEventRate.Set(loss)
	}
}

func clampDelayMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}
