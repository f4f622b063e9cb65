// Package partition implements the receiver-side partitioner (spec.md
// §4.6): it splits the block-id space across up to two connections,
// shrinks the trailing connection as the other makes progress, and
// coordinates session-wide completion and teardown. It owns the
// session's completed-block set and the output sink exclusively, the
// only two pieces of state spec.md §5 allows to be shared across
// connection actors; the convergence boundaries below are a third, kept
// here rather than read back out of the connections themselves so that no
// actor ever reaches into another's internal range fields (spec.md §5).
package partition

import (
	"fmt"
	"net"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/receiver"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Endpoint is one client-configured target: a remote server address and
// an optional sending-rate bound (spec.md §6 CLI surface).
type Endpoint struct {
	Remote  *net.UDPAddr
	RateBps uint64 // 0 means "use the protocol default"
}

// Session drives one resource transfer end to end.
type Session struct {
	log       logging.Logger
	hash      wire.ResourceHash
	length    uint64
	numBlocks uint64
	sink      store.Sink
	reg       *metrics.Registry

	mu          sync.Mutex
	completed   map[uint64]bool
	lowClaimed  uint64 // [0, lowClaimed) is claimed by the forward connection
	highClaimed uint64 // [highClaimed, numBlocks) is claimed by the reverse connection
	conns       []*receiver.Connection
	sockets     []*connio.Socket
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSession creates the partitioner for a resource of the given length,
// to be split across 1 or 2 endpoints.
func NewSession(log logging.Logger, hash wire.ResourceHash, length uint64, sink store.Sink, reg *metrics.Registry) *Session {
	numBlocks := length / fec.BlockSize
	if length%fec.BlockSize != 0 {
		numBlocks++
	}
	return &Session{
		log:         log,
		hash:        hash,
		length:      length,
		numBlocks:   numBlocks,
		sink:        sink,
		reg:         reg,
		completed:   make(map[uint64]bool),
		highClaimed: numBlocks,
		done:        make(chan struct{}),
	}
}

func (s *Session) blockLength(blockID uint64) uint64 {
	start := blockID * fec.BlockSize
	end := start + fec.BlockSize
	if end > s.length {
		end = s.length
	}
	if end < start {
		return 0
	}
	return end - start
}

// Start dials one UDP socket per endpoint and launches a connection per
// spec.md §4.6: a single endpoint gets the whole forward range; two
// endpoints split it, A forward from the low end, B in reverse from the
// high end, converging in the middle.
func (s *Session) Start(endpoints []Endpoint) error {
	if len(endpoints) == 0 || len(endpoints) > 2 {
		return fmt.Errorf("partition: need 1 or 2 endpoints, got %d", len(endpoints))
	}

	for i, ep := range endpoints {
		sock, err := connio.Dial(ep.Remote)
		if err != nil {
			for _, s := range s.sockets {
				_ = s.Close()
			}
			return err
		}
		s.sockets = append(s.sockets, sock)

		reverse := i == 1
		var m *metrics.Connection
		if s.reg != nil {
			m = s.reg.ForConnection(ep.Remote.String())
		}
		conn := receiver.New(s.log.With("remote", ep.Remote.String()), sock, ep.Remote,
			s.hash, s.length, 0, s.numBlocks, reverse, s.blockLength, receiver.Callbacks{
				OnBlockDecoded:   s.onBlockDecoded,
				LeadingEdgeAcked: s.onLeadingEdgeAcked,
				Closed:           s.onConnClosed,
			}, m)
		if ep.RateBps > 0 {
			conn.SetRequestedRate(ep.RateBps)
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go conn.Run()
		go func() {
			buf := make([]byte, wire.MaxDatagramSize)
			for {
				n, _, err := sock.Recv(buf)
				if err != nil {
					return
				}
				pkt, err := wire.Parse(buf[:n])
				if err != nil {
					continue
				}
				conn.Deliver(pkt)
			}
		}()
	}

	if s.numBlocks == 0 {
		// Empty resource (spec.md §8 scenario 1): nothing to transfer;
		// tell every connection its range is already empty so it moves
		// straight to Completing and ACKs the opposite range.
		s.mu.Lock()
		conns := append([]*receiver.Connection(nil), s.conns...)
		s.mu.Unlock()
		for _, c := range conns {
			c.ShrinkTo(0, 0)
		}
	}

	return nil
}

// onBlockDecoded is called by whichever connection first reconstructs a
// block. The first connection to claim a block wins; duplicates (the
// in-flight window around the convergence point, spec.md §4.6) are
// dropped here.
func (s *Session) onBlockDecoded(blockID uint64, data []byte) {
	s.mu.Lock()
	if s.completed[blockID] {
		s.mu.Unlock()
		return
	}
	s.completed[blockID] = true
	done := uint64(len(s.completed)) >= s.numBlocks
	s.mu.Unlock()

	if err := s.sink.WriteBlock(blockID, data); err != nil {
		s.log.Errorf("write block %d: %v", blockID, err)
	}
	if done {
		s.finish()
	}
}

// onLeadingEdgeAcked advances this session's convergence boundary and
// shrinks the other connection away from the newly-claimed prefix/suffix,
// so it is never re-requested on both connections (spec.md §4.6).
func (s *Session) onLeadingEdgeAcked(from *receiver.Connection, blockID uint64) {
	s.mu.Lock()
	var other *receiver.Connection
	for _, c := range s.conns {
		if c != from {
			other = c
		}
	}
	var shrinkStart, shrinkEnd uint64
	doShrink := other != nil
	if !from.IsReverse() {
		if blockID+1 > s.lowClaimed {
			s.lowClaimed = blockID + 1
		}
		shrinkStart, shrinkEnd = s.lowClaimed, s.highClaimed
	} else {
		if blockID < s.highClaimed {
			s.highClaimed = blockID
		}
		shrinkStart, shrinkEnd = s.lowClaimed, s.highClaimed
	}
	converged := s.lowClaimed >= s.highClaimed
	s.mu.Unlock()

	if doShrink {
		other.ShrinkTo(shrinkStart, shrinkEnd)
	}
	if converged {
		s.mu.Lock()
		conns := append([]*receiver.Connection(nil), s.conns...)
		s.mu.Unlock()
		for _, c := range conns {
			c.ShrinkTo(s.lowClaimed, s.lowClaimed)
		}
	}
}

func (s *Session) onConnClosed(*receiver.Connection) {
	s.mu.Lock()
	allClosed := true
	for _, c := range s.conns {
		if c.State() != receiver.Closed {
			allClosed = false
			break
		}
	}
	s.mu.Unlock()
	if allClosed {
		s.finish()
	}
}

func (s *Session) finish() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Wait blocks until every block has been acked (or every connection has
// closed, e.g. on a fatal error) and then closes the sink and sockets.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	conns := append([]*receiver.Connection(nil), s.conns...)
	sockets := append([]*connio.Socket(nil), s.sockets...)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, sock := range sockets {
		_ = sock.Close()
	}
	return s.sink.Close()
}

// Complete reports whether every block in [0, numBlocks) has been acked.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.completed)) >= s.numBlocks
}
