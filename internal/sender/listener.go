package sender

import (
	"net"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Listener owns one bound UDP socket and fans incoming datagrams out to
// per-remote Connection actors, creating a new one on each remote's first
// valid Request (spec.md §4.4). This is the sender-side half of the "UDP
// socket owned by a dedicated I/O task with a fan-in mailbox" model of
// spec.md §5.
type Listener struct {
	log    logging.Logger
	socket *connio.Socket
	store  *store.Store
	reg    *metrics.Registry

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewListener(log logging.Logger, socket *connio.Socket, st *store.Store, reg *metrics.Registry) *Listener {
	return &Listener{
		log:    log,
		socket: socket,
		store:  st,
		reg:    reg,
		conns:  make(map[string]*Connection),
	}
}

// Serve reads datagrams until the socket is closed. It never returns nil.
func (l *Listener) Serve() error {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := l.socket.Recv(buf)
		if err != nil {
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		pkt, err := wire.Parse(frame)
		if err != nil {
			l.log.Debugf("dropping malformed frame from %s: %v", addr, err)
			if l.reg != nil {
				l.reg.MalformedFrames.Inc()
			}
			continue
		}
		l.dispatch(addr, pkt)
	}
}

func (l *Listener) dispatch(addr *net.UDPAddr, pkt wire.Packet) {
	key := addr.String()

	l.mu.Lock()
	conn, ok := l.conns[key]
	l.mu.Unlock()

	if ok {
		conn.Deliver(pkt)
		return
	}

	req, isRequest := pkt.(wire.RequestResource)
	if !isRequest {
		return // unknown connection, non-Request packet: silently ignore
	}

	resource, ok := l.store.Lookup(req.ResourceHash)
	if !ok {
		l.replyError(addr, wire.ErrorUnknownResource)
		return
	}
	// BlockRangeStart == BlockRangeEnd is accepted (e.g. an empty resource,
	// scenario 1, §8): a connection is created and closes at once without
	// sending anything back. Only start > end is malformed.
	if req.ResourceLength != resource.Length || req.BlockRangeStart > req.BlockRangeEnd ||
		req.BlockRangeEnd > resource.NumBlocks() {
		l.replyError(addr, wire.ErrorProtocolViolation)
		return
	}

	var connMetrics *metrics.Connection
	if l.reg != nil {
		connMetrics = l.reg.ForConnection(addr.String())
	}
	conn = New(l.log.With("remote", key), l.socket, addr, resource, connMetrics)

	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()

	go func() {
		conn.Run()
		l.mu.Lock()
		delete(l.conns, key)
		l.mu.Unlock()
	}()

	conn.Deliver(req)
}

func (l *Listener) replyError(addr *net.UDPAddr, code wire.ErrorCode) {
	frame, err := wire.Serialize(wire.ErrorPacket{Code: code})
	if err != nil {
		return
	}
	_ = l.socket.Send(frame, addr)
}

// Close closes the underlying socket, ending Serve with an error the
// caller should treat as a clean shutdown.
func (l *Listener) Close() error {
	return l.socket.Close()
}
