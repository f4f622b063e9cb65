package partition_test

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/partition"
	"github.com/felixschorer/cmb-protocol/internal/sender"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func loopback(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func startServer(t *testing.T, data []byte) (*net.UDPAddr, wire.ResourceHash, func()) {
	t.Helper()
	hash := wire.ResourceHash{1, 2, 3, 4}
	resource := store.NewResource(hash, data)
	st := store.NewStore()
	st.Add(resource)

	sock, err := connio.Listen(loopback(t))
	if err != nil {
		t.Fatalf("connio.Listen: %v", err)
	}
	l := sender.NewListener(logging.New(logging.LevelSilent, "server"), sock, st, nil)
	go func() { _ = l.Serve() }()

	return sock.LocalAddr(), hash, func() { _ = l.Close() }
}

func waitComplete(t *testing.T, sess *partition.Session, timeout time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait(): %v", err)
		}
	case <-time.After(timeout):
		t.Fatal("timed out waiting for transfer to complete")
	}
	if !sess.Complete() {
		t.Fatal("session finished but is not Complete()")
	}
}

func TestSingleEndpointTransfer(t *testing.T) {
	data := make([]byte, fec.BlockSize*3+17)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	serverAddr, hash, stop := startServer(t, data)
	defer stop()

	var out bytes.Buffer
	sink := store.NewRandomAccessSink(&fakeWriterAt{&out}, nil, uint64(len(data)))

	log := logging.New(logging.LevelSilent, "client")
	sess := partition.NewSession(log, hash, uint64(len(data)), sink, nil)
	if err := sess.Start([]partition.Endpoint{{Remote: serverAddr}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitComplete(t, sess, 10*time.Second)

	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("received bytes do not match the source resource")
	}
}

func TestTwoEndpointTransferConverges(t *testing.T) {
	data := make([]byte, fec.BlockSize*6)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	addrA, hash, stopA := startServer(t, data)
	defer stopA()
	addrB, _, stopB := startServer(t, data)
	defer stopB()

	var out bytes.Buffer
	sink := store.NewRandomAccessSink(&fakeWriterAt{&out}, nil, uint64(len(data)))

	log := logging.New(logging.LevelSilent, "client")
	sess := partition.NewSession(log, hash, uint64(len(data)), sink, nil)
	endpoints := []partition.Endpoint{{Remote: addrA}, {Remote: addrB}}
	if err := sess.Start(endpoints); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitComplete(t, sess, 15*time.Second)

	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("received bytes do not match the source resource")
	}
}

// fakeWriterAt adapts a growable in-memory buffer to store.WriterAt for
// tests, since *bytes.Buffer has no WriteAt.
type fakeWriterAt struct {
	buf *bytes.Buffer
}

func (f *fakeWriterAt) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > f.buf.Len() {
		f.buf.Write(make([]byte, need-f.buf.Len()))
	}
	copy(f.buf.Bytes()[off:], p)
	return len(p), nil
}
