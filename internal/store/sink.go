package store

import (
	"io"
	"sync"

	"github.com/felixschorer/cmb-protocol/internal/fec"
)

// Sink is the receiver-side output: accepts (block id, bytes) tuples in
// any order and writes them to the output (file, stdout, /dev/null),
// truncating the final block to the resource's true length.
type Sink interface {
	WriteBlock(blockID uint64, data []byte) error
	Close() error
}

// WriterAt is satisfied by *os.File for regular files and /dev/null: it
// lets blocks land at their final offset regardless of arrival order.
type WriterAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

// RandomAccessSink writes directly at block_id * BlockSize, for any sink
// that supports positioned writes.
type RandomAccessSink struct {
	mu     sync.Mutex
	w      WriterAt
	closer io.Closer
	length uint64
}

func NewRandomAccessSink(w WriterAt, closer io.Closer, length uint64) *RandomAccessSink {
	return &RandomAccessSink{w: w, closer: closer, length: length}
}

func (s *RandomAccessSink) WriteBlock(blockID uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := blockID * fec.BlockSize
	if off >= s.length {
		return nil
	}
	if off+uint64(len(data)) > s.length {
		data = data[:s.length-off]
	}
	if len(data) == 0 {
		return nil
	}
	_, err := s.w.WriteAt(data, int64(off))
	return err
}

func (s *RandomAccessSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// StreamSink writes to a non-seekable io.Writer (e.g. stdout) by buffering
// blocks that arrive ahead of the next one due and flushing in order as
// soon as the run becomes contiguous again.
type StreamSink struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	length  uint64
	written uint64
	pending map[uint64][]byte
}

func NewStreamSink(w io.Writer, closer io.Closer, length uint64) *StreamSink {
	return &StreamSink{w: w, closer: closer, length: length, pending: make(map[uint64][]byte)}
}

func (s *StreamSink) WriteBlock(blockID uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := blockID * fec.BlockSize
	if off != s.written {
		s.pending[blockID] = data
		return nil
	}
	if err := s.writeTruncated(data); err != nil {
		return err
	}
	// Drain any blocks that are now contiguous.
	for {
		nextID := s.written / fec.BlockSize
		next, ok := s.pending[nextID]
		if !ok {
			return nil
		}
		delete(s.pending, nextID)
		if err := s.writeTruncated(next); err != nil {
			return err
		}
	}
}

func (s *StreamSink) writeTruncated(data []byte) error {
	if s.written >= s.length {
		s.written += uint64(len(data))
		return nil
	}
	if s.written+uint64(len(data)) > s.length {
		data = data[:s.length-s.written]
	}
	n, err := s.w.Write(data)
	s.written += uint64(n)
	return err
}

func (s *StreamSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// DiscardSink implements Sink for /dev/null without touching the
// filesystem at all.
type DiscardSink struct{}

func (DiscardSink) WriteBlock(uint64, []byte) error { return nil }
func (DiscardSink) Close() error                    { return nil }
