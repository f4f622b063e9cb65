package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxDatagramSize is the largest payload this codec will ever produce or
// accept, chosen to fit a common MTU including UDP/IP headers (spec.md §6).
const MaxDatagramSize = 1400

// TimestampMask wraps 24-bit relative-millisecond timestamps at 2^24 ms
// (~4.66h), per spec.md §4.1.
const TimestampMask = 1<<24 - 1

// SequenceMask wraps 24-bit FEC encoding symbol sequence numbers.
const SequenceMask = 1<<24 - 1

// BlockIDMask keeps block ids to the 48-bit wire width.
const BlockIDMask = 1<<48 - 1

// DiffTimestamp returns a-b on the 24-bit wrapping timestamp space, i.e.
// the signed delta a reader would compute if a is "now" and b is a
// previously recorded stamp.
func DiffTimestamp(a, b uint32) int32 {
	d := int32((a - b) & TimestampMask)
	if d > TimestampMask/2 {
		d -= TimestampMask + 1
	}
	return d
}

var (
	ErrUnknownMagic    = errors.New("wire: unknown packet magic")
	ErrShortFrame      = errors.New("wire: frame too short")
	ErrTrailingBytes   = errors.New("wire: trailing bytes after frame")
	ErrInvalidRange    = errors.New("wire: invalid block range")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds MaxDatagramSize")
)

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

const reverseFlag = 1 << 0

// Serialize marshals a packet into its on-wire frame. It returns an error
// for an unsupported packet type or a Data symbol too large for one
// datagram; it never panics.
func Serialize(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case RequestResource:
		buf := make([]byte, 2+1+3+4+8+8+16+8)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicRequestResource))
		var flags byte
		if v.Reverse {
			flags |= reverseFlag
		}
		buf[2] = flags
		putUint24(buf[3:6], v.Timestamp&TimestampMask)
		binary.BigEndian.PutUint32(buf[6:10], v.SendingRate)
		binary.BigEndian.PutUint64(buf[10:18], v.BlockRangeStart)
		binary.BigEndian.PutUint64(buf[18:26], v.BlockRangeEnd)
		copy(buf[26:42], v.ResourceHash[:])
		binary.BigEndian.PutUint64(buf[42:50], v.ResourceLength)
		return buf, nil

	case Data:
		if len(v.Symbol) > MaxDatagramSize-16 {
			return nil, ErrPayloadTooLarge
		}
		buf := make([]byte, 16+len(v.Symbol))
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicData))
		putUint48(buf[2:8], v.BlockID&BlockIDMask)
		putUint24(buf[8:11], v.Timestamp&TimestampMask)
		binary.BigEndian.PutUint16(buf[11:13], v.Delay)
		putUint24(buf[13:16], v.SequenceNumber&SequenceMask)
		copy(buf[16:], v.Symbol)
		return buf, nil

	case AckBlock:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicAckBlock))
		putUint48(buf[2:8], v.BlockID&BlockIDMask)
		return buf, nil

	case NackBlock:
		buf := make([]byte, 12)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicNackBlock))
		putUint48(buf[2:8], v.BlockID&BlockIDMask)
		binary.BigEndian.PutUint32(buf[8:12], v.ReceivedCount)
		return buf, nil

	case ShrinkRange:
		buf := make([]byte, 18)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicShrinkRange))
		binary.BigEndian.PutUint64(buf[2:10], v.Start)
		binary.BigEndian.PutUint64(buf[10:18], v.End)
		return buf, nil

	case ErrorPacket:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicError))
		binary.BigEndian.PutUint16(buf[2:4], uint16(v.Code))
		return buf, nil

	case Feedback:
		buf := make([]byte, 15)
		binary.BigEndian.PutUint16(buf[0:2], uint16(MagicFeedback))
		putUint24(buf[2:5], v.Timestamp&TimestampMask)
		binary.BigEndian.PutUint16(buf[5:7], v.Delay)
		binary.BigEndian.PutUint32(buf[7:11], v.ReceiveRate)
		binary.BigEndian.PutUint32(buf[11:15], math.Float32bits(v.LossEventRate))
		return buf, nil

	default:
		return nil, fmt.Errorf("wire: unsupported packet type %T", p)
	}
}

// Parse unmarshals a frame into its typed packet. Malformed or unknown
// frames are reported as an error; callers drop them silently per
// spec.md §6/§7, only incrementing a counter.
func Parse(frame []byte) (Packet, error) {
	if len(frame) < 2 {
		return nil, ErrShortFrame
	}
	magic := Magic(binary.BigEndian.Uint16(frame[0:2]))

	switch magic {
	case MagicRequestResource:
		const size = 2 + 1 + 3 + 4 + 8 + 8 + 16 + 8
		if len(frame) != size {
			return nil, ErrShortFrame
		}
		flags := frame[2]
		p := RequestResource{
			Reverse:         flags&reverseFlag != 0,
			Timestamp:       getUint24(frame[3:6]),
			SendingRate:     binary.BigEndian.Uint32(frame[6:10]),
			BlockRangeStart: binary.BigEndian.Uint64(frame[10:18]),
			BlockRangeEnd:   binary.BigEndian.Uint64(frame[18:26]),
			ResourceLength:  binary.BigEndian.Uint64(frame[42:50]),
		}
		copy(p.ResourceHash[:], frame[26:42])
		if p.BlockRangeStart > p.BlockRangeEnd {
			return nil, ErrInvalidRange
		}
		return p, nil

	case MagicData:
		if len(frame) < 16 {
			return nil, ErrShortFrame
		}
		symbol := make([]byte, len(frame)-16)
		copy(symbol, frame[16:])
		return Data{
			BlockID:        getUint48(frame[2:8]),
			Timestamp:      getUint24(frame[8:11]),
			Delay:          binary.BigEndian.Uint16(frame[11:13]),
			SequenceNumber: getUint24(frame[13:16]),
			Symbol:         symbol,
		}, nil

	case MagicAckBlock:
		if len(frame) != 8 {
			return nil, ErrShortFrame
		}
		return AckBlock{BlockID: getUint48(frame[2:8])}, nil

	case MagicNackBlock:
		if len(frame) != 12 {
			return nil, ErrShortFrame
		}
		return NackBlock{
			BlockID:       getUint48(frame[2:8]),
			ReceivedCount: binary.BigEndian.Uint32(frame[8:12]),
		}, nil

	case MagicShrinkRange:
		if len(frame) != 18 {
			return nil, ErrShortFrame
		}
		start := binary.BigEndian.Uint64(frame[2:10])
		end := binary.BigEndian.Uint64(frame[10:18])
		if start > end {
			return nil, ErrInvalidRange
		}
		return ShrinkRange{Start: start, End: end}, nil

	case MagicError:
		if len(frame) != 4 {
			return nil, ErrShortFrame
		}
		return ErrorPacket{Code: ErrorCode(binary.BigEndian.Uint16(frame[2:4]))}, nil

	case MagicFeedback:
		if len(frame) != 15 {
			return nil, ErrShortFrame
		}
		return Feedback{
			Timestamp:     getUint24(frame[2:5]),
			Delay:         binary.BigEndian.Uint16(frame[5:7]),
			ReceiveRate:   binary.BigEndian.Uint32(frame[7:11]),
			LossEventRate: math.Float32frombits(binary.BigEndian.Uint32(frame[11:15])),
		}, nil

	default:
		return nil, ErrUnknownMagic
	}
}
