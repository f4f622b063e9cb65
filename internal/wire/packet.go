// Package wire implements the CMB Protocol on-wire packet codec: seven
// fixed-layout, big-endian packet kinds, each a single UDP datagram.
package wire

import "fmt"

// Magic identifies a packet kind in the first two bytes of every datagram.
type Magic uint16

const (
	MagicRequestResource Magic = 0xcb00
	MagicData            Magic = 0xcb01
	MagicAckBlock        Magic = 0xcb02
	MagicNackBlock       Magic = 0xcb03
	MagicShrinkRange     Magic = 0xcb04
	MagicError           Magic = 0xcb05
	MagicFeedback        Magic = 0xcb06
)

func (m Magic) String() string {
	switch m {
	case MagicRequestResource:
		return "RequestResource"
	case MagicData:
		return "Data"
	case MagicAckBlock:
		return "AckBlock"
	case MagicNackBlock:
		return "NackBlock"
	case MagicShrinkRange:
		return "ShrinkRange"
	case MagicError:
		return "Error"
	case MagicFeedback:
		return "Feedback"
	default:
		return fmt.Sprintf("Magic(0x%04x)", uint16(m))
	}
}

// ResourceHash is the 128-bit content identifier of a resource.
type ResourceHash [16]byte

// Packet is implemented by every one of the seven wire packet kinds.
type Packet interface {
	Magic() Magic
}

// RequestResource opens or refreshes a connection: R->S.
type RequestResource struct {
	Reverse         bool
	Timestamp       uint32 // relative milliseconds, wraps at 2^24
	SendingRate     uint32 // bits per second
	BlockRangeStart uint64 // inclusive
	BlockRangeEnd   uint64 // exclusive
	ResourceHash    ResourceHash
	ResourceLength  uint64
}

func (RequestResource) Magic() Magic { return MagicRequestResource }

// Data carries one FEC-encoded symbol for a block: S->R.
type Data struct {
	BlockID        uint64 // 48-bit on the wire
	Timestamp      uint32 // relative milliseconds since connection epoch
	Delay          uint16 // milliseconds since last Request was received
	SequenceNumber uint32 // 24-bit encoding symbol ID (ESI)
	Symbol         []byte
}

func (Data) Magic() Magic { return MagicData }

// AckBlock reports a fully-decoded block: R->S.
type AckBlock struct {
	BlockID uint64 // 48-bit on the wire
}

func (AckBlock) Magic() Magic { return MagicAckBlock }

// NackBlock asks the sender to keep emitting symbols for a block: R->S.
type NackBlock struct {
	BlockID       uint64 // 48-bit on the wire
	ReceivedCount uint32
}

func (NackBlock) Magic() Magic { return MagicNackBlock }

// ShrinkRange narrows a connection's working range to [Start, End), retiring
// every block outside it: R->S. The special case Start == End is an
// Opposite-Range-ACK: it shrinks the connection's working range to empty.
type ShrinkRange struct {
	Start uint64
	End   uint64
}

func (ShrinkRange) Magic() Magic { return MagicShrinkRange }

// ErrorCode enumerates the numeric codes carried by Error packets.
type ErrorCode uint16

const (
	ErrorUnknownResource ErrorCode = iota + 1
	ErrorProtocolViolation
	ErrorInactivityTimeout
)

// ErrorPacket carries a numeric error code: either direction.
type ErrorPacket struct {
	Code ErrorCode
}

func (ErrorPacket) Magic() Magic { return MagicError }

// Feedback carries a TFRC measurement report: R->S.
type Feedback struct {
	Timestamp     uint32 // timestamp of last Data receipt, relative ms
	Delay         uint16 // ms elapsed since that Data receipt
	ReceiveRate   uint32 // packets per second over the last RTT
	LossEventRate float32
}

func (Feedback) Magic() Magic { return MagicFeedback }
