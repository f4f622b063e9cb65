// Package rateloop implements spec.md §4.7 (rate-governed sender loop) and
// §4.8 (timing and retransmit policy): pacing, RTT smoothing, the TFRC
// throughput cap, and the receiver's Request backoff schedule. It mirrors
// the shape of the teacher's own timer handling
// (golang.zx2c4.com/wireguard's RekeyTimeout/KeepaliveTimeout constants
// and per-peer *Timer wrapping time.AfterFunc), generalized from a
// handshake-retry schedule to this protocol's Request backoff.
package rateloop

import "time"

// Constants from spec.md §4.8.
const (
	SmoothingAlpha = 1.0 / 8 // srtt <- (1-alpha)*srtt + alpha*sample

	RequestBackoffInitial = 200 * time.Millisecond
	RequestBackoffCap     = 3200 * time.Millisecond
	RequestBackoffGiveUp  = 30 * time.Second

	InactivityTimeout = 10 * time.Second

	MinFeedbackPeriod = 250 * time.Millisecond
)

// RTTEstimator maintains the smoothed RTT estimate used by the feedback
// period (spec.md §4.8) and by the TFRC throughput cap.
type RTTEstimator struct {
	srtt    time.Duration
	primed  bool
}

// Sample folds in a new RTT measurement.
func (e *RTTEstimator) Sample(sample time.Duration) {
	if !e.primed {
		e.srtt = sample
		e.primed = true
		return
	}
	e.srtt = time.Duration((1-SmoothingAlpha)*float64(e.srtt) + SmoothingAlpha*float64(sample))
}

// SRTT reports the current smoothed RTT, or 0 if no sample has arrived yet.
func (e *RTTEstimator) SRTT() time.Duration {
	return e.srtt
}

// FeedbackPeriod is max(250ms, srtt), per spec.md §4.5/§4.8.
func (e *RTTEstimator) FeedbackPeriod() time.Duration {
	if e.srtt > MinFeedbackPeriod {
		return e.srtt
	}
	return MinFeedbackPeriod
}

// RequestBackoff produces the Requesting-state retransmit schedule: 200ms,
// 400ms, 800ms, ... capped at 3.2s, and reports whether the caller should
// give up (spec.md §4.5, §4.8).
type RequestBackoff struct {
	next    time.Duration
	elapsed time.Duration
}

func NewRequestBackoff() *RequestBackoff {
	return &RequestBackoff{next: RequestBackoffInitial}
}

// Next returns the interval to wait before the next retransmit, and
// whether the caller has exceeded RequestBackoffGiveUp and should abandon
// the handshake.
func (b *RequestBackoff) Next() (interval time.Duration, giveUp bool) {
	interval = b.next
	b.elapsed += interval
	b.next *= 2
	if b.next > RequestBackoffCap {
		b.next = RequestBackoffCap
	}
	return interval, b.elapsed > RequestBackoffGiveUp
}
