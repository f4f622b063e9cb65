package rateloop

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer paces outgoing Data packets at a target bits-per-second rate,
// implementing spec.md §4.7's next_send_time recurrence: on a rate change
// the incremental interval is recomputed from that moment, never
// accumulating historical debt.
//
// golang.org/x/time/rate.Limiter is layered on top as the canonical holder
// of "the currently negotiated rate" (it supports SetLimit for the TFRC
// feedback loop, §4.4) and as a defense-in-depth burst gate; the
// next_send_time field is what actually decides when the next packet may
// go out, matching the spec's literal algorithm.
type Pacer struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	nextSendTime time.Time
	rateBps      uint64
}

// NewPacer creates a pacer at the given initial rate, in bits per second.
func NewPacer(rateBps uint64) *Pacer {
	bytesPerSecond := rate.Limit(float64(rateBps) / 8)
	return &Pacer{
		limiter:      rate.NewLimiter(bytesPerSecond, maxBurstBytes),
		nextSendTime: time.Now(),
		rateBps:      rateBps,
	}
}

// maxBurstBytes bounds how many bytes the limiter will release in one
// instant; set to a handful of symbols so a rate increase cannot produce an
// unbounded burst.
const maxBurstBytes = 8 * 1350

// SetRate changes the target rate. The next scheduled send time is left
// untouched: only the increment applied after the next send changes, per
// spec.md §4.7 ("recompute incremental interval from that moment").
func (p *Pacer) SetRate(rateBps uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rateBps == 0 {
		rateBps = 1
	}
	p.rateBps = rateBps
	p.limiter.SetLimit(rate.Limit(float64(rateBps) / 8))
}

// RateBps reports the currently negotiated rate.
func (p *Pacer) RateBps() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateBps
}

// NextSendTime reports when the pacer will next permit a send.
func (p *Pacer) NextSendTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSendTime
}

// RecordSend must be called immediately after a packet of packetSizeBytes
// is sent; it advances next_send_time by packet_size_bits / current_rate.
// The limiter is consulted as a burst gate: if it denies the packet
// (maxBurstBytes exceeded), next_send_time is pushed out to the limiter's
// own reservation delay instead of the plain rate-derived increment, so a
// burst actually throttles future sends rather than merely being recorded.
func (p *Pacer) RecordSend(packetSizeBytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.nextSendTime.Before(now) {
		p.nextSendTime = now
	}
	intervalSeconds := float64(packetSizeBytes*8) / float64(p.rateBps)
	increment := time.Duration(intervalSeconds * float64(time.Second))

	if !p.limiter.AllowN(now, packetSizeBytes) {
		r := p.limiter.ReserveN(now, packetSizeBytes)
		if r.OK() {
			if delay := r.DelayFrom(now); delay > increment {
				increment = delay
			}
		}
	}
	p.nextSendTime = p.nextSendTime.Add(increment)
}
