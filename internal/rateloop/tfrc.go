package rateloop

import "math"

// minAllowedRateBps floors the TFRC-derived cap so a noisy loss estimate
// can never fully stall a connection (spec.md §9).
const minAllowedRateBps = 4 * 8 * float64(1200) // ~4 packets/RTT at a 1-second RTT floor, refined by AllowedRateBps's rtt term

// throughputEquation implements the standard TFRC throughput equation,
// RFC 5348 §3.1:
//
//	X = s / (R*sqrt(2*b*p/3) + (t_RTO*(3*sqrt(3*b*p/8))*p*(1+32*p^2)))
//
// s: packet size in bytes. R: round-trip time in seconds. p: loss event
// rate, 0 < p <= 1. b: packets acknowledged per ACK (1 here, there is no
// delayed-ack equivalent in this protocol). Returns bytes per second.
func throughputEquation(packetSizeBytes float64, rttSeconds float64, lossEventRate float64) float64 {
	if lossEventRate <= 0 {
		// No observed loss: TFRC places no additional cap beyond the
		// receiver-requested rate.
		return math.Inf(1)
	}
	if rttSeconds <= 0 {
		rttSeconds = 0.001
	}
	p := lossEventRate
	b := 1.0
	tRTO := 4 * rttSeconds

	term1 := rttSeconds * math.Sqrt(2*b*p/3)
	term2 := tRTO * (3 * math.Sqrt(3*b*p/8)) * p * (1 + 32*p*p)
	denom := term1 + term2
	if denom <= 0 {
		return math.Inf(1)
	}
	return packetSizeBytes / denom
}

// AllowedRateBps returns the sending rate TFRC permits given the current
// measurements, floored so the connection never fully stalls and capped by
// the receiver-requested rate (spec.md §4.4, §9).
func AllowedRateBps(requestedBps uint64, packetSizeBytes int, rttSeconds float64, lossEventRate float64) uint64 {
	capBps := throughputEquation(float64(packetSizeBytes), rttSeconds, lossEventRate) * 8
	floor := minAllowedRateBps
	if rttSeconds > 0 {
		floor = 4 * float64(packetSizeBytes) * 8 / rttSeconds
	}
	// The floor lifts the TFRC cap only; it must never push the allowed
	// rate above what the receiver actually requested.
	allowed := math.Min(float64(requestedBps), math.Max(capBps, floor))
	return uint64(allowed)
}
