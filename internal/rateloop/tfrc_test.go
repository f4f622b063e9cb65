package rateloop

import "testing"

func TestThroughputEquationNoLossIsUnbounded(t *testing.T) {
	got := throughputEquation(1350, 0.1, 0)
	if !isInf(got) {
		t.Fatalf("expected +Inf with no loss, got %v", got)
	}
}

func TestThroughputEquationDecreasesWithLoss(t *testing.T) {
	low := throughputEquation(1350, 0.1, 0.01)
	high := throughputEquation(1350, 0.1, 0.1)
	if !(low > high) {
		t.Fatalf("expected throughput to drop as loss rate rises: p=0.01 -> %v, p=0.1 -> %v", low, high)
	}
}

func TestAllowedRateBpsCappedByRequest(t *testing.T) {
	got := AllowedRateBps(1_000, 1350, 0.05, 0) // no loss: TFRC cap is infinite
	if got != 1_000 {
		t.Fatalf("expected requested rate to win with no loss, got %d", got)
	}
}

func TestAllowedRateBpsNeverZero(t *testing.T) {
	got := AllowedRateBps(10_000_000, 1350, 2.0, 0.9)
	if got == 0 {
		t.Fatalf("AllowedRateBps must never floor to zero")
	}
}

func isInf(f float64) bool {
	return f > 1e300
}
