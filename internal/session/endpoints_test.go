package session

import (
	"testing"

	"github.com/felixschorer/cmb-protocol/internal/wire"
)

func TestResourceIDRoundTrip(t *testing.T) {
	hash := wire.ResourceHash{}
	for i := range hash {
		hash[i] = byte(i)
	}
	s := FormatResourceID(hash, 123456)

	got, err := ParseResourceID(s)
	if err != nil {
		t.Fatalf("ParseResourceID(%q): %v", s, err)
	}
	if got.Hash != hash {
		t.Fatalf("Hash = %x, want %x", got.Hash, hash)
	}
	if got.Length != 123456 || !got.HasLength {
		t.Fatalf("Length = %d, HasLength = %v, want 123456, true", got.Length, got.HasLength)
	}
}

func TestParseResourceIDWithoutLengthHint(t *testing.T) {
	hash := wire.ResourceHash{0xAB}
	got, err := ParseResourceID(hexEncode(hash))
	if err != nil {
		t.Fatalf("ParseResourceID: %v", err)
	}
	if got.HasLength {
		t.Fatal("HasLength should be false when no length hint was given")
	}
}

func TestParseResourceIDRejectsBadLength(t *testing.T) {
	if _, err := ParseResourceID("not-hex-at-all"); err == nil {
		t.Fatal("expected an error for a malformed resource id")
	}
}

func TestPairEndpoints(t *testing.T) {
	specs, err := PairEndpoints([]string{"127.0.0.1", "127.0.0.2"}, []string{"9000", "9001"}, []string{"50000"})
	if err != nil {
		t.Fatalf("PairEndpoints: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Port != 9000 || specs[0].RateBps != 50000 {
		t.Fatalf("specs[0] = %+v, want Port=9000 RateBps=50000", specs[0])
	}
	if specs[1].Port != 9001 || specs[1].RateBps != 0 {
		t.Fatalf("specs[1] = %+v, want Port=9001 RateBps=0 (no -r given)", specs[1])
	}
}

func TestPairEndpointsRejectsMismatchedCounts(t *testing.T) {
	if _, err := PairEndpoints([]string{"127.0.0.1"}, nil, nil); err == nil {
		t.Fatal("expected an error when -a and -p counts differ")
	}
}

func hexEncode(h wire.ResourceHash) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, b := range h {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0xf]
	}
	return string(out)
}
