package crypto

import (
	"strings"
	"testing"
)

func TestChecksumKnownVector(t *testing.T) {
	// BLAKE2b-256 of the empty input.
	const want = "blake2b-256:0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	if got := Checksum(nil); got != want {
		t.Fatalf("Checksum(nil) = %s, want %s", got, want)
	}
}

func TestVerifyChecksum(t *testing.T) {
	payload := []byte("%PDF-1.7 sample")
	sum := Checksum(payload)

	if !VerifyChecksum(payload, sum) {
		t.Fatalf("expected checksum to verify")
	}
	if !VerifyChecksum(payload, ChecksumPrefix+strings.ToUpper(sum[len(ChecksumPrefix):])) {
		t.Fatalf("expected hex comparison to ignore case")
	}
	if VerifyChecksum([]byte("%PDF-1.7 tampered"), sum) {
		t.Fatalf("tampered payload must not verify")
	}
	if VerifyChecksum(payload, "sha256:"+sum[len(ChecksumPrefix):]) {
		t.Fatalf("unknown algorithm must not verify")
	}
	if VerifyChecksum(payload, "") {
		t.Fatalf("empty checksum must not verify")
	}
}
