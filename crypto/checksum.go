// Package crypto computes payload digests for outbound and inbound transfers.
package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ChecksumPrefix names the digest algorithm inside checksum strings.
const ChecksumPrefix = "blake2b-256:"

// Checksum returns the BLAKE2b-256 digest of payload as "blake2b-256:<hex>".
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether checksum matches payload. Unknown algorithms never
// match.
func VerifyChecksum(payload []byte, checksum string) bool {
	if !strings.HasPrefix(checksum, ChecksumPrefix) {
		return false
	}
	want := Checksum(payload)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(checksum)), []byte(want)) == 1
}
