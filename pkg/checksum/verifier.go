// Package checksum verifies downloaded recovery payloads against the MD5 and
// SHA-1 digests published in the image catalog.
//
// Both algorithms are weak against deliberate tampering. They are used only
// to detect corruption in transit, matching what the catalog publishes.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Digests holds lowercase hex digests of a payload.
type Digests struct {
	MD5  string
	SHA1 string
}

// Compute hashes the full payload with both algorithms.
func Compute(payload []byte) Digests {
	m := md5.Sum(payload)
	s := sha1.Sum(payload)
	return Digests{
		MD5:  hex.EncodeToString(m[:]),
		SHA1: hex.EncodeToString(s[:]),
	}
}

// Matches reports whether both digests equal the expected hex values,
// ignoring case and surrounding whitespace.
func (d Digests) Matches(md5Hex, sha1Hex string) bool {
	return equalHex(d.MD5, md5Hex) && equalHex(d.SHA1, sha1Hex)
}

// Verify returns true only if both digests of payload match.
func Verify(payload []byte, md5Hex, sha1Hex string) bool {
	if strings.TrimSpace(md5Hex) == "" || strings.TrimSpace(sha1Hex) == "" {
		return false
	}
	return Compute(payload).Matches(md5Hex, sha1Hex)
}

func equalHex(got, want string) bool {
	return strings.EqualFold(got, strings.TrimSpace(want))
}
