package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the device fingerprint from the user agent and source
// address. A NUL separator keeps ("ab","c") and ("a","bc") distinct.
func Fingerprint(userAgent, ip string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(userAgent)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(ip)))
	return hex.EncodeToString(h.Sum(nil))
}

// HashCode returns the SHA-256 digest stored for a verification code.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(strings.TrimSpace(code)))
}
