package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
)

// RedactToken keeps just enough of a token to correlate log lines.
func RedactToken(token string) string {
	switch n := len(token); {
	case n == 0:
		return ""
	case n <= 12:
		return "[TOKEN-REDACTED]"
	default:
		return token[:4] + "..." + token[n-4:] + "[REDACTED]"
	}
}

// RedactIP truncates v4 addresses to /24 and v6 to /32. Anything that does
// not parse is replaced by a short digest.
func RedactIP(s string) string {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		sum := sha256.Sum256([]byte(s))
		return "hash:" + hex.EncodeToString(sum[:8])
	}
	a = a.Unmap().WithZone("")
	bits := 24
	if a.Is6() {
		bits = 32
	}
	p, _ := a.Prefix(bits)
	return p.Addr().String()
}
