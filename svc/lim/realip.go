package lim

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"echobin/svc/util"

	"github.com/pkg/errors"
)

const maxForwardedHops = 100

// Proxies are the peers whose X-Forwarded-For entries are believed.
type Proxies []netip.Prefix

// ParseProxies accepts single addresses and CIDR ranges.
func ParseProxies(list []string) (Proxies, error) {
	out := make(Proxies, 0, len(list))
	for _, s := range list {
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", s)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", s)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
func (p Proxies) trusts(a netip.Addr) bool {
	a = a.Unmap()
	for _, pfx := range p {
		if pfx.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. The header is ignored unless the peer itself
// is trusted.
func (p Proxies) ClientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	peer, err := netip.ParseAddr(remote)
	if err != nil || len(p) == 0 || !p.trusts(peer) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	for hops := 0; xff != "" && hops < maxForwardedHops; {
		var hop string
		if i := strings.LastIndexByte(xff, ','); i >= 0 {
			hop, xff = strings.TrimSpace(xff[i+1:]), xff[:i]
		} else {
			hop, xff = strings.TrimSpace(xff), ""
		}
		if hop == "" {
			continue
		}
		hops++
		a, err := netip.ParseAddr(hop)
		if err != nil {
			util.Warn().Str("ip", util.RedactIP(hop)).Msg("invalid X-Forwarded-For hop skipped")
			continue
		}
		if !p.trusts(a) {
			return a.Unmap().String()
		}
	}
	if xff != "" {
		util.Warn().Str("remote", util.RedactIP(remote)).Msg("X-Forwarded-For too long, using peer address")
	}
	return remote
}
