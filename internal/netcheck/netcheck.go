// Package netcheck validates that a resolved host address is externally
// routable. Private-range detection is done with real RFC1918 CIDR
// containment, not string-prefix tests: "172.2.x.x" and "192.169.x.x"
// are routable, "172.16.x.x" through "172.31.x.x" are not.
package netcheck

import "net"

var rfc1918Nets = mustParseAll(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseAll(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivate reports whether addr (a dotted-quad IP string) falls within
// an RFC1918 private range.
func IsPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range rfc1918Nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsRoutable reports whether addr is a syntactically valid IP that is not
// in an RFC1918 private range. FQDNs are resolved by the caller first;
// IsRoutable only validates already-resolved addresses.
func IsRoutable(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return !IsPrivate(addr)
}
