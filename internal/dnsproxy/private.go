package dnsproxy

import (
	"net/netip"

	"github.com/webreplay/webreplay/internal/dns"
)

// isPrivateAddr reports whether addr belongs to a network that should
// keep resolving for real: RFC1918 (and its IPv6 ULA counterpart),
// loopback, or link-local.
func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast()
}

// answersContainPrivate reports whether any A/AAAA answer in the parsed
// upstream response points into private address space.
func answersContainPrivate(resp dns.Message) bool {
	for _, rr := range resp.Answers {
		addr, ok := rr.Addr()
		if ok && isPrivateAddr(addr) {
			return true
		}
	}
	return false
}
