package dnsproxy

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/webreplay/webreplay/internal/dns"
)

// queryID hands out transaction IDs for internally-originated queries.
var queryID atomic.Uint32

// Lookup resolves host to an address through the real resolvers,
// bypassing the proxy's own redirect rules. The record engine uses this
// to reach origin servers while the system resolver points back at us.
//
// A records are preferred; AAAA is tried when no A answer exists.
func Lookup(ctx context.Context, upstream Upstream, host string) (netip.Addr, error) {
	host = dns.Normalize(host)
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	if addr, ok, err := lookupType(ctx, upstream, host, dns.TypeA); err != nil {
		return netip.Addr{}, err
	} else if ok {
		return addr, nil
	}
	if addr, ok, err := lookupType(ctx, upstream, host, dns.TypeAAAA); err != nil {
		return netip.Addr{}, err
	} else if ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("no address records for %q", host)
}

func lookupType(ctx context.Context, upstream Upstream, host string, typ dns.Type) (netip.Addr, bool, error) {
	req := dns.Message{
		Header: dns.Header{
			ID:    uint16(queryID.Add(1)),
			Flags: dns.FlagRD,
		},
		Questions: []dns.Question{{Name: host, Type: typ, Class: dns.ClassIN}},
	}
	wire, err := req.Marshal()
	if err != nil {
		return netip.Addr{}, false, err
	}
	respWire, err := upstream.Exchange(ctx, wire)
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("lookup %q: %w", host, err)
	}
	resp, err := dns.Parse(respWire)
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("lookup %q: %w", host, err)
	}
	if rc := dns.RCodeOf(resp.Header.Flags); rc != dns.RCodeNoError {
		return netip.Addr{}, false, fmt.Errorf("lookup %q: rcode %d", host, rc)
	}
	// The answer section carries the full CNAME chain; the terminal
	// address records are all we need.
	for _, rr := range resp.Answers {
		if rr.Type != typ {
			continue
		}
		if addr, ok := rr.Addr(); ok {
			return addr, true, nil
		}
	}
	return netip.Addr{}, false, nil
}
