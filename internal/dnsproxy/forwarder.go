package dnsproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/webreplay/webreplay/internal/dns"
)

// Forwarder configuration.
const (
	// DefaultUpstreamTimeout bounds one upstream attempt; each upstream
	// gets one retry on top.
	DefaultUpstreamTimeout = 2 * time.Second
	upstreamRetries        = 1
	defaultPoolSize        = 64
	recvBufferSize         = dns.MaxMessageSize
)

// Upstream answers raw DNS queries. The concrete implementation is
// Forwarder; tests substitute fakes.
type Upstream interface {
	// Exchange sends query bytes and returns the validated response.
	Exchange(ctx context.Context, query []byte) ([]byte, error)
	Close() error
}

// Forwarder relays queries to the real resolvers over pooled UDP
// sockets. Connections are created on demand up to the pool size and
// reused across queries.
type Forwarder struct {
	servers []string // "ip" or "ip:port"; bare IPs get :53
	timeout time.Duration

	mu    sync.Mutex
	pools map[string]chan *net.UDPConn
	size  int
}

// NewForwarder builds a forwarder over the given upstream servers,
// typically the resolver list snapshotted before the platform DNS
// override.
func NewForwarder(servers []string, poolSize int, timeout time.Duration) *Forwarder {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &Forwarder{
		servers: normalized,
		timeout: timeout,
		pools:   map[string]chan *net.UDPConn{},
		size:    poolSize,
	}
}

// Servers returns the upstream list as configured.
func (f *Forwarder) Servers() []string { return f.servers }

// Exchange tries each upstream in order, with one retry per upstream on
// timeout. Responses are validated against the query's transaction ID
// before being returned.
func (f *Forwarder) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(f.servers) == 0 {
		return nil, errors.New("no upstream resolvers configured")
	}
	if len(query) < dns.HeaderSize {
		return nil, fmt.Errorf("%w: query shorter than a header", dns.ErrWire)
	}

	var lastErr error
	for _, server := range f.servers {
		for attempt := 0; attempt <= upstreamRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, err := f.exchangeOne(ctx, server, query)
			if err == nil {
				return resp, nil
			}
			lastErr = err
		}
	}
	return nil, lastErr
}

func (f *Forwarder) exchangeOne(ctx context.Context, server string, query []byte) ([]byte, error) {
	conn, err := f.acquire(server)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(query); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write to %s: %w", server, err)
	}

	buf := make([]byte, recvBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read from %s: %w", server, err)
		}
		// A stale response from an earlier timed-out query can still be
		// sitting in the socket; skip anything whose ID doesn't match.
		if n >= 2 && buf[0] == query[0] && buf[1] == query[1] {
			resp := append([]byte(nil), buf[:n]...)
			f.release(server, conn)
			return resp, nil
		}
	}
}

func (f *Forwarder) acquire(server string) (*net.UDPConn, error) {
	f.mu.Lock()
	pool, ok := f.pools[server]
	if !ok {
		pool = make(chan *net.UDPConn, f.size)
		f.pools[server] = pool
	}
	f.mu.Unlock()

	select {
	case conn := <-pool:
		return conn, nil
	default:
	}

	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", server, err)
	}
	return conn, nil
}

func (f *Forwarder) release(server string, conn *net.UDPConn) {
	_ = conn.SetDeadline(time.Time{})
	f.mu.Lock()
	pool := f.pools[server]
	f.mu.Unlock()
	select {
	case pool <- conn:
	default:
		_ = conn.Close()
	}
}

// Close drains and closes all pooled sockets.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pool := range f.pools {
		close(pool)
		for conn := range pool {
			_ = conn.Close()
		}
	}
	f.pools = map[string]chan *net.UDPConn{}
	return nil
}
