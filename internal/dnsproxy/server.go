package dnsproxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webreplay/webreplay/internal/dns"
	"github.com/webreplay/webreplay/internal/pool"
)

// Socket buffer sizes, generous enough for query bursts while a page
// load fans out.
const (
	socketRecvBufferSize = 1 << 20
	socketSendBufferSize = 1 << 20
)

// DefaultWorkersPerSocket is the per-socket goroutine pool size.
const DefaultWorkersPerSocket = 128

// bufferPool recycles receive buffers across packets.
var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, dns.MaxMessageSize)
	return &buf
})

// packet is one received datagram awaiting a worker.
type packet struct {
	bufPtr *[]byte
	n      int
	peer   *net.UDPAddr
}

// Server is the UDP front of the interceptor. One socket per CPU with
// SO_REUSEPORT, a fixed worker pool per socket, pooled buffers, and a
// receive path that drops rather than blocks when the pool is saturated.
type Server struct {
	Logger           *slog.Logger
	Handler          *Handler
	WorkersPerSocket int

	conns []*net.UDPConn
	wg    sync.WaitGroup
}

// Run binds addr (host:port) and serves until ctx is cancelled, then
// shuts down with a 5 s drain.
func (s *Server) Run(ctx context.Context, addr string) error {
	if s.WorkersPerSocket <= 0 {
		s.WorkersPerSocket = DefaultWorkersPerSocket
	}

	socketCount := runtime.NumCPU()
	s.conns = make([]*net.UDPConn, 0, socketCount)
	for range socketCount {
		conn, err := listenReusePort(ctx, addr)
		if err != nil {
			for _, c := range s.conns {
				_ = c.Close()
			}
			return err
		}
		_ = conn.SetReadBuffer(socketRecvBufferSize)
		_ = conn.SetWriteBuffer(socketSendBufferSize)
		s.conns = append(s.conns, conn)
		s.startLoops(ctx, conn)
	}

	if s.Logger != nil {
		s.Logger.Info("dns interceptor listening", "addr", addr, "sockets", socketCount, "workers", s.WorkersPerSocket)
	}

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

// RunOnConn serves on an existing socket. Used by tests and callers that
// manage their own binding.
func (s *Server) RunOnConn(ctx context.Context, conn *net.UDPConn) error {
	if s.WorkersPerSocket <= 0 {
		s.WorkersPerSocket = DefaultWorkersPerSocket
	}
	s.conns = []*net.UDPConn{conn}
	s.startLoops(ctx, conn)
	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

func (s *Server) startLoops(ctx context.Context, conn *net.UDPConn) {
	ch := make(chan packet, s.WorkersPerSocket*2)
	s.wg.Go(func() {
		s.recvLoop(ctx, conn, ch)
	})
	for range s.WorkersPerSocket {
		s.wg.Go(func() {
			s.workerLoop(ctx, conn, ch)
		})
	}
}

// recvLoop reads packets and hands them to workers without ever blocking
// the socket; packets are dropped when every worker is busy.
func (s *Server) recvLoop(_ context.Context, conn *net.UDPConn, out chan<- packet) {
	for {
		bufPtr := bufferPool.Get()
		n, peer, err := conn.ReadFromUDP(*bufPtr)
		if err != nil {
			bufferPool.Put(bufPtr)
			// Cancelled or socket closed either way; the distinction
			// doesn't matter to the loop.
			return
		}
		select {
		case out <- packet{bufPtr, n, peer}:
		default:
			bufferPool.Put(bufPtr)
		}
	}
}

func (s *Server) workerLoop(ctx context.Context, conn *net.UDPConn, in <-chan packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			s.handlePacket(ctx, conn, pkt)
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, conn *net.UDPConn, p packet) {
	defer bufferPool.Put(p.bufPtr)
	if s.Handler == nil {
		return
	}
	resp := s.Handler.Handle(ctx, p.peer.IP.String(), (*p.bufPtr)[:p.n])
	if len(resp) == 0 {
		return
	}
	_, _ = conn.WriteToUDP(resp, p.peer)
}

// Stop closes the sockets and waits up to timeout for the loops to
// drain.
func (s *Server) Stop(timeout time.Duration) error {
	for _, c := range s.conns {
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("dnsproxy: timeout waiting for workers to exit")
	}
}

// listenReusePort binds a UDP socket with SO_REUSEPORT so each CPU gets
// its own socket and the kernel spreads queries across them.
func listenReusePort(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
