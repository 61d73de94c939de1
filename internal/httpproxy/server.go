package httpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/webreplay/webreplay/internal/config"
)

// Server wraps an http.Server with the lifecycle contract the supervisor
// expects: the listener is bound when Start returns, Stop drains.
type Server struct {
	Logger   *slog.Logger
	Protocol config.Protocol

	host     string
	port     int
	certFile string
	keyFile  string

	srv *http.Server
	ln  net.Listener

	done chan error
}

// ServerConfig carries the listening surface.
type ServerConfig struct {
	Host     string
	Port     int
	Protocol config.Protocol
	CertFile string
	KeyFile  string
}

// NewServer builds a replay/record server around handler. The protocol
// decides the transport: plain HTTP/1.1, TLS with ALPN h2, or cleartext
// h2.
func NewServer(logger *slog.Logger, cfg ServerConfig, handler http.Handler) *Server {
	if cfg.Protocol == config.ProtocolH2C {
		handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: IdleTimeout})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       IdleTimeout,
		ErrorLog:          nil,
	}
	return &Server{
		Logger:   logger,
		Protocol: cfg.Protocol,
		host:     cfg.Host,
		port:     cfg.Port,
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		srv:      srv,
		done:     make(chan error, 1),
	}
}

// Start binds the listener and begins serving in the background. The
// port is accepting connections when Start returns.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if s.Protocol == config.ProtocolH2 {
		cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		if err := http2.ConfigureServer(s.srv, &http2.Server{IdleTimeout: IdleTimeout}); err != nil {
			_ = ln.Close()
			return fmt.Errorf("configure h2: %w", err)
		}
		tlsCfg := s.srv.TLSConfig.Clone()
		tlsCfg.Certificates = []tls.Certificate{cert}
		tlsCfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			// SNI is informational only; matching never depends on it.
			if s.Logger != nil && hello.ServerName != "" {
				s.Logger.Debug("tls client hello", "sni", hello.ServerName)
			}
			return nil, nil
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.ln = ln
	if s.Logger != nil {
		s.Logger.Info("replay server listening", "addr", ln.Addr().String(), "protocol", string(s.Protocol))
	}

	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop rejects new connections immediately and gives in-flight handlers
// until ctx's deadline to drain.
func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		// Drain deadline exceeded; cut the stragglers off.
		_ = s.srv.Close()
		return err
	}
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
