// Package supervisor owns the session lifecycle: it builds the DNS
// interceptor, the replay server, and the traffic shaper as scoped
// resources in that order, runs them until the operator interrupts, and
// unwinds them in reverse on every exit path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/webreplay/webreplay/internal/api"
	"github.com/webreplay/webreplay/internal/archive"
	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/dnsproxy"
	"github.com/webreplay/webreplay/internal/httpproxy"
	"github.com/webreplay/webreplay/internal/platform"
	"github.com/webreplay/webreplay/internal/trafficshaper"
	"github.com/webreplay/webreplay/internal/uploader"
)

// drainTimeout is how long in-flight handlers get on shutdown.
const drainTimeout = 5 * time.Second

// Session is the singleton tying one run together.
type Session struct {
	Logger   *slog.Logger
	Cfg      *config.Config
	Settings platform.Settings
	Emitter  uploader.Emitter

	id        string
	startedAt time.Time

	proxyStats *httpproxy.Stats
	timings    *httpproxy.TimingLog
	dnsStats   func() dnsproxy.Snapshot
	sessInfo   func() api.SessionInfo
}

// New builds a session supervisor.
func New(logger *slog.Logger, cfg *config.Config, settings platform.Settings, emitter uploader.Emitter) *Session {
	if emitter == nil {
		emitter = uploader.LogEmitter{Logger: logger}
	}
	return &Session{
		Logger:   logger,
		Cfg:      cfg,
		Settings: settings,
		Emitter:  emitter,
		id:       uuid.New().String(),
	}
}

// Run executes the session until ctx is cancelled or a component fails.
// The platform DNS setting and any shaping rules are restored before Run
// returns, whatever the path out.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	if s.Cfg.RemoteServer != "" {
		return s.runClientMode(ctx)
	}

	host, err := s.resolveHost()
	if err != nil {
		return err
	}
	s.Logger.Info("session starting",
		"id", s.id,
		"mode", string(s.Cfg.Mode),
		"host", host.String(),
		"replay_file", s.Cfg.ReplayFile,
		"server_mode", s.Cfg.ServerMode,
	)

	// The real resolver list has to be captured before any override.
	upstreams, err := s.Settings.PrimaryDNS()
	if err != nil {
		return fmt.Errorf("read current resolvers: %w", err)
	}
	if len(upstreams) == 0 {
		upstreams = []string{"8.8.8.8"}
	}
	forwarder := dnsproxy.NewForwarder(upstreams, 0, 0)
	defer forwarder.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	// 1. DNS interceptor.
	rules := dnsproxy.DefaultRules(s.Cfg.DNS.Forwarding, s.Cfg.DNS.PrivatePassthrough)
	dnsHandler := dnsproxy.NewHandler(s.Logger, host, rules, forwarder)
	s.dnsStats = dnsHandler.Stats.Snapshot
	dnsServer := &dnsproxy.Server{Logger: s.Logger, Handler: dnsHandler}
	dnsAddr := net.JoinHostPort(host.String(), strconv.Itoa(s.Cfg.DNS.Port))
	go func() {
		if err := dnsServer.Run(ctx, dnsAddr); err != nil {
			errCh <- fmt.Errorf("dns server: %w", err)
		}
	}()

	// The override points the system at the interceptor; in server mode
	// remote clients point their own DNS here instead.
	if !s.Cfg.ServerMode && s.Cfg.DNS.Forwarding {
		if err := s.Settings.SetPrimaryDNS(host.String()); err != nil {
			return err
		}
		defer func() {
			if err := s.Settings.RestorePrimaryDNS(); err != nil {
				s.Logger.Error("primary dns restore failed", "err", err)
			}
		}()
	}

	// 2. Replay or record server.
	handler, closeArchive, err := s.buildProxyHandler(forwarder)
	if err != nil {
		return err
	}
	defer closeArchive()

	replaySrv := httpproxy.NewServer(s.Logger, httpproxy.ServerConfig{
		Host:     host.String(),
		Port:     s.Cfg.Port,
		Protocol: s.Cfg.Protocol,
		CertFile: s.Cfg.CertFile,
		KeyFile:  s.Cfg.KeyFile,
	}, handler)
	if err := replaySrv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer stopCancel()
		if err := replaySrv.Stop(stopCtx); err != nil {
			s.Logger.Warn("replay server stop", "err", err)
		}
	}()

	// 3. Traffic shaping, replay mode only and never in server mode.
	if !s.Cfg.ServerMode && s.Cfg.Net.Shaped() {
		// Shape the port the replay server actually bound; a configured
		// port of 0 is only resolved by Start.
		_, portStr, err := net.SplitHostPort(replaySrv.Addr())
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		shaper, err := trafficshaper.New(s.Logger, s.Settings, host.String(), port, s.Cfg.Net)
		if err != nil {
			return err
		}
		if err := shaper.Install(); err != nil {
			return err
		}
		defer func() {
			if err := shaper.Remove(); err != nil {
				s.Logger.Error("shaper removal failed", "err", err)
			}
		}()
	}

	// Optional status API.
	if s.Cfg.API.Enabled {
		apiSrv := api.New(s.Cfg.API, s.Logger, api.Sources{
			ProxyStats: s.proxyStats.Snapshot,
			DNSStats:   s.dnsStats,
			Session:    s.sessInfo,
		})
		s.Logger.Info("status api listening", "addr", apiSrv.Addr())
		go func() {
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("status api failed", "err", err)
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), drainTimeout)
			defer shutCancel()
			_ = apiSrv.Shutdown(shutCtx)
		}()
	}

	defer s.emitSummary()

	select {
	case <-ctx.Done():
		s.Logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runClientMode points local DNS at a remote replay host and blocks
// until interrupted.
func (s *Session) runClientMode(ctx context.Context) error {
	addr := s.Cfg.RemoteServer
	s.Logger.Info("client mode: pointing dns at remote replay server", "server", addr)
	if err := s.Settings.SetPrimaryDNS(addr); err != nil {
		return err
	}
	defer func() {
		if err := s.Settings.RestorePrimaryDNS(); err != nil {
			s.Logger.Error("primary dns restore failed", "err", err)
		}
	}()
	<-ctx.Done()
	s.Logger.Info("shutting down")
	return nil
}

// buildProxyHandler opens the archive for the session's mode and wires
// the matching handler.
func (s *Session) buildProxyHandler(forwarder dnsproxy.Upstream) (http.Handler, func(), error) {
	s.proxyStats = &httpproxy.Stats{}
	s.timings = httpproxy.NewTimingLog()

	switch s.Cfg.Mode {
	case config.ModeRecord:
		w, err := archive.Create(s.Cfg.ReplayFile)
		if err != nil {
			return nil, nil, err
		}
		lookup := func(ctx context.Context, hostname string) (netip.Addr, error) {
			return dnsproxy.Lookup(ctx, forwarder, hostname)
		}
		h := httpproxy.NewRecordHandler(s.Logger, w, lookup, s.proxyStats, s.timings)
		s.sessInfo = s.sessionInfoFunc(w.ID.String(), w.Len)
		closeFn := func() {
			h.Close()
			if err := w.Close(); err != nil {
				s.Logger.Error("archive close failed", "err", err)
			}
		}
		return h, closeFn, nil

	default:
		a, err := archive.Load(s.Cfg.ReplayFile)
		if err != nil {
			return nil, nil, err
		}
		s.Logger.Info("archive loaded", "path", a.Path, "id", a.ID.String(), "records", a.Len())
		inject := s.Cfg.DeterministicScript && s.Cfg.Protocol != config.ProtocolH2
		h := httpproxy.NewReplayHandler(s.Logger, a, inject, s.proxyStats, s.timings)
		s.sessInfo = s.sessionInfoFunc(a.ID.String(), a.Len)
		return h, func() {}, nil
	}
}

func (s *Session) sessionInfoFunc(archiveID string, records func() int) func() api.SessionInfo {
	return func() api.SessionInfo {
		return api.SessionInfo{
			ID:         s.id,
			Mode:       string(s.Cfg.Mode),
			Archive:    s.Cfg.ReplayFile,
			ArchiveID:  archiveID,
			Records:    records(),
			Profile:    s.Cfg.Net,
			StartedAt:  s.startedAt,
			ServerMode: s.Cfg.ServerMode,
		}
	}
}

// emitSummary hands the session record to the collector surface. A
// delivery failure is logged, never fatal.
func (s *Session) emitSummary() {
	info := api.SessionInfo{}
	if s.sessInfo != nil {
		info = s.sessInfo()
	}
	snap := s.proxyStats.Snapshot()

	var readKB uint64
	timings := s.timings.Snapshot()
	for _, u := range timings {
		readKB += u.Bytes
	}
	readKB /= 1024

	summary := uploader.Summary{
		SessionID:  s.id,
		Mode:       string(s.Cfg.Mode),
		ArchiveID:  info.ArchiveID,
		Archive:    s.Cfg.ReplayFile,
		Profile:    s.Cfg.Net,
		StartedAt:  s.startedAt,
		FinishedAt: time.Now(),
		Requests:   snap.Requests,
		Served:     snap.Served,
		Misses:     snap.Misses,
		Recorded:   snap.Recorded,
		ReadKB:     readKB,
		URLTimings: timings,
	}
	if s.dnsStats != nil {
		d := s.dnsStats()
		summary.DNS = map[string]uint64{
			"queries":     d.Queries,
			"redirected":  d.Redirected,
			"delegated":   d.Delegated,
			"passthrough": d.Passthrough,
			"failures":    d.Failures,
		}
	}

	emitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Emitter.EmitSummary(emitCtx, summary); err != nil {
		s.Logger.Warn("summary emit failed", "err", err)
	}
}

// resolveHost picks the session host: an explicit configuration wins,
// server mode binds the externally visible address, everything else
// stays on loopback.
func (s *Session) resolveHost() (netip.Addr, error) {
	if s.Cfg.Host != "" {
		addr, err := netip.ParseAddr(s.Cfg.Host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: host %q: %v", config.ErrArgument, s.Cfg.Host, err)
		}
		return addr, nil
	}
	if s.Cfg.ServerMode {
		return externalAddr()
	}
	return netip.MustParseAddr("127.0.0.1"), nil
}

// externalAddr finds the address other hosts can reach us on. The UDP
// dial never sends a packet; it only makes the kernel pick a route.
func externalAddr() (netip.Addr, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("determine external address: %w", err)
	}
	defer conn.Close()
	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.New("unexpected local address type")
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.Addr{}, errors.New("unparseable local address")
	}
	return addr.Unmap(), nil
}
