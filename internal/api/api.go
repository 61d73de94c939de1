// Package api serves the localhost status surface: health, runtime
// statistics, and the active session's description. Off by default and
// bound to loopback; it observes the session, never mutates it.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/dnsproxy"
	"github.com/webreplay/webreplay/internal/httpproxy"
)

// Sources supplies the live data the endpoints report. Nil funcs render
// as zero values.
type Sources struct {
	ProxyStats func() httpproxy.StatsSnapshot
	DNSStats   func() dnsproxy.Snapshot
	Session    func() SessionInfo
}

// Server is the status API server.
type Server struct {
	logger    *slog.Logger
	addr      string
	srv       *http.Server
	sources   Sources
	startTime time.Time
}

// New builds the API server. Call ListenAndServe to start it.
func New(cfg config.APIConfig, logger *slog.Logger, sources Sources) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		logger:    logger,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		sources:   sources,
		startTime: time.Now(),
	}

	engine.GET("/health", s.health)
	engine.GET("/stats", s.stats)
	engine.GET("/session", s.session)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown drains the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) stats(c *gin.Context) {
	uptime := time.Since(s.startTime)
	resp := StatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     s.startTime,
		CPU:           CPUStats{NumCPU: runtime.NumCPU()},
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = MemoryStats{
			TotalMB:     float64(vm.Total) / 1024 / 1024,
			UsedMB:      float64(vm.Used) / 1024 / 1024,
			FreeMB:      float64(vm.Available) / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.CPU.UsedPercent = pct[0]
	}

	if s.sources.ProxyStats != nil {
		resp.Proxy = s.sources.ProxyStats()
	}
	if s.sources.DNSStats != nil {
		resp.DNS = s.sources.DNSStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) session(c *gin.Context) {
	if s.sources.Session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, s.sources.Session())
}
