package api

import (
	"time"

	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/dnsproxy"
	"github.com/webreplay/webreplay/internal/httpproxy"
)

// StatusResponse is the health-check body.
type StatusResponse struct {
	Status string `json:"status"`
}

// MemoryStats reports host memory usage.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats reports host CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
}

// StatsResponse is the /stats body: process uptime, host load, and the
// session's serving counters.
type StatsResponse struct {
	Uptime        string                  `json:"uptime"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	StartTime     time.Time               `json:"start_time"`
	CPU           CPUStats                `json:"cpu"`
	Memory        MemoryStats             `json:"memory"`
	Proxy         httpproxy.StatsSnapshot `json:"proxy"`
	DNS           dnsproxy.Snapshot       `json:"dns"`
}

// SessionInfo is the /session body: what this process is doing and
// against which archive.
type SessionInfo struct {
	ID         string                `json:"id"`
	Mode       string                `json:"mode"`
	Archive    string                `json:"archive"`
	ArchiveID  string                `json:"archive_id"`
	Records    int                   `json:"records"`
	Profile    config.NetworkProfile `json:"network_profile"`
	StartedAt  time.Time             `json:"started_at"`
	ServerMode bool                  `json:"server_mode"`
}
