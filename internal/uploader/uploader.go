// Package uploader emits the end-of-session summary to the external
// results collector. Only the emitting side lives here; storage and
// querying belong to the collector.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/httpproxy"
)

// Summary is the structured record delivered once per session: the
// network profile the run executed under, what the archive was, and the
// client-observed serving aggregates.
type Summary struct {
	SessionID  string                `json:"session_id"`
	Mode       string                `json:"mode"`
	ArchiveID  string                `json:"archive_id"`
	Archive    string                `json:"archive"`
	Profile    config.NetworkProfile `json:"network_profile"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Requests   uint64                `json:"num_requests"`
	Served     uint64                `json:"num_served"`
	Misses     uint64                `json:"num_misses"`
	Recorded   uint64                `json:"num_recorded"`
	ReadKB     uint64                `json:"read_bytes_kb"`
	URLTimings []httpproxy.URLTiming `json:"url_timings"`
	DNS        map[string]uint64     `json:"dns,omitempty"`
}

// Emitter delivers one summary. Delivery failures are the caller's to
// log; a lost summary never fails a session.
type Emitter interface {
	EmitSummary(ctx context.Context, s Summary) error
}

// LogEmitter writes the summary to the session log. The default when no
// collector endpoint is configured.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) EmitSummary(_ context.Context, s Summary) error {
	if e.Logger == nil {
		return nil
	}
	e.Logger.Info("session summary",
		"session_id", s.SessionID,
		"mode", s.Mode,
		"archive_id", s.ArchiveID,
		"requests", s.Requests,
		"served", s.Served,
		"misses", s.Misses,
		"recorded", s.Recorded,
		"read_kb", s.ReadKB,
		"urls", len(s.URLTimings),
		"up", s.Profile.Up.String(),
		"down", s.Profile.Down.String(),
		"delay_ms", s.Profile.DelayMs,
		"packet_loss_rate", s.Profile.PacketLossRate,
	)
	return nil
}

// HTTPEmitter POSTs the summary as JSON, retrying transient failures.
type HTTPEmitter struct {
	Endpoint string
	client   *retryablehttp.Client
}

// NewHTTPEmitter builds an emitter against the collector endpoint.
func NewHTTPEmitter(logger *slog.Logger, cfg config.UploadConfig) *HTTPEmitter {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	client.Logger = nil
	if logger != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Warn("summary upload retry", "endpoint", req.URL.String(), "attempt", attempt)
			}
		}
	}
	return &HTTPEmitter{Endpoint: cfg.Endpoint, client: client}
}

func (e *HTTPEmitter) EmitSummary(ctx context.Context, s Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build summary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post summary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post summary: collector answered %s", resp.Status)
	}
	return nil
}
