package httpproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/webreplay/webreplay/internal/archive"
)

// RecordHandler forwards requests to their real origins and commits
// every completed exchange to the archive before the response reaches
// the client.
type RecordHandler struct {
	Logger  *slog.Logger
	Writer  *archive.Writer
	Stats   *Stats
	Timings *TimingLog

	transport *http.Transport
	now       func() time.Time
}

// NewRecordHandler builds the record-mode handler. Origin hosts resolve
// through lookup so the interceptor's own redirects never loop back.
func NewRecordHandler(logger *slog.Logger, w *archive.Writer, lookup RealLookupFunc, stats *Stats, timings *TimingLog) *RecordHandler {
	if stats == nil {
		stats = &Stats{}
	}
	if timings == nil {
		timings = NewTimingLog()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, err := lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("%w: resolve %s: %v", ErrOrigin, host, err)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		},
		ResponseHeaderTimeout: ReadTimeout,
		IdleConnTimeout:       IdleTimeout,
		MaxIdleConnsPerHost:   8,
		// The proxy archives the origin's bytes, not a transcoding of
		// them.
		DisableCompression: true,
	}
	return &RecordHandler{
		Logger:    logger,
		Writer:    w,
		Stats:     stats,
		Timings:   timings,
		transport: transport,
		now:       time.Now,
	}
}

func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.Stats.requests.Add(1)

	reqBody, err := readBody(r.Body)
	if err != nil {
		h.Stats.failures.Add(1)
		http.Error(w, "request body unreadable", http.StatusBadRequest)
		return
	}
	key := archive.NewKey(r, reqBody)

	resp, respBody, err := h.fetchOrigin(r, reqBody)
	if err != nil {
		h.Stats.failures.Add(1)
		if h.Logger != nil {
			h.Logger.Warn("origin fetch failed", "method", r.Method, "url", key.URL(), "err", err)
		}
		// Nothing was committed; the client learns what the origin did.
		http.Error(w, "origin unreachable: "+err.Error(), http.StatusBadGateway)
		h.Timings.Observe(key.URL(), http.StatusBadGateway, 0, time.Since(start))
		return
	}

	rec := archive.Response{
		Status:     resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Headers:    storableHeaders(resp),
		Body:       respBody,
		RecordedAt: h.now().UnixMilli(),
		Chunked:    wasChunked(resp),
	}

	// The commit happens before the first response byte goes out: a
	// response the client saw is always replayable afterwards.
	if err := h.Writer.Append(key, rec); err != nil {
		h.Stats.failures.Add(1)
		if h.Logger != nil {
			h.Logger.Error("archive append failed", "url", key.URL(), "err", err)
		}
		http.Error(w, "archive write failed", http.StatusInternalServerError)
		return
	}
	h.Stats.recorded.Add(1)

	hdr := w.Header()
	for _, f := range rec.Headers {
		hdr.Add(f.Name, f.Value)
	}
	hdr.Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(rec.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(respBody)
	}

	h.Timings.Observe(key.URL(), rec.Status, len(respBody), time.Since(start))
	if h.Logger != nil {
		h.Logger.Debug("recorded", "method", r.Method, "url", key.URL(), "status", rec.Status, "bytes", len(respBody))
	}
}

// fetchOrigin forwards the request to the real origin and buffers the
// complete response. A body that dies mid-stream is an origin error; the
// partial bytes are discarded.
func (h *RecordHandler) fetchOrigin(r *http.Request, reqBody []byte) (*http.Response, []byte, error) {
	target := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if r.TLS != nil {
		target.Scheme = "https"
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build request: %v", ErrOrigin, err)
	}
	out.Header = r.Header.Clone()
	stripHopByHop(out.Header)
	out.Host = r.Host

	resp, err := h.transport.RoundTrip(out)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOrigin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", ErrOrigin, err)
	}
	if len(body) > maxBodyBytes {
		return nil, nil, fmt.Errorf("%w: response body exceeds %d bytes", ErrOrigin, maxBodyBytes)
	}
	return resp, body, nil
}

// Close releases idle origin connections.
func (h *RecordHandler) Close() {
	h.transport.CloseIdleConnections()
}

func stripHopByHop(h http.Header) {
	for _, name := range h.Values("Connection") {
		h.Del(name)
	}
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Del(name)
	}
}

// storableHeaders converts the origin's headers into the archived form,
// dropping hop-by-hop fields.
func storableHeaders(resp *http.Response) []archive.HeaderField {
	hdr := resp.Header.Clone()
	stripHopByHop(hdr)
	// Content-Length describes the original framing; the replayed one is
	// recomputed at serve time.
	hdr.Del("Content-Length")

	out := make([]archive.HeaderField, 0, len(hdr))
	for name, values := range hdr {
		for _, v := range values {
			out = append(out, archive.HeaderField{Name: name, Value: v})
		}
	}
	return out
}

func reasonPhrase(resp *http.Response) string {
	// "200 OK" -> "OK"; fall back to the standard text.
	if len(resp.Status) > 4 {
		return resp.Status[4:]
	}
	return http.StatusText(resp.StatusCode)
}

func wasChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}
