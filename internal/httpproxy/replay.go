package httpproxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/webreplay/webreplay/internal/archive"
)

// ReplayHandler answers requests from a loaded archive. Unrecorded
// requests get a strict 404.
type ReplayHandler struct {
	Logger  *slog.Logger
	Archive *archive.Archive
	Stats   *Stats
	Timings *TimingLog

	// InjectScript enables deterministic-script injection into HTML
	// responses. The encrypted h2 server always constructs with false.
	InjectScript bool
}

// NewReplayHandler builds the replay-mode handler.
func NewReplayHandler(logger *slog.Logger, a *archive.Archive, injectScript bool, stats *Stats, timings *TimingLog) *ReplayHandler {
	if stats == nil {
		stats = &Stats{}
	}
	if timings == nil {
		timings = NewTimingLog()
	}
	return &ReplayHandler{
		Logger:       logger,
		Archive:      a,
		Stats:        stats,
		Timings:      timings,
		InjectScript: injectScript,
	}
}

func (h *ReplayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.Stats.requests.Add(1)

	body, err := readBody(r.Body)
	if err != nil {
		h.Stats.failures.Add(1)
		http.Error(w, "request body unreadable", http.StatusBadRequest)
		return
	}
	key := archive.NewKey(r, body)

	rec, ok := h.Archive.Lookup(key)
	if !ok {
		h.Stats.misses.Add(1)
		if h.Logger != nil {
			h.Logger.Warn("replay miss", "method", r.Method, "url", key.URL())
		}
		// Strict replay: nothing recorded means nothing served.
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotFound)
		h.Timings.Observe(key.URL(), http.StatusNotFound, 0, time.Since(start))
		return
	}

	h.serveRecorded(w, r, key, rec, start)
}

func (h *ReplayHandler) serveRecorded(w http.ResponseWriter, r *http.Request, key archive.Key, rec archive.Response, start time.Time) {
	respBody := rec.Body
	if h.InjectScript && injectableContentType(rec.Header("Content-Type")) && !alreadyInjected(respBody) {
		respBody = injectDeterministicScript(respBody)
	}

	hdr := w.Header()
	for _, f := range rec.Headers {
		// Framing is decided below, not replayed literally.
		if lname := strings.ToLower(f.Name); lname == "content-length" || lname == "transfer-encoding" {
			continue
		}
		hdr.Add(f.Name, f.Value)
	}
	chunked := rec.Chunked && r.ProtoMajor == 1
	if !chunked {
		hdr.Set("Content-Length", strconv.Itoa(len(respBody)))
	}

	w.WriteHeader(rec.Status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(respBody); err != nil && h.Logger != nil {
			h.Logger.Warn("client write failed", "url", key.URL(), "err", err)
		}
	}
	if chunked {
		// Without a Content-Length, flushing forces net/http to keep the
		// recorded chunked framing instead of buffering and measuring.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	h.Stats.served.Add(1)
	h.Timings.Observe(key.URL(), rec.Status, len(respBody), time.Since(start))
	if h.Logger != nil {
		h.Logger.Debug("replayed", "method", r.Method, "url", key.URL(), "status", rec.Status, "bytes", len(respBody))
	}
}

// readBody slurps and closes an entity body, tolerating nil.
func readBody(rc io.ReadCloser) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("entity body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}
