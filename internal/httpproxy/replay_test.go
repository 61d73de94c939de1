package httpproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webreplay/webreplay/internal/archive"
)

// buildArchive records the given (path, body) pairs under GET with no
// extra headers and returns the loaded archive.
func buildArchive(t *testing.T, host string, entries []struct{ path, contentType, body string }) *archive.Archive {
	t.Helper()
	file := filepath.Join(t.TempDir(), "trace.wpr")
	w, err := archive.Create(file)
	require.NoError(t, err)
	for _, e := range entries {
		u, err := url.ParseRequestURI("http://" + host + e.path)
		require.NoError(t, err)
		req := &http.Request{Method: "GET", Host: host, URL: u, Header: http.Header{}}
		rec := archive.Response{
			Status:     200,
			Reason:     "OK",
			Headers:    []archive.HeaderField{{Name: "Content-Type", Value: e.contentType}},
			Body:       []byte(e.body),
			RecordedAt: 1700000000000,
		}
		require.NoError(t, w.Append(archive.NewKey(req, nil), rec))
	}
	require.NoError(t, w.Close())

	a, err := archive.Load(file)
	require.NoError(t, err)
	return a
}

// replayGet issues a GET with an explicit Host header against the
// handler, using a bare request so the key matches the archived one.
func replayGet(t *testing.T, h http.Handler, host, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "http://"+host+path, nil)
	req.Header = http.Header{}
	req.Host = host
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestReplayHit(t *testing.T) {
	a := buildArchive(t, "example.test", []struct{ path, contentType, body string }{
		{"/", "text/plain", "hi"},
	})
	h := NewReplayHandler(nil, a, false, nil, nil)

	for range 2 {
		rr := replayGet(t, h, "example.test", "/")
		assert.Equal(t, 200, rr.Code)
		assert.Equal(t, "hi", rr.Body.String())
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
		assert.Equal(t, "2", rr.Header().Get("Content-Length"))
	}
	snap := h.Stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Served)
	assert.Zero(t, snap.Misses)
}

func TestReplayMissIsStrict404(t *testing.T) {
	a := buildArchive(t, "example.test", nil)
	h := NewReplayHandler(nil, a, false, nil, nil)

	rr := replayGet(t, h, "example.test", "/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, uint64(1), h.Stats.Snapshot().Misses)
}

func TestReplayDuplicateKeysAdvance(t *testing.T) {
	a := buildArchive(t, "example.test", []struct{ path, contentType, body string }{
		{"/a", "text/plain", "one"},
		{"/a", "text/plain", "two"},
	})
	h := NewReplayHandler(nil, a, false, nil, nil)

	var got []string
	for range 3 {
		rr := replayGet(t, h, "example.test", "/a")
		require.Equal(t, 200, rr.Code)
		got = append(got, rr.Body.String())
	}
	assert.Equal(t, []string{"one", "two", "two"}, got)
}

func TestReplayInjectsDeterministicScript(t *testing.T) {
	html := "<html><head><title>p</title></head><body><script>go()</script></body></html>"
	a := buildArchive(t, "example.test", []struct{ path, contentType, body string }{
		{"/page", "text/html; charset=utf-8", html},
	})
	h := NewReplayHandler(nil, a, true, nil, nil)

	rr := replayGet(t, h, "example.test", "/page")
	body := rr.Body.String()

	require.Equal(t, 200, rr.Code)
	assert.Equal(t, 1, strings.Count(body, "var random_seed"), "fragment appears exactly once")
	assert.Less(t, strings.Index(body, "var random_seed"), strings.Index(body, "go()"),
		"fragment precedes the page's own scripts")

	wantLen, err := strconv.Atoi(rr.Header().Get("Content-Length"))
	require.NoError(t, err)
	assert.Equal(t, len(body), wantLen, "Content-Length matches the served body")
}

func TestReplayInjectionSkipsNonHTML(t *testing.T) {
	a := buildArchive(t, "example.test", []struct{ path, contentType, body string }{
		{"/data", "application/json", `{"k":"v"}`},
	})
	h := NewReplayHandler(nil, a, true, nil, nil)

	rr := replayGet(t, h, "example.test", "/data")
	assert.Equal(t, `{"k":"v"}`, rr.Body.String())
}

func TestReplayDeterminism(t *testing.T) {
	entries := []struct{ path, contentType, body string }{
		{"/page", "text/html", "<html><head></head><body>x</body></html>"},
	}
	run := func() (string, string) {
		a := buildArchive(t, "example.test", entries)
		h := NewReplayHandler(nil, a, true, nil, nil)
		rr := replayGet(t, h, "example.test", "/page")
		return rr.Body.String(), rr.Header().Get("Content-Length")
	}
	body1, len1 := run()
	body2, len2 := run()
	assert.Equal(t, body1, body2)
	assert.Equal(t, len1, len2)
}

func TestReplayChunkedOmitsContentLength(t *testing.T) {
	file := filepath.Join(t.TempDir(), "trace.wpr")
	w, err := archive.Create(file)
	require.NoError(t, err)
	u, _ := url.ParseRequestURI("http://example.test/stream")
	req := &http.Request{Method: "GET", Host: "example.test", URL: u, Header: http.Header{}}
	require.NoError(t, w.Append(archive.NewKey(req, nil), archive.Response{
		Status:  200,
		Reason:  "OK",
		Headers: []archive.HeaderField{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte("streamed"),
		Chunked: true,
	}))
	require.NoError(t, w.Close())
	a, err := archive.Load(file)
	require.NoError(t, err)

	// Through a real server so the chunked framing is observable.
	srv := httptest.NewServer(NewReplayHandler(nil, a, false, nil, nil))
	defer srv.Close()

	outReq, err := http.NewRequest("GET", srv.URL+"/stream", nil)
	require.NoError(t, err)
	outReq.Host = "example.test"
	// Suppress the client's implicit headers so the canonical key
	// matches the archived one.
	outReq.Header.Set("User-Agent", "")
	transport := &http.Transport{DisableCompression: true}
	defer transport.CloseIdleConnections()
	resp, err := transport.RoundTrip(outReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(body))
	assert.Contains(t, resp.TransferEncoding, "chunked")
}

func TestReplayTimingsObserved(t *testing.T) {
	a := buildArchive(t, "example.test", []struct{ path, contentType, body string }{
		{"/", "text/plain", "hi"},
	})
	h := NewReplayHandler(nil, a, false, nil, nil)
	replayGet(t, h, "example.test", "/")
	replayGet(t, h, "example.test", "/")

	snap := h.Timings.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "example.test/", snap[0].URL)
	assert.Equal(t, uint64(2), snap[0].Requests)
	assert.Equal(t, uint64(4), snap[0].Bytes)
	assert.Equal(t, 200, snap[0].LastState)
}
