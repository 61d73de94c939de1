package archive

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWith(headers map[string]string) *http.Request {
	u, _ := url.ParseRequestURI("http://example.test/page?x=1")
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Request{Method: "GET", Host: "example.test", URL: u, Header: h}
}

func TestCanonicalHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "text/html")
	h.Set("USER-AGENT", "probe")
	h.Set("Connection", "keep-alive, X-Custom")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Proxy-Connection", "keep-alive")
	h.Set("X-Custom", "dropped via connection header")

	got := CanonicalHeaders(h)
	assert.Equal(t, []string{"accept:text/html", "user-agent:probe"}, got)
}

func TestKeyEquality(t *testing.T) {
	a := NewKey(requestWith(map[string]string{"Accept": "text/html"}), nil)
	b := NewKey(requestWith(map[string]string{"accept": "text/html"}), nil)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "header-name case must not matter")

	c := NewKey(requestWith(map[string]string{"Accept": "application/json"}), nil)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "header values are part of the key")
}

func TestKeyHostCaseInsensitive(t *testing.T) {
	u, _ := url.ParseRequestURI("http://Example.TEST/page?x=1")
	req := &http.Request{Method: "GET", Host: "Example.TEST", URL: u, Header: http.Header{}}
	k := NewKey(req, nil)
	assert.Equal(t, "example.test", k.Host)
	assert.Equal(t, "/page?x=1", k.Path)
	assert.Equal(t, "example.test/page?x=1", k.URL())
}

func TestBodyHash(t *testing.T) {
	empty := HashBody(nil)
	alsoEmpty := HashBody([]byte{})
	assert.Equal(t, empty, alsoEmpty)
	assert.Equal(t, [HashSize]byte{}, empty, "empty body uses the zero sentinel")

	full := HashBody([]byte("payload"))
	assert.NotEqual(t, empty, full)

	a := NewKey(requestWith(nil), []byte("payload"))
	b := NewKey(requestWith(nil), []byte("payload"))
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := NewKey(requestWith(nil), []byte("other"))
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestMethodDistinguishesKeys(t *testing.T) {
	get := NewKey(requestWith(nil), nil)
	postReq := requestWith(nil)
	postReq.Method = "POST"
	post := NewKey(postReq, nil)
	assert.NotEqual(t, get.Fingerprint(), post.Fingerprint())
}

func TestResponseHeaderLookup(t *testing.T) {
	r := Response{Headers: []HeaderField{
		{Name: "Content-Type", Value: "text/html"},
		{Name: "content-length", Value: "12"},
	}}
	assert.Equal(t, "text/html", r.Header("content-type"))
	assert.Equal(t, "12", r.Header("Content-Length"))
	assert.Equal(t, "", r.Header("ETag"))
}
