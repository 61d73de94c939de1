// Package archive implements the persisted request/response store: a
// content-addressable append log written during record and served,
// immutable, during replay.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"
)

// ErrArchive is the sentinel for archive read/write/format failures.
// main maps it to exit code 3.
var ErrArchive = errors.New("archive error")

// hopByHop lists the connection-scoped headers that never participate in
// matching and are never stored (RFC 7230 Section 6.1).
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// HashSize is the size of the request body digest.
const HashSize = sha256.Size

// emptyBodyHash is the fixed sentinel for zero-length bodies.
var emptyBodyHash [HashSize]byte

// Key identifies a recorded request. Two keys match iff their canonical
// tuples are byte-equal.
type Key struct {
	Method   string
	Host     string
	Path     string   // path including any query string
	Headers  []string // canonical "name:value" lines, sorted
	BodyHash [HashSize]byte
}

// NewKey derives the canonical key for a request. Header names are
// lowercased, hop-by-hop headers (and anything named by Connection) are
// dropped, and the remainder is sorted.
func NewKey(r *http.Request, body []byte) Key {
	return Key{
		Method:   r.Method,
		Host:     strings.ToLower(r.Host),
		Path:     r.URL.RequestURI(),
		Headers:  CanonicalHeaders(r.Header),
		BodyHash: HashBody(body),
	}
}

// HashBody digests an entity body. Zero-length bodies map to a fixed
// sentinel so the hash never depends on hash-of-nothing conventions.
func HashBody(body []byte) [HashSize]byte {
	if len(body) == 0 {
		return emptyBodyHash
	}
	return sha256.Sum256(body)
}

// CanonicalHeaders flattens h into sorted lowercase "name:value" lines
// with hop-by-hop headers removed.
func CanonicalHeaders(h http.Header) []string {
	drop := make(map[string]bool, len(hopByHop))
	for name := range hopByHop {
		drop[name] = true
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				drop[name] = true
			}
		}
	}

	lines := make([]string, 0, len(h))
	for name, values := range h {
		lname := strings.ToLower(name)
		if drop[lname] {
			continue
		}
		for _, v := range values {
			lines = append(lines, lname+":"+v)
		}
	}
	sort.Strings(lines)
	return lines
}

// Fingerprint returns the canonical tuple as a single string, usable as
// a map key. Field separators cannot occur inside the fields themselves
// (header lines contain no NUL, the hash is hex-encoded).
func (k Key) Fingerprint() string {
	var b strings.Builder
	b.WriteString(k.Method)
	b.WriteByte(0)
	b.WriteString(k.Host)
	b.WriteByte(0)
	b.WriteString(k.Path)
	b.WriteByte(0)
	b.WriteString(strings.Join(k.Headers, "\x00"))
	b.WriteByte(0)
	b.WriteString(hex.EncodeToString(k.BodyHash[:]))
	return b.String()
}

// URL reconstructs the request target for logging and the per-URL timing
// aggregates.
func (k Key) URL() string {
	return k.Host + k.Path
}
