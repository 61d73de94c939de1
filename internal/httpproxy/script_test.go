package httpproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectableContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"application/xhtml+xml", true},
		{"text/plain", false},
		{"application/json", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			assert.Equal(t, tt.want, injectableContentType(tt.ct))
		})
	}
}

func TestInjectAfterHead(t *testing.T) {
	body := []byte(`<html><head lang="en"><title>t</title><script>var x;</script></head></html>`)
	out := injectDeterministicScript(body)

	idx := strings.Index(string(out), deterministicScript)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, 1, strings.Count(string(out), "var random_seed"), "injected exactly once")

	// The fragment lands before any pre-existing script.
	original := strings.Index(string(out), "<script>var x;</script>")
	assert.Less(t, idx, original)

	// Head tag itself is untouched.
	assert.True(t, strings.HasPrefix(string(out), `<html><head lang="en">`))
}

func TestInjectWithoutHead(t *testing.T) {
	body := []byte(`<p>bare fragment</p>`)
	out := injectDeterministicScript(body)
	assert.True(t, strings.HasPrefix(string(out), "<script>"))
	assert.True(t, strings.HasSuffix(string(out), "<p>bare fragment</p>"))
}

func TestInjectCaseInsensitiveHead(t *testing.T) {
	body := []byte(`<HTML><HEAD><title>t</title></HEAD></HTML>`)
	out := injectDeterministicScript(body)
	assert.Equal(t, 1, strings.Count(string(out), "var random_seed"))
	assert.Less(t, strings.Index(string(out), "var random_seed"), strings.Index(string(out), "<title>"))
}

func TestAlreadyInjected(t *testing.T) {
	body := []byte("<html><head></head></html>")
	assert.False(t, alreadyInjected(body))
	assert.True(t, alreadyInjected(injectDeterministicScript(body)))
}
