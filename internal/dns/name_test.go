package dns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"example.com..", "example.com"},
		{".", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestAppendName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{
			name: "two labels",
			in:   "example.com",
			want: []byte{7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0},
		},
		{
			name: "trailing dot ignored",
			in:   "example.com.",
			want: []byte{7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0},
		},
		{
			name: "root",
			in:   "",
			want: []byte{0},
		},
		{
			name:    "empty label",
			in:      "a..b",
			wantErr: true,
		},
		{
			name:    "label too long",
			in:      strings.Repeat("x", 64) + ".com",
			wantErr: true,
		},
		{
			name:    "non-ascii",
			in:      "ex\xc3\xa4mple.com",
			wantErr: true,
		},
		{
			name:    "name too long",
			in:      strings.Repeat("abcdefgh.", 32) + "com",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AppendName(nil, tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrWire)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadNameRoundTrip(t *testing.T) {
	for _, name := range []string{"example.com", "a.b.c.d", "localhost", ""} {
		t.Run(name, func(t *testing.T) {
			wire, err := AppendName(nil, name)
			require.NoError(t, err)
			off := 0
			got, err := ReadName(wire, &off)
			require.NoError(t, err)
			assert.Equal(t, name, got)
			assert.Equal(t, len(wire), off)
		})
	}
}

func TestReadNameCompression(t *testing.T) {
	// "example.com" at offset 0, then a pointer to it at offset 13.
	wire, err := AppendName(nil, "example.com")
	require.NoError(t, err)
	msg := append(wire, 0xC0, 0x00)

	off := len(wire)
	got, err := ReadName(msg, &off)
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)
	assert.Equal(t, len(msg), off)
}

func TestReadNamePointerLoop(t *testing.T) {
	msg := []byte{0xC0, 0x02, 0xC0, 0x00}
	off := 0
	_, err := ReadName(msg, &off)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWire)
}

func TestReadNameTruncated(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
	}{
		{"empty", nil},
		{"dangling label", []byte{5, 'a', 'b'}},
		{"dangling pointer", []byte{0xC0}},
		{"reserved bits", []byte{0x40, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off := 0
			_, err := ReadName(tt.msg, &off)
			assert.ErrorIs(t, err, ErrWire)
		})
	}
}
