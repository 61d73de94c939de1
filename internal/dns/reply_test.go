package dns

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorReply(t *testing.T) {
	req := query(0xBEEF, "example.com", TypeA)
	resp := ErrorReply(req, RCodeServFail)

	assert.Equal(t, uint16(0xBEEF), resp.Header.ID)
	assert.True(t, IsResponse(resp.Header.Flags))
	assert.Equal(t, RCodeServFail, RCodeOf(resp.Header.Flags))
	assert.NotZero(t, resp.Header.Flags&FlagRD, "RD must be echoed")
	assert.Empty(t, resp.Answers)
	assert.Equal(t, req.Questions, resp.Questions)
}

func TestErrorReplyRaw(t *testing.T) {
	req, err := query(0x0102, "example.com", TypeA).Marshal()
	require.NoError(t, err)

	raw := ErrorReplyRaw(req, RCodeFormErr)
	require.NotNil(t, raw)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), m.Header.ID)
	assert.Equal(t, RCodeFormErr, RCodeOf(m.Header.Flags))

	assert.Nil(t, ErrorReplyRaw([]byte{1, 2, 3}, RCodeFormErr), "unrecoverable header")
}

func TestAddressReply(t *testing.T) {
	tests := []struct {
		name     string
		addr     netip.Addr
		wantType Type
		wantLen  int
	}{
		{"ipv4", netip.MustParseAddr("127.0.0.1"), TypeA, 4},
		{"ipv6", netip.MustParseAddr("::1"), TypeAAAA, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := query(42, "proxy.example.com", TypeA)
			resp, err := AddressReply(req, tt.addr, 60)
			require.NoError(t, err)

			require.Len(t, resp.Answers, 1)
			rr := resp.Answers[0]
			assert.Equal(t, tt.wantType, rr.Type)
			assert.Len(t, rr.Data, tt.wantLen)
			assert.Equal(t, uint32(60), rr.TTL)
			assert.Equal(t, "proxy.example.com", rr.Name)

			got, ok := rr.Addr()
			require.True(t, ok)
			assert.Equal(t, tt.addr, got)
		})
	}

	_, err := AddressReply(Message{}, netip.MustParseAddr("127.0.0.1"), 60)
	assert.ErrorIs(t, err, ErrWire)
}

func TestPatchID(t *testing.T) {
	msg := []byte{0x00, 0x01, 0xAA, 0xBB}
	patched := PatchID(msg, 0x1234)
	assert.Equal(t, []byte{0x12, 0x34, 0xAA, 0xBB}, patched)
	assert.Equal(t, []byte{0x00, 0x01, 0xAA, 0xBB}, msg, "input left untouched")

	same := PatchID(msg, 0x0001)
	assert.Equal(t, &msg[0], &same[0], "no copy when ID already matches")
}
