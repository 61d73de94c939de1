package dns

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func query(id uint16, name string, typ Type) Message {
	return Message{
		Header:    Header{ID: id, Flags: FlagRD},
		Questions: []Question{{Name: name, Type: typ, Class: ClassIN}},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := query(0x1234, "example.com", TypeA)
	m.Answers = []Record{{
		Name:  "example.com",
		Type:  TypeA,
		Class: ClassIN,
		TTL:   60,
		Data:  []byte{93, 184, 216, 34},
	}}

	wire, err := m.Marshal()
	require.NoError(t, err)

	got, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), got.Header.ID)
	assert.Equal(t, uint16(1), got.Header.QDCount)
	require.Len(t, got.Questions, 1)
	assert.Equal(t, "example.com", got.Questions[0].Name)
	require.Len(t, got.Answers, 1)
	assert.Equal(t, TypeA, got.Answers[0].Type)

	addr, ok := got.Answers[0].Addr()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), addr)
}

func TestParseQuery(t *testing.T) {
	valid, err := query(7, "example.com", TypeA).Marshal()
	require.NoError(t, err)

	response := query(7, "example.com", TypeA)
	response.Header.Flags |= FlagQR
	responseWire, err := response.Marshal()
	require.NoError(t, err)

	noQuestion, err := (Message{Header: Header{ID: 9}}).Marshal()
	require.NoError(t, err)

	iquery := query(7, "example.com", TypeA)
	iquery.Header.Flags |= 1 << 11
	iqueryWire, err := iquery.Marshal()
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"response rejected", responseWire, true},
		{"no question", noQuestion, true},
		{"non-zero opcode", iqueryWire, true},
		{"short header", []byte{0, 1, 2}, true},
		{"oversized", make([]byte, MaxMessageSize+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseQuery(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "example.com", m.Questions[0].Name)
		})
	}
}

func TestParseQuestionNormalizesName(t *testing.T) {
	wire, err := query(1, "WWW.Example.COM", TypeAAAA).Marshal()
	require.NoError(t, err)
	m, err := ParseQuery(wire)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", m.Questions[0].Name)
}

func TestParseTruncatedRecord(t *testing.T) {
	m := query(2, "example.com", TypeA)
	m.Answers = []Record{{Name: "example.com", Type: TypeA, Class: ClassIN, Data: []byte{1, 2, 3, 4}}}
	wire, err := m.Marshal()
	require.NoError(t, err)

	for cut := len(wire) - 1; cut > HeaderSize; cut -= 3 {
		_, err := Parse(wire[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}
