package dnsproxy

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webreplay/webreplay/internal/dns"
)

func TestServerAnswersOverUDP(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	srv := &Server{
		Handler:          newTestHandler(DefaultRules(true, false), &fakeUpstream{}),
		WorkersPerSocket: 4,
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.RunOnConn(ctx, serverConn) }()

	client, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(wireQuery(t, 99, "captured.test", dns.TypeA))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, dns.MaxMessageSize)
	n, err := client.Read(buf)
	require.NoError(t, err)

	resp := parseResponse(t, buf[:n])
	assert.Equal(t, uint16(99), resp.Header.ID)
	require.Len(t, resp.Answers, 1)
	addr, ok := resp.Answers[0].Addr()
	require.True(t, ok)
	assert.Equal(t, replayAddr, addr)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerSurvivesGarbage(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	srv := &Server{
		Handler:          newTestHandler(DefaultRules(true, false), &fakeUpstream{}),
		WorkersPerSocket: 2,
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = srv.RunOnConn(ctx, serverConn) }()

	client, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	// Garbage first; a valid query afterwards must still be answered.
	_, err = client.Write([]byte{0xFF})
	require.NoError(t, err)
	_, err = client.Write(wireQuery(t, 5, "example.test", dns.TypeA))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, dns.MaxMessageSize)
	n, err := client.Read(buf)
	require.NoError(t, err)
	resp := parseResponse(t, buf[:n])
	assert.Equal(t, uint16(5), resp.Header.ID)
}

func TestForwarderExchange(t *testing.T) {
	// A canned upstream on loopback that answers every query with an A
	// record for 198.51.100.1.
	upstreamConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer upstreamConn.Close()

	go func() {
		buf := make([]byte, dns.MaxMessageSize)
		for {
			n, peer, err := upstreamConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := dns.ParseQuery(buf[:n])
			if err != nil {
				continue
			}
			resp, err := dns.AddressReply(req, netip.MustParseAddr("198.51.100.1"), 300)
			if err != nil {
				continue
			}
			wire, err := resp.Marshal()
			if err != nil {
				continue
			}
			_, _ = upstreamConn.WriteToUDP(wire, peer)
		}
	}()

	f := NewForwarder([]string{upstreamConn.LocalAddr().String()}, 4, time.Second)
	defer f.Close()

	resp, err := f.Exchange(t.Context(), wireQuery(t, 21, "example.test", dns.TypeA))
	require.NoError(t, err)
	m := parseResponse(t, resp)
	assert.Equal(t, uint16(21), m.Header.ID)

	// A second exchange reuses the pooled socket.
	resp, err = f.Exchange(t.Context(), wireQuery(t, 22, "example.test", dns.TypeA))
	require.NoError(t, err)
	assert.Equal(t, uint16(22), parseResponse(t, resp).Header.ID)
}

func TestForwarderTimeout(t *testing.T) {
	// An upstream that never answers.
	deadConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer deadConn.Close()

	f := NewForwarder([]string{deadConn.LocalAddr().String()}, 2, 100*time.Millisecond)
	defer f.Close()

	start := time.Now()
	_, err = f.Exchange(t.Context(), wireQuery(t, 1, "example.test", dns.TypeA))
	require.Error(t, err)
	// One attempt plus one retry.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForwarderNormalizesServerAddrs(t *testing.T) {
	f := NewForwarder([]string{"8.8.8.8", "1.1.1.1:5353"}, 1, time.Second)
	defer f.Close()
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:5353"}, f.Servers())
}
