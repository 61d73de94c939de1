package main

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webreplay/webreplay/internal/archive"
	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/platform"
)

func mustBuild(t *testing.T, args ...string) *config.Config {
	t.Helper()
	flags, positional, err := parseFlags(args)
	require.NoError(t, err)
	cfg, err := buildConfig(flags, positional)
	require.NoError(t, err)
	return cfg
}

func buildErr(t *testing.T, args ...string) error {
	t.Helper()
	flags, positional, err := parseFlags(args)
	if err != nil {
		return err
	}
	_, err = buildConfig(flags, positional)
	return err
}

func TestBuildConfigReplayDefaults(t *testing.T) {
	cfg := mustBuild(t, "archive.wpr")
	assert.Equal(t, "archive.wpr", cfg.ReplayFile)
	assert.Equal(t, config.ModeReplay, cfg.Mode)
	assert.Equal(t, config.ProtocolHTTP1, cfg.Protocol)
	assert.Equal(t, 80, cfg.Port)
	assert.True(t, cfg.DeterministicScript)
	assert.True(t, cfg.DNS.Forwarding)
	assert.True(t, cfg.DNS.PrivatePassthrough)
}

func TestBuildConfigRecord(t *testing.T) {
	cfg := mustBuild(t, "--record", "archive.wpr")
	assert.Equal(t, config.ModeRecord, cfg.Mode)
}

func TestBuildConfigShapedReplay(t *testing.T) {
	cfg := mustBuild(t,
		"--up", "128KByte/s",
		"--down", "4Mbit/s",
		"--delay_ms", "100",
		"--packet_loss_rate", "0.01",
		"archive.wpr",
	)
	assert.Equal(t, int64(4_000_000), cfg.Net.Down.BitsPerSecond())
	assert.Equal(t, int64(128*1024*8), cfg.Net.Up.BitsPerSecond())
	assert.Equal(t, 100, cfg.Net.DelayMs)
	assert.InDelta(t, 0.01, cfg.Net.PacketLossRate, 1e-9)
	assert.True(t, cfg.Net.Shaped())
}

func TestBuildConfigSpdyVariants(t *testing.T) {
	cfg := mustBuild(t, "--spdy", "no-ssl", "archive.wpr")
	assert.Equal(t, config.ProtocolH2C, cfg.Protocol)
	assert.False(t, cfg.Net.EncryptedH2)

	cfg = mustBuild(t, "--spdy", "ssl", "--certfile", "c.pem", "--keyfile", "k.pem", "archive.wpr")
	assert.Equal(t, config.ProtocolH2, cfg.Protocol)
	assert.True(t, cfg.Net.EncryptedH2)
}

func TestBuildConfigNegativeFlags(t *testing.T) {
	cfg := mustBuild(t,
		"--no-deterministic_script",
		"--no-dns_forwarding",
		"--no-dns_private_passthrough",
		"archive.wpr",
	)
	assert.False(t, cfg.DeterministicScript)
	assert.False(t, cfg.DNS.Forwarding)
	assert.False(t, cfg.DNS.PrivatePassthrough)
}

func TestBuildConfigRejections(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"record with shaping", []string{"--record", "--down", "4Mbit/s", "archive.wpr"}},
		{"record with spdy", []string{"--record", "--spdy", "ssl", "archive.wpr"}},
		{"bad bandwidth", []string{"--down", "warp", "archive.wpr"}},
		{"missing replay file", []string{}},
		{"too many positionals", []string{"a.wpr", "b.wpr"}},
		{"server and server_mode", []string{"--server", "192.0.2.1", "--server_mode", "archive.wpr"}},
		{"loss out of range", []string{"--packet_loss_rate", "2", "archive.wpr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buildErr(t, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrArgument)
			assert.Equal(t, exitArgument, exitCode(err))
		})
	}
}

func TestBuildConfigServerClientMode(t *testing.T) {
	cfg := mustBuild(t, "--server", "192.0.2.80")
	assert.Equal(t, "192.0.2.80", cfg.RemoteServer)
	assert.Empty(t, cfg.ReplayFile)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitArgument, exitCode(config.ErrArgument))
	assert.Equal(t, exitPrivilege, exitCode(platform.ErrPrivilege))
	assert.Equal(t, exitPrivilege, exitCode(platform.ErrUnsupported))
	assert.Equal(t, exitPrivilege, exitCode(syscall.EACCES))
	assert.Equal(t, exitArchive, exitCode(archive.ErrArchive))
	assert.Equal(t, exitArgument, exitCode(assert.AnError))
}
