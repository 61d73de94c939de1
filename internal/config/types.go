// Package config holds the harness configuration: CLI-level settings,
// the emulated network profile, and the layered loading behind them.
//
// Priority, highest first:
//  1. Command-line flags (parsed in cmd/webreplay, applied as overrides)
//  2. Environment variables (WEBREPLAY_* prefix)
//  3. YAML config file (--config)
//  4. Defaults
package config

import "errors"

// ErrArgument is the sentinel for invalid CLI combinations and malformed
// values. main maps it to exit code 1.
var ErrArgument = errors.New("invalid argument")

// Mode selects what the proxy does with traffic.
type Mode string

const (
	ModeRecord Mode = "record"
	ModeReplay Mode = "replay"
)

// Protocol selects the replay server flavor.
type Protocol string

const (
	// ProtocolHTTP1 is plain HTTP/1.1, the only protocol in record mode.
	ProtocolHTTP1 Protocol = "http/1.1"
	// ProtocolH2 is encrypted HTTP/2 over TLS (replay only).
	ProtocolH2 Protocol = "h2"
	// ProtocolH2C is cleartext HTTP/2 (replay only, --spdy=no-ssl).
	ProtocolH2C Protocol = "h2c"
)

// NetworkProfile is the per-session emulation tuple. Immutable once the
// session starts; reported verbatim in the session summary.
type NetworkProfile struct {
	Up             Bandwidth `json:"up"`
	Down           Bandwidth `json:"down"`
	DelayMs        int       `json:"delay_ms"`
	PacketLossRate float64   `json:"packet_loss_rate"`
	InitCwnd       int       `json:"init_cwnd"`
	EncryptedH2    bool      `json:"encrypted_h2"`
}

// Shaped reports whether any transport emulation is configured.
func (p NetworkProfile) Shaped() bool {
	return !p.Up.Unlimited() || !p.Down.Unlimited() ||
		p.DelayMs > 0 || p.PacketLossRate > 0 || p.InitCwnd > 0
}

// DNSConfig controls the interceptor.
type DNSConfig struct {
	Forwarding         bool `mapstructure:"forwarding"`          // redirect captured names to the replay host
	PrivatePassthrough bool `mapstructure:"private_passthrough"` // keep intranet names on their real addresses
	Port               int  `mapstructure:"port"`
}

// APIConfig controls the localhost status API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// UploadConfig controls session-summary delivery.
type UploadConfig struct {
	Endpoint       string `mapstructure:"endpoint"` // empty: log the summary instead
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RetryMax       int    `mapstructure:"retry_max"`
}

// LoggingConfig mirrors the CLI logging flags.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	JSON  bool   `mapstructure:"json"`
}

// Config is the complete harness configuration.
type Config struct {
	ReplayFile string
	Mode       Mode
	Protocol   Protocol

	Host string `mapstructure:"host"` // replay host address; empty = pick by mode
	Port int    `mapstructure:"port"`

	CertFile string `mapstructure:"certfile"`
	KeyFile  string `mapstructure:"keyfile"`

	DeterministicScript bool `mapstructure:"deterministic_script"`

	// RemoteServer is the --server client mode target: point local DNS at
	// a remote replay host and block.
	RemoteServer string
	// ServerMode serves replay to remote clients without touching local
	// DNS or installing shaping rules.
	ServerMode bool

	Net NetworkProfile

	DNS     DNSConfig     `mapstructure:"dns"`
	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`
	Upload  UploadConfig  `mapstructure:"upload"`
}
