package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the config from defaults, the optional YAML file, and
// WEBREPLAY_* environment variables. CLI flags are applied on top by the
// caller.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file: %v", ErrArgument, err)
		}
	}

	cfg := &Config{
		Mode:     ModeReplay,
		Protocol: ProtocolHTTP1,
		Host:     v.GetString("host"),
		Port:     v.GetInt("port"),
		CertFile: v.GetString("certfile"),
		KeyFile:  v.GetString("keyfile"),

		DeterministicScript: v.GetBool("deterministic_script"),

		DNS: DNSConfig{
			Forwarding:         v.GetBool("dns.forwarding"),
			PrivatePassthrough: v.GetBool("dns.private_passthrough"),
			Port:               v.GetInt("dns.port"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("logging.level"),
			File:  v.GetString("logging.file"),
			JSON:  v.GetBool("logging.json"),
		},
		API: APIConfig{
			Enabled: v.GetBool("api.enabled"),
			Host:    v.GetString("api.host"),
			Port:    v.GetInt("api.port"),
		},
		Upload: UploadConfig{
			Endpoint:       v.GetString("upload.endpoint"),
			TimeoutSeconds: v.GetInt("upload.timeout_seconds"),
			RetryMax:       v.GetInt("upload.retry_max"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 80)
	v.SetDefault("certfile", "")
	v.SetDefault("keyfile", "")
	v.SetDefault("deterministic_script", true)

	v.SetDefault("dns.forwarding", true)
	v.SetDefault("dns.private_passthrough", true)
	v.SetDefault("dns.port", 53)

	v.SetDefault("logging.level", "debug")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.json", false)

	// Status API stays off and local unless asked for.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)

	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.timeout_seconds", 10)
	v.SetDefault("upload.retry_max", 3)
}

// Validate enforces the CLI combination rules. Every violation wraps
// ErrArgument.
func (c *Config) Validate() error {
	if c.RemoteServer != "" && c.ServerMode {
		return fmt.Errorf("%w: --server and --server_mode are mutually exclusive", ErrArgument)
	}
	if c.RemoteServer == "" && c.ReplayFile == "" {
		return fmt.Errorf("%w: must specify a replay_file", ErrArgument)
	}

	if c.Mode == ModeRecord {
		if c.Net.Shaped() {
			return fmt.Errorf("%w: shaping options (--up, --down, --delay_ms, --packet_loss_rate, --init_cwnd) cannot be used with --record", ErrArgument)
		}
		if c.Protocol != ProtocolHTTP1 {
			return fmt.Errorf("%w: --spdy cannot be used with --record", ErrArgument)
		}
	}

	if c.Net.PacketLossRate < 0 || c.Net.PacketLossRate > 1 {
		return fmt.Errorf("%w: packet loss rate %v outside [0,1]", ErrArgument, c.Net.PacketLossRate)
	}
	if c.Net.DelayMs < 0 {
		return fmt.Errorf("%w: negative delay %dms", ErrArgument, c.Net.DelayMs)
	}
	if c.Net.InitCwnd < 0 {
		return fmt.Errorf("%w: negative initial cwnd %d", ErrArgument, c.Net.InitCwnd)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrArgument, c.Port)
	}

	if c.Protocol == ProtocolH2 && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("%w: --spdy requires --certfile and --keyfile (or --spdy=no-ssl)", ErrArgument)
	}
	return nil
}
