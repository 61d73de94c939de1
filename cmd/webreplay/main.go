// Command webreplay records the HTTP traffic a browser generates against
// live origins and replays it deterministically under emulated network
// conditions.
//
// Record:
//
//	sudo webreplay --record archive.wpr
//
// Replay with a shaped network:
//
//	sudo webreplay --up 128KByte/s --down 4Mbit/s --delay_ms 100 archive.wpr
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/webreplay/webreplay/internal/archive"
	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/logging"
	"github.com/webreplay/webreplay/internal/platform"
	"github.com/webreplay/webreplay/internal/supervisor"
	"github.com/webreplay/webreplay/internal/uploader"
)

// Exit codes.
const (
	exitOK        = 0
	exitArgument  = 1
	exitPrivilege = 2
	exitArchive   = 3
)

func main() {
	os.Exit(run())
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	record     bool
	spdy       string
	up         string
	down       string
	delayMs    int
	lossRate   float64
	initCwnd   int
	host       string
	port       int
	certFile   string
	keyFile    string
	server     string
	serverMode bool

	noDeterministicScript   bool
	noDNSForwarding         bool
	noDNSPrivatePassthrough bool

	logLevel string
	logFile  string
}

func parseFlags(args []string) (cliFlags, []string, error) {
	fs := flag.NewFlagSet("webreplay", flag.ContinueOnError)
	var f cliFlags

	fs.StringVar(&f.configPath, "config", "", "Optional YAML config file")
	fs.BoolVar(&f.record, "record", false, "Download real responses and record them to replay_file")
	fs.StringVar(&f.spdy, "spdy", "", `Replay over encrypted HTTP/2; "no-ssl" uses cleartext h2`)
	fs.StringVar(&f.up, "up", "0", "Upload bandwidth in [K|M]{bit/s|Byte/s}; zero means unlimited")
	fs.StringVar(&f.down, "down", "0", "Download bandwidth in [K|M]{bit/s|Byte/s}; zero means unlimited")
	fs.IntVar(&f.delayMs, "delay_ms", 0, "One-way propagation delay in milliseconds")
	fs.Float64Var(&f.lossRate, "packet_loss_rate", 0, "Packet loss rate in [0..1]")
	fs.IntVar(&f.initCwnd, "init_cwnd", 0, "Initial TCP congestion window (Linux only)")
	fs.StringVar(&f.host, "host", "", "Override the replay host bind address")
	fs.IntVar(&f.port, "port", 0, "Port the replay server listens on (default 80)")
	fs.StringVar(&f.certFile, "certfile", "", "Certificate file for TLS replay")
	fs.StringVar(&f.keyFile, "keyfile", "", "Key file for TLS replay")
	fs.StringVar(&f.server, "server", "", "Point local DNS at a remote replay host and block")
	fs.BoolVar(&f.serverMode, "server_mode", false, "Serve replay and DNS for remote clients; no local DNS redirect or shaping")
	fs.BoolVar(&f.noDeterministicScript, "no-deterministic_script", false, "Don't inject JavaScript that makes Date() and Math.random() deterministic")
	fs.BoolVar(&f.noDNSForwarding, "no-dns_forwarding", false, "Don't redirect DNS to the local replay server")
	fs.BoolVar(&f.noDNSPrivatePassthrough, "no-dns_private_passthrough", false, "Don't pass through names that resolve to private addresses")
	fs.StringVar(&f.logLevel, "log_level", "", "Minimum level to log: debug, info, warning, error, critical (default debug)")
	fs.StringVar(&f.logFile, "log_file", "", "Log file used in addition to stderr")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, nil, fmt.Errorf("%w: %v", config.ErrArgument, err)
	}
	return f, fs.Args(), nil
}

// buildConfig layers the CLI flags over the loaded configuration.
func buildConfig(f cliFlags, positional []string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	switch {
	case len(positional) == 1:
		cfg.ReplayFile = positional[0]
	case len(positional) > 1:
		return nil, fmt.Errorf("%w: expected a single replay_file, got %d arguments", config.ErrArgument, len(positional))
	}

	if f.record {
		cfg.Mode = config.ModeRecord
	}
	switch f.spdy {
	case "":
	case "no-ssl":
		cfg.Protocol = config.ProtocolH2C
	default:
		cfg.Protocol = config.ProtocolH2
	}
	cfg.Net.EncryptedH2 = cfg.Protocol == config.ProtocolH2

	if cfg.Net.Up, err = config.ParseBandwidth(f.up); err != nil {
		return nil, err
	}
	if cfg.Net.Down, err = config.ParseBandwidth(f.down); err != nil {
		return nil, err
	}
	cfg.Net.DelayMs = f.delayMs
	cfg.Net.PacketLossRate = f.lossRate
	cfg.Net.InitCwnd = f.initCwnd

	// Flags layer over the loaded config; sentinel defaults leave file
	// and environment values alone.
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.certFile != "" {
		cfg.CertFile = f.certFile
	}
	if f.keyFile != "" {
		cfg.KeyFile = f.keyFile
	}
	cfg.RemoteServer = f.server
	cfg.ServerMode = f.serverMode
	if f.noDeterministicScript {
		cfg.DeterministicScript = false
	}
	if f.noDNSForwarding {
		cfg.DNS.Forwarding = false
	}
	if f.noDNSPrivatePassthrough {
		cfg.DNS.PrivatePassthrough = false
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFile != "" {
		cfg.Logging.File = f.logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() int {
	flags, positional, err := parseFlags(os.Args[1:])
	if err != nil {
		return exitCode(err)
	}
	cfg, err := buildConfig(flags, positional)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCode(err)
	}

	logger, closeLog, err := logging.Configure(logging.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
		File:  cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitArgument
	}
	defer func() { _ = closeLog() }()

	settings, err := platform.Select(logger)
	if err != nil {
		logger.Log(context.Background(), logging.LevelCritical, "platform unsupported", "err", err)
		return exitPrivilege
	}

	var emitter uploader.Emitter
	if cfg.Upload.Endpoint != "" {
		emitter = uploader.NewHTTPEmitter(logger, cfg.Upload)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := supervisor.New(logger, cfg, settings, emitter).Run(ctx); err != nil {
		logger.Log(context.Background(), logging.LevelCritical, "session failed", "err", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps error kinds to the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, platform.ErrPrivilege),
		errors.Is(err, platform.ErrUnsupported),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM):
		return exitPrivilege
	case errors.Is(err, archive.ErrArchive):
		return exitArchive
	default:
		return exitArgument
	}
}
