package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DarwinSettings drives networksetup for the DNS override and the
// dummynet family (dnctl pipes plus a pf anchor) for shaping.
type DarwinSettings struct {
	Logger *slog.Logger
	Run    Runner

	// Service is the network service whose DNS is overridden; detected
	// from networksetup when empty.
	Service string

	euid func() int

	mu          sync.Mutex
	dnsSnapshot []string
	dnsSet      bool
	shapingOn   bool
}

// Dummynet pipe numbers; arbitrary but stable so teardown can find them.
const (
	pipeUp   = 10
	pipeDown = 11
)

// NewDarwinSettings builds the macOS backend.
func NewDarwinSettings(logger *slog.Logger, run Runner) *DarwinSettings {
	return &DarwinSettings{
		Logger: logger,
		Run:    run,
		euid:   os.Geteuid,
	}
}

func (s *DarwinSettings) service(ctx context.Context) (string, error) {
	if s.Service != "" {
		return s.Service, nil
	}
	out, err := s.Run.Run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return "", fmt.Errorf("list network services: %w", err)
	}
	for line := range strings.Lines(out) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		s.Service = line
		return line, nil
	}
	return "", fmt.Errorf("no active network service found")
}

// PrimaryDNS reads the configured resolvers for the primary service,
// reporting the snapshot while an override is active.
func (s *DarwinSettings) PrimaryDNS() ([]string, error) {
	s.mu.Lock()
	if s.dnsSet {
		snap := append([]string(nil), s.dnsSnapshot...)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	ctx := context.Background()
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.Run.Run(ctx, "networksetup", "-getdnsservers", svc)
	if err != nil {
		return nil, err
	}
	return parseDNSServers(out), nil
}

func parseDNSServers(out string) []string {
	// networksetup prints a sentence when DHCP supplies the resolvers;
	// an empty list represents that state.
	if strings.Contains(out, "aren't any DNS Servers") {
		return nil
	}
	var servers []string
	for line := range strings.Lines(out) {
		if line = strings.TrimSpace(line); line != "" {
			servers = append(servers, line)
		}
	}
	return servers
}

// SetPrimaryDNS snapshots the service's resolver list once and points it
// at addr.
func (s *DarwinSettings) SetPrimaryDNS(addr string) error {
	if err := requireRoot(s.euid); err != nil {
		return err
	}
	ctx := context.Background()
	svc, err := s.service(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dnsSet {
		out, err := s.Run.Run(ctx, "networksetup", "-getdnsservers", svc)
		if err != nil {
			return fmt.Errorf("snapshot dns servers: %w", err)
		}
		s.dnsSnapshot = parseDNSServers(out)
		s.dnsSet = true
	}

	if _, err := s.Run.Run(ctx, "networksetup", "-setdnsservers", svc, addr); err != nil {
		s.dnsSet = false
		s.dnsSnapshot = nil
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("primary dns overridden", "addr", addr, "service", svc)
	}
	return nil
}

// RestorePrimaryDNS reinstates the snapshot. "Empty" restores DHCP
// behavior.
func (s *DarwinSettings) RestorePrimaryDNS() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dnsSet {
		return nil
	}
	ctx := context.Background()
	svc, err := s.service(ctx)
	if err != nil {
		return err
	}

	args := []string{"-setdnsservers", svc}
	if len(s.dnsSnapshot) == 0 {
		args = append(args, "Empty")
	} else {
		args = append(args, s.dnsSnapshot...)
	}
	if _, err := s.Run.Run(ctx, "networksetup", args...); err != nil {
		return err
	}
	s.dnsSet = false
	s.dnsSnapshot = nil
	if s.Logger != nil {
		s.Logger.Info("primary dns restored", "service", svc)
	}
	return nil
}

// InstallShaping configures two dummynet pipes (one per direction) and
// binds them to the replay port through pf. Partial failures roll back.
func (s *DarwinSettings) InstallShaping(spec ShapingSpec) error {
	if err := requireRoot(s.euid); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shapingOn {
		return fmt.Errorf("shaping rules already installed")
	}

	ctx := context.Background()
	for _, cmd := range s.shapingCommands(spec) {
		if _, err := s.Run.Run(ctx, cmd[0], cmd[1:]...); err != nil {
			s.rollbackShaping(ctx)
			return fmt.Errorf("install shaping: %w", err)
		}
	}
	s.shapingOn = true
	if s.Logger != nil {
		s.Logger.Info("shaping installed", "port", spec.Port,
			"up", spec.Profile.Up.String(), "down", spec.Profile.Down.String())
	}
	return nil
}

func (s *DarwinSettings) shapingCommands(spec ShapingSpec) [][]string {
	p := spec.Profile

	pipeArgs := func(pipe int, bw string) []string {
		args := []string{"dnctl", "pipe", strconv.Itoa(pipe), "config"}
		if bw != "0" {
			args = append(args, "bw", bw)
		}
		if p.DelayMs > 0 {
			args = append(args, "delay", strconv.Itoa(p.DelayMs))
		}
		if p.PacketLossRate > 0 {
			// dummynet's plr is the drop probability in [0,1].
			args = append(args, "plr", fmt.Sprintf("%g", p.PacketLossRate))
		}
		return args
	}

	upBw, downBw := "0", "0"
	if !p.Up.Unlimited() {
		upBw = strconv.FormatInt(p.Up.KbitPerSecond(), 10) + "Kbit/s"
	}
	if !p.Down.Unlimited() {
		downBw = strconv.FormatInt(p.Down.KbitPerSecond(), 10) + "Kbit/s"
	}

	port := strconv.Itoa(spec.Port)
	return [][]string{
		pipeArgs(pipeUp, upBw),
		pipeArgs(pipeDown, downBw),
		{"sh", "-c", fmt.Sprintf(
			`echo "dummynet in proto tcp from any to any port %s pipe %d\ndummynet out proto tcp from any port %s to any pipe %d" | pfctl -a webreplay -f -`,
			port, pipeUp, port, pipeDown)},
		{"pfctl", "-E"},
	}
}

// RemoveShaping flushes the anchor and deletes the pipes.
func (s *DarwinSettings) RemoveShaping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shapingOn {
		return nil
	}
	s.rollbackShaping(context.Background())
	s.shapingOn = false
	if s.Logger != nil {
		s.Logger.Info("shaping removed")
	}
	return nil
}

func (s *DarwinSettings) rollbackShaping(ctx context.Context) {
	for _, cmd := range [][]string{
		{"pfctl", "-a", "webreplay", "-F", "all"},
		{"dnctl", "pipe", "delete", strconv.Itoa(pipeUp)},
		{"dnctl", "pipe", "delete", strconv.Itoa(pipeDown)},
	} {
		if _, err := s.Run.Run(ctx, cmd[0], cmd[1:]...); err != nil && s.Logger != nil {
			s.Logger.Warn("shaping teardown step failed", "cmd", strings.Join(cmd, " "), "err", err)
		}
	}
}
