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

// LinuxSettings rewrites /etc/resolv.conf for the DNS override and
// drives tc/iptables for shaping. Shaped traffic is classified by the
// replay server's port with iptables MARK rules, queued through a netem
// qdisc carrying the delay/loss settings, and rate-limited by a tbf
// inside it.
type LinuxSettings struct {
	Logger *slog.Logger
	Run    Runner

	// ResolvConfPath is overridable for tests.
	ResolvConfPath string
	// Interface is the shaped NIC; loopback covers the usual
	// browser-and-proxy-on-one-host setup.
	Interface string

	euid func() int

	mu          sync.Mutex
	dnsSnapshot []byte
	dnsSet      bool
	shapingOn   bool
	cwndBackup  string
}

// NewLinuxSettings builds the Linux backend.
func NewLinuxSettings(logger *slog.Logger, run Runner) *LinuxSettings {
	return &LinuxSettings{
		Logger:         logger,
		Run:            run,
		ResolvConfPath: "/etc/resolv.conf",
		Interface:      "lo",
		euid:           os.Geteuid,
	}
}

// PrimaryDNS parses the nameserver lines out of resolv.conf. When an
// override is active the parse runs on the snapshot, so the real
// resolvers keep being reported.
func (s *LinuxSettings) PrimaryDNS() ([]string, error) {
	s.mu.Lock()
	snapshot := s.dnsSnapshot
	set := s.dnsSet
	s.mu.Unlock()

	var data []byte
	if set {
		data = snapshot
	} else {
		var err error
		data, err = os.ReadFile(s.ResolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.ResolvConfPath, err)
		}
	}

	var servers []string
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	return servers, nil
}

// SetPrimaryDNS snapshots resolv.conf once and rewrites it to point at
// addr. Calling it again with an active snapshot only rewrites.
func (s *LinuxSettings) SetPrimaryDNS(addr string) error {
	if err := requireRoot(s.euid); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dnsSet {
		data, err := os.ReadFile(s.ResolvConfPath)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", s.ResolvConfPath, err)
		}
		s.dnsSnapshot = data
		s.dnsSet = true
	}

	content := "# temporary override, the previous configuration is restored on exit\nnameserver " + addr + "\n"
	if err := os.WriteFile(s.ResolvConfPath, []byte(content), 0o644); err != nil {
		s.dnsSet = false
		s.dnsSnapshot = nil
		return fmt.Errorf("%w: write %s: %v", ErrPrivilege, s.ResolvConfPath, err)
	}
	if s.Logger != nil {
		s.Logger.Info("primary dns overridden", "addr", addr, "path", s.ResolvConfPath)
	}
	return nil
}

// RestorePrimaryDNS writes the snapshot back. Safe to call repeatedly
// and without a prior set.
func (s *LinuxSettings) RestorePrimaryDNS() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dnsSet {
		return nil
	}
	if err := os.WriteFile(s.ResolvConfPath, s.dnsSnapshot, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", s.ResolvConfPath, err)
	}
	s.dnsSet = false
	s.dnsSnapshot = nil
	if s.Logger != nil {
		s.Logger.Info("primary dns restored", "path", s.ResolvConfPath)
	}
	return nil
}

// InstallShaping builds the tc/iptables rule stack. A partial failure
// rolls back everything already installed before the error returns.
func (s *LinuxSettings) InstallShaping(spec ShapingSpec) error {
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

	if spec.Profile.InitCwnd > 0 {
		if err := s.applyInitCwnd(ctx, spec.Profile.InitCwnd); err != nil {
			s.rollbackShaping(ctx)
			return err
		}
	}

	s.shapingOn = true
	if s.Logger != nil {
		s.Logger.Info("shaping installed",
			"iface", s.Interface,
			"port", spec.Port,
			"up", spec.Profile.Up.String(),
			"down", spec.Profile.Down.String(),
			"delay_ms", spec.Profile.DelayMs,
			"loss", spec.Profile.PacketLossRate,
		)
	}
	return nil
}

// shapingCommands emits the rule stack for spec: a prio root with a
// netem child for delay/loss, an optional tbf grandchild for the rate
// cap, and iptables marks steering the replay port into the shaped band.
func (s *LinuxSettings) shapingCommands(spec ShapingSpec) [][]string {
	port := strconv.Itoa(spec.Port)
	p := spec.Profile

	netem := []string{"tc", "qdisc", "add", "dev", s.Interface, "parent", "1:3", "handle", "30:", "netem"}
	if p.DelayMs > 0 {
		netem = append(netem, "delay", strconv.Itoa(p.DelayMs)+"ms")
	}
	if p.PacketLossRate > 0 {
		netem = append(netem, "loss", fmt.Sprintf("%g%%", p.PacketLossRate*100))
	}
	if p.DelayMs == 0 && p.PacketLossRate == 0 {
		netem = append(netem, "delay", "0ms")
	}

	cmds := [][]string{
		{"tc", "qdisc", "add", "dev", s.Interface, "root", "handle", "1:", "prio", "bands", "3"},
		netem,
		{"tc", "filter", "add", "dev", s.Interface, "parent", "1:", "protocol", "ip", "prio", "3",
			"handle", "3", "fw", "flowid", "1:3"},
		{"iptables", "-t", "mangle", "-A", "OUTPUT", "-p", "tcp", "--sport", port,
			"-j", "MARK", "--set-mark", "3"},
		{"iptables", "-t", "mangle", "-A", "OUTPUT", "-p", "tcp", "--dport", port,
			"-j", "MARK", "--set-mark", "3"},
	}

	// The download direction dominates a single-host setup; the tighter
	// of the two caps backs the token bucket.
	rate := p.Down
	if rate.Unlimited() || (!p.Up.Unlimited() && p.Up.BitsPerSecond() < rate.BitsPerSecond()) {
		rate = p.Up
	}
	if !rate.Unlimited() {
		cmds = append(cmds, []string{
			"tc", "qdisc", "add", "dev", s.Interface, "parent", "30:", "handle", "31:",
			"tbf", "rate", strconv.FormatInt(rate.KbitPerSecond(), 10) + "kbit",
			"burst", "20k", "latency", "1000ms",
		})
	}
	return cmds
}

func (s *LinuxSettings) applyInitCwnd(ctx context.Context, cwnd int) error {
	route, err := s.Run.Run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return fmt.Errorf("read default route: %w", err)
	}
	route = strings.TrimSpace(strings.SplitN(route, "\n", 2)[0])
	if route == "" {
		return fmt.Errorf("no default route to apply initcwnd to")
	}
	s.cwndBackup = route
	args := append(strings.Fields(route), "initcwnd", strconv.Itoa(cwnd))
	if _, err := s.Run.Run(ctx, "ip", append([]string{"route", "change"}, args...)...); err != nil {
		s.cwndBackup = ""
		return fmt.Errorf("apply initcwnd: %w", err)
	}
	return nil
}

// RemoveShaping tears the rule stack down. Individual failures are
// logged and the teardown keeps going; a half-removed stack is worse
// than a noisy log.
func (s *LinuxSettings) RemoveShaping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shapingOn {
		return nil
	}
	s.rollbackShaping(context.Background())
	s.shapingOn = false
	if s.Logger != nil {
		s.Logger.Info("shaping removed", "iface", s.Interface)
	}
	return nil
}

func (s *LinuxSettings) rollbackShaping(ctx context.Context) {
	for _, cmd := range [][]string{
		{"tc", "qdisc", "del", "dev", s.Interface, "root"},
		{"iptables", "-t", "mangle", "-F", "OUTPUT"},
	} {
		if _, err := s.Run.Run(ctx, cmd[0], cmd[1:]...); err != nil && s.Logger != nil {
			s.Logger.Warn("shaping teardown step failed", "cmd", strings.Join(cmd, " "), "err", err)
		}
	}
	if s.cwndBackup != "" {
		if _, err := s.Run.Run(ctx, "ip", append([]string{"route", "change"}, strings.Fields(s.cwndBackup)...)...); err != nil && s.Logger != nil {
			s.Logger.Warn("initcwnd restore failed", "err", err)
		}
		s.cwndBackup = ""
	}
}
