// Package trafficshaper enforces the session's network profile between
// the browser and the replay server by composing the platform's
// packet-scheduling primitives: a token bucket for bandwidth, a delay
// queue for propagation delay, and a Bernoulli drop filter for loss. The
// macOS backend caps each direction with its own pipe; the Linux backend
// uses one bucket, at the tighter of the up and down caps, for both
// directions.
package trafficshaper

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/webreplay/webreplay/internal/config"
	"github.com/webreplay/webreplay/internal/platform"
)

// Shaper owns the shaping rules for one session. The contract is pure
// lifecycle: after Install returns the rules are active; Remove takes
// them down regardless of how the session ends.
type Shaper struct {
	Logger *slog.Logger

	settings platform.Settings
	spec     platform.ShapingSpec

	mu        sync.Mutex
	installed bool
}

// New validates the profile and builds a shaper for the replay server's
// listening surface. Malformed profiles fail here, before any rule
// exists.
func New(logger *slog.Logger, settings platform.Settings, host string, port int, profile config.NetworkProfile) (*Shaper, error) {
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: shaper port %d out of range", config.ErrArgument, port)
	}
	return &Shaper{
		Logger:   logger,
		settings: settings,
		spec: platform.ShapingSpec{
			Host:    host,
			Port:    port,
			Profile: profile,
		},
	}, nil
}

// ValidateProfile fails fast on out-of-range values. Bandwidth grammar
// violations never get this far; config.ParseBandwidth rejects them at
// flag parsing.
func ValidateProfile(p config.NetworkProfile) error {
	if p.PacketLossRate < 0 || p.PacketLossRate > 1 {
		return fmt.Errorf("%w: packet loss rate %v outside [0,1]", config.ErrArgument, p.PacketLossRate)
	}
	if p.DelayMs < 0 {
		return fmt.Errorf("%w: negative propagation delay %dms", config.ErrArgument, p.DelayMs)
	}
	if p.InitCwnd < 0 {
		return fmt.Errorf("%w: negative initial cwnd %d", config.ErrArgument, p.InitCwnd)
	}
	return nil
}

// Install applies the rules. A profile with nothing to shape installs
// nothing and succeeds.
func (s *Shaper) Install() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed {
		return nil
	}
	if !s.spec.Profile.Shaped() {
		if s.Logger != nil {
			s.Logger.Info("no network emulation configured, shaper idle")
		}
		return nil
	}
	if err := s.settings.InstallShaping(s.spec); err != nil {
		return err
	}
	s.installed = true
	if s.Logger != nil {
		s.Logger.Info("traffic shaping active",
			"port", s.spec.Port,
			"up", s.spec.Profile.Up.String(),
			"down", s.spec.Profile.Down.String(),
			"delay_ms", s.spec.Profile.DelayMs,
			"packet_loss_rate", s.spec.Profile.PacketLossRate,
			"init_cwnd", s.spec.Profile.InitCwnd,
		)
	}
	return nil
}

// Remove tears the rules down. Safe to call repeatedly and when nothing
// was installed.
func (s *Shaper) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return nil
	}
	if err := s.settings.RemoveShaping(); err != nil {
		return err
	}
	s.installed = false
	return nil
}

// Active reports whether rules are currently installed.
func (s *Shaper) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}
