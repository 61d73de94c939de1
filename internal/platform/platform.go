// Package platform holds the per-OS side-effect surface: overriding and
// restoring the primary DNS resolver, and installing and removing the
// packet-scheduling rules the traffic shaper composes.
//
// Each OS is a tagged implementation of the same capability set; the
// right one selects itself from the running system at startup. All
// external commands run through an injectable Runner so tests never
// touch the real machine.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/webreplay/webreplay/internal/config"
)

// ErrPrivilege is the sentinel for operations the OS refused for lack of
// privilege. main maps it to exit code 2. Operations fail with it before
// leaving any partial state behind.
var ErrPrivilege = errors.New("privilege error")

// ErrUnsupported marks platforms without a settings backend.
var ErrUnsupported = errors.New("unsupported platform")

// ShapingSpec describes the rules to install: the replay server's
// listening surface plus the session's network profile.
type ShapingSpec struct {
	Host    string
	Port    int
	Profile config.NetworkProfile
}

// Settings is the capability set the supervisor and traffic shaper
// compose. Set/restore pairs are idempotent: the snapshot is taken once
// per process and repeated restores are no-ops.
type Settings interface {
	// PrimaryDNS returns the resolver list currently configured, taken
	// before any override so the forwarder can keep using the real
	// resolvers.
	PrimaryDNS() ([]string, error)
	// SetPrimaryDNS snapshots the current resolver configuration and
	// points the system at addr.
	SetPrimaryDNS(addr string) error
	// RestorePrimaryDNS reinstates the snapshot taken by SetPrimaryDNS.
	RestorePrimaryDNS() error

	// InstallShaping applies the packet-scheduling rules for spec.
	InstallShaping(spec ShapingSpec) error
	// RemoveShaping tears down whatever InstallShaping put in place.
	RemoveShaping() error
}

// Runner executes external commands. The production implementation
// shells out; tests record and script.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands for real.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if isPermissionFailure(err, text) {
			return text, fmt.Errorf("%w: %s %s: %s", ErrPrivilege, name, strings.Join(args, " "), text)
		}
		return text, fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, text)
	}
	return text, nil
}

func isPermissionFailure(err error, output string) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "must be root")
}

// Select returns the settings backend for the running OS.
func Select(logger *slog.Logger) (Settings, error) {
	switch runtime.GOOS {
	case "linux":
		return NewLinuxSettings(logger, ExecRunner{}), nil
	case "darwin":
		return NewDarwinSettings(logger, ExecRunner{}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOOS)
	}
}

// requireRoot guards privileged operations up front so nothing partial
// happens first.
func requireRoot(euid func() int) error {
	if euid() != 0 {
		return fmt.Errorf("%w: must run as root (euid %d)", ErrPrivilege, euid())
	}
	return nil
}
