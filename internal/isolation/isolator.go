package isolation

import (
	"context"
	"log/slog"
	"os/exec"
)

// IsolatorCaps describes what a platform's isolator can enforce.
type IsolatorCaps struct {
	CanLimitMemory  bool `json:"canLimitMemory"`
	CanLimitCPU     bool `json:"canLimitCpu"`
	CanLimitNetwork bool `json:"canLimitNetwork"`
	CanIsolateFS    bool `json:"canIsolateFs"`
	CanIsolatePID   bool `json:"canIsolatePid"`
}

// Isolator wraps a command with platform-specific process isolation.
// The shell tool runs every subprocess through one of these.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() IsolatorCaps
}

// NewIsolator returns the isolator for the current platform. Kernel-level
// enforcement is not wired on any platform yet, so every platform gets the
// fallback: timeout enforcement plus path validation in the tools that use it.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("isolation: using fallback isolator (timeout only)")
	return NewFallbackIsolator()
}
