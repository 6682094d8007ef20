package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator provides minimal process isolation using os/exec plus a
// timeout. Only timeout enforcement is provided; all capabilities report
// false.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap clones the command onto a context-aware exec.Cmd with timeout
// enforcement. The caller must run the returned *exec.Cmd, not the original,
// and must always call the cleanup function after the process finishes.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands created via
	// exec.CommandContext, so the original is cloned onto one.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}

	return wrapped, cleanup, nil
}

// Capabilities returns all-false caps.
func (f *FallbackIsolator) Capabilities() IsolatorCaps {
	return IsolatorCaps{}
}
