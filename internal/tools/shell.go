package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/internal/isolation"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// baseEnvAllowlist names the environment variables a subprocess inherits.
// Everything else is scrubbed; workflows pass explicit values via the env
// param and secrets via secret.get.
var baseEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ"}

// ShellConfig configures the shell.run tool.
type ShellConfig struct {
	// Enabled gates the tool entirely; when false every invocation is
	// rejected with TOOL_DENIED.
	Enabled        bool
	Isolator       isolation.Isolator
	DefaultTimeout time.Duration
	DefaultLimits  isolation.ResourceLimits
	MaxOutputSize  int64
	// EnvAllowlist extends baseEnvAllowlist.
	EnvAllowlist []string
}

// ShellTools returns the shell.run tool.
func ShellTools(cfg ShellConfig) []Tool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewFallbackIsolator()
	}
	return []Tool{&shellRunTool{cfg: cfg}}
}

const shellRunInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeoutMs": {"type": "integer", "minimum": 0},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

const shellRunOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "stdoutRaw": {"type": "string"},
    "stderr": {"type": "string"},
    "exitCode": {"type": "integer"},
    "durationMs": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

type shellRunTool struct {
	cfg ShellConfig
}

func (t *shellRunTool) Name() string { return "shell.run" }

func (t *shellRunTool) Description() string {
	return "Execute a system command with a scrubbed environment, capturing stdout, stderr, and exit code."
}

func (t *shellRunTool) Schema() ToolSchema {
	return ToolSchema{
		Input:  json.RawMessage(shellRunInputSchema),
		Output: json.RawMessage(shellRunOutputSchema),
	}
}

func (t *shellRunTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	if !t.cfg.Enabled {
		return nil, flow.NewError(flow.ErrCodeToolDenied, "shell.run is disabled; set tools.shell.enabled in settings")
	}
	if params == nil {
		params = map[string]any{}
	}

	command := stringParam(params, "command", "")
	if command == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "shell.run: missing required param 'command'")
	}
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	shellMode := boolParam(params, "shell", false)

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.Command(command, args...)
	}

	if cwd != "" {
		if err := t.cfg.DefaultLimits.ValidatePath(cwd, isolation.AccessRead); err != nil {
			return nil, flow.NewErrorf(flow.ErrCodePathDenied, "shell.run: cwd denied: %v", err).WithCause(err)
		}
		cmd.Dir = cwd
	}

	cmd.Env = scrubbedEnv(t.cfg.EnvAllowlist, envMap)

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	timeout := t.cfg.DefaultTimeout
	if ms := intParam(params, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	// The deadline lives on our context, not the isolator's, so a timeout
	// kill is distinguishable from other run errors via execCtx.Err().
	execCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	limits := t.cfg.DefaultLimits
	limits.Timeout = 0

	wrapped, cleanup, err := t.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "shell.run: isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: t.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: t.cfg.MaxOutputSize}

	start := time.Now()
	runErr := wrapped.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "shell.run: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout when it is valid JSON so downstream steps can
	// interpolate into it (mirrors the HTTP tools' body handling).
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return map[string]any{
		"stdout":     parsedStdout,
		"stdoutRaw":  stdoutStr,
		"stderr":     stderrBuf.String(),
		"exitCode":   exitCode,
		"durationMs": durationMs,
		"killed":     killed,
	}, nil
}

// scrubbedEnv builds the subprocess environment: allowlisted host variables
// plus explicit overrides, nothing else.
func scrubbedEnv(extraAllowed []string, overrides map[string]string) []string {
	allowed := make(map[string]bool, len(baseEnvAllowlist)+len(extraAllowed))
	for _, name := range baseEnvAllowlist {
		allowed[name] = true
	}
	for _, name := range extraAllowed {
		allowed[name] = true
	}

	env := make([]string, 0, len(allowed)+len(overrides))
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			env = append(env, kv)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
