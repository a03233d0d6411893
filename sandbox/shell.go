// Package sandbox runs model-supplied code and shell commands on behalf of
// one conversation. Code runs in an embedded ECMAScript interpreter with a
// fresh global scope per call; shell commands run under /bin/bash in the
// conversation's own working directory with a hard timeout.
//
// Neither runner is a security boundary against the host. Both have the
// same filesystem and network reach as the server process, minus the
// secrets filtered out of the shell environment.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"
)

// Shell defaults.
const (
	DefaultShellTimeout = 60 * time.Second
	MaxShellTimeout     = 600 * time.Second
	DefaultTailBytes    = 16 * 1024
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Dir        string `json:"dir"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ShellOptions configures a Shell.
type ShellOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	TailBytes      int    // per-stream output budget
	ShimDir        string // directory holding the python shim; a temp dir when empty
	Logger         *slog.Logger
}

// Shell runs commands with bash -c.
type Shell struct {
	opts    ShellOptions
	shimDir string
	logger  *slog.Logger
}

// NewShell creates a Shell and writes its PATH shims.
func NewShell(opts ShellOptions) (*Shell, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultShellTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxShellTimeout
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shimDir := opts.ShimDir
	if shimDir == "" {
		dir, err := os.MkdirTemp("", "docagent-shims-")
		if err != nil {
			return nil, fmt.Errorf("create shim dir: %w", err)
		}
		shimDir = dir
	}
	if err := writePythonShim(shimDir); err != nil {
		return nil, err
	}
	return &Shell{opts: opts, shimDir: shimDir, logger: logger}, nil
}

// ShimDir returns the directory prepended to PATH for every command.
func (s *Shell) ShimDir() string { return s.shimDir }

// Timeout clamps a requested timeout in seconds to the configured bounds.
// Zero or negative selects the default.
func (s *Shell) Timeout(seconds int) time.Duration {
	if seconds <= 0 {
		return s.opts.DefaultTimeout
	}
	if time.Duration(seconds) > s.opts.MaxTimeout/time.Second {
		return s.opts.MaxTimeout
	}
	return time.Duration(seconds) * time.Second
}

// Run executes command in dir. A timeout is reported through
// ExecResult.TimedOut, not as an error; errors mean the command could not be
// started at all.
func (s *Shell) Run(ctx context.Context, command, dir string, timeout time.Duration) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = dir
	// Own process group so a timeout kills the children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = s.environment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{DurationMs: time.Since(start).Milliseconds(), Dir: dir}
	var cut1, cut2 bool
	result.Stdout, cut1 = tail(stdout.String(), s.opts.TailBytes)
	result.Stderr, cut2 = tail(stderr.String(), s.opts.TailBytes)
	result.Truncated = cut1 || cut2

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
			s.logger.Warn("shell command timed out", "dir", dir, "timeout", timeout)
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec command: %w", err)
		}
	}
	return result, nil
}

func (s *Shell) environment() []string {
	env := filterEnvironment()
	path := os.Getenv("PATH")
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env = append(env[:i], env[i+1:]...)
			break
		}
	}
	if path == "" {
		path = s.shimDir
	} else {
		path = s.shimDir + string(os.PathListSeparator) + path
	}
	return append(env, "PATH="+path)
}

// writePythonShim makes "python" resolve to python3 for scripts that assume it.
func writePythonShim(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shim dir: %w", err)
	}
	shim := filepath.Join(dir, "python")
	content := "#!/bin/sh\nexec python3 \"$@\"\n"
	if err := os.WriteFile(shim, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write python shim: %w", err)
	}
	return nil
}

// tail keeps at most the last max bytes of s, marking the cut. The cut
// moves forward to a rune boundary so no character is split.
func tail(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return fmt.Sprintf("[... %d bytes truncated ...]\n", cut) + s[cut:], true
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that are never passed to commands.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_SECRET_ACCESS_KEY",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
	"_DSN",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"PYTHONPATH": true, "VIRTUAL_ENV": true, "PYENV_ROOT": true,
	"NVM_DIR": true, "NODE_PATH": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}
