// ABOUTME: Host command executor servicing agent callbacks with a small builtin table and an optional shell
// ABOUTME: Every failure is reported as empty output; nothing crosses back into the bridge as an error

package hostcmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Version is reported by the ?V builtin.
var Version = "dev"

const defaultShellTimeout = 10 * time.Second

// Options configures a Shell.
type Options struct {
	// AllowShell enables "!cmd" commands run through /bin/sh -c.
	AllowShell   bool
	ShellTimeout time.Duration
	Logger       *slog.Logger
}

// Shell executes callback commands against the local environment.
type Shell struct {
	allowShell   bool
	shellTimeout time.Duration
	logger       *slog.Logger

	mu   sync.RWMutex
	seek func() uint64
}

// New creates a Shell.
func New(opts Options) *Shell {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = defaultShellTimeout
	}
	return &Shell{
		allowShell:   opts.AllowShell,
		shellTimeout: opts.ShellTimeout,
		logger:       opts.Logger.With("component", "hostcmd"),
	}
}

// SetSeekProvider registers the source of the "s" builtin.
func (s *Shell) SetSeekProvider(fn func() uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seek = fn
}

// Execute runs command and returns its output.
func (s *Shell) Execute(ctx context.Context, command string) (output string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("command panicked", "command", command, "panic", fmt.Sprint(r))
			output = ""
		}
	}()

	command = strings.TrimSpace(command)
	name, arg, _ := strings.Cut(command, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case command == "":
		return ""
	case strings.HasPrefix(command, "!"):
		return s.shell(ctx, strings.TrimSpace(command[1:]))
	case name == "?e":
		return arg + "\n"
	case name == "?V":
		return Version + "\n"
	case name == "s":
		return s.currentSeek()
	case name == "env":
		return s.env(arg)
	default:
		s.logger.Debug("unknown command", "command", command)
		return ""
	}
}

func (s *Shell) currentSeek() string {
	s.mu.RLock()
	fn := s.seek
	s.mu.RUnlock()
	if fn == nil {
		return "0x0\n"
	}
	return fmt.Sprintf("0x%x\n", fn())
}

// env lists the environment, prints one variable, or sets one with k=v.
func (s *Shell) env(arg string) string {
	if arg == "" {
		vars := os.Environ()
		sort.Strings(vars)
		return strings.Join(vars, "\n") + "\n"
	}
	if key, value, ok := strings.Cut(arg, "="); ok {
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			s.logger.Warn("setting environment variable", "key", key, "error", err)
		}
		return ""
	}
	value, ok := os.LookupEnv(arg)
	if !ok {
		return ""
	}
	return value + "\n"
}

func (s *Shell) shell(ctx context.Context, command string) string {
	if !s.allowShell {
		s.logger.Warn("shell command refused, host.allow_shell is off", "command", command)
		return ""
	}
	if command == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.WaitDelay = time.Second
	out, err := cmd.Output()
	if err != nil {
		s.logger.Warn("shell command failed", "command", command, "error", err)
		return ""
	}
	return string(out)
}
