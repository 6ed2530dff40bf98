// ABOUTME: Entry point for coven-probe, the controller CLI for instrumentation agents
// ABOUTME: Runs agent commands, reads and writes target memory, and shows recorded sessions

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-probe/internal/bridge"
	"github.com/2389/coven-probe/internal/config"
	"github.com/2389/coven-probe/internal/device"
	"github.com/2389/coven-probe/internal/events"
	"github.com/2389/coven-probe/internal/hostcmd"
	"github.com/2389/coven-probe/internal/probe"
	"github.com/2389/coven-probe/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __  _ __ ___ | |__   ___
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \| '__/ _ \| '_ \ / _ \
| (_| (_) \ V /  __/ | | |_____| |_) | | | (_) | |_) |  __/
 \___\___/ \_/ \___|_| |_|     | .__/|_|  \___/|_.__/ \___|
                               |_|
`

// getConfigPath returns the path to the probe config file.
// Priority: COVEN_PROBE_CONFIG env var > XDG_CONFIG_HOME/coven/probe.yaml > ~/.config/coven/probe.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_PROBE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "probe.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "probe.yaml")
}

func usage() {
	fmt.Println("Usage: coven-probe <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  exec [flags] CMD...        Run agent commands and print their output")
	fmt.Println("  repl [flags]               Interactive session with the agent")
	fmt.Println("  read [flags] ADDR COUNT    Hex dump target memory")
	fmt.Println("  write [flags] ADDR HEX     Write hex bytes to target memory")
	fmt.Println("  sessions                   List recorded sessions")
	fmt.Println("  history [SESSION]          Show commands of a session (default: latest)")
	fmt.Println("  crash [SESSION]            Show detach reason and crash report")
	fmt.Println("  init                       Create a new config file interactively")
	fmt.Println()
	fmt.Println("Target flags: -device ADDR, -pid PID, -spawn 'PROG ARGS', -run, -script FILE")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "exec":
		err = runExec(ctx, args)
	case "repl":
		err = runRepl(ctx, args)
	case "read":
		err = runRead(ctx, args)
	case "write":
		err = runWrite(ctx, args)
	case "sessions":
		err = runSessions(ctx)
	case "history":
		err = runHistory(ctx, args)
	case "crash":
		err = runCrash(ctx, args)
	case "init":
		err = runInit()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if bridge.IsCancellation(err) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and applies environment overrides.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// targetFlags registers the flags that select and prepare the target.
func targetFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Agent.Device, "device", cfg.Agent.Device, "device address (host:port or ws:// URL)")
	fs.Int64Var(&cfg.Agent.PID, "pid", cfg.Agent.PID, "process id to attach to")
	fs.StringVar(&cfg.Agent.Spawn, "spawn", cfg.Agent.Spawn, "program and arguments to spawn")
	fs.BoolVar(&cfg.Agent.Run, "run", cfg.Agent.Run, "resume a spawned process right away")
	fs.StringVar(&cfg.Agent.Script, "script", cfg.Agent.Script, "agent payload file")
	fs.BoolVar(&cfg.Agent.SafeIO, "safe-io", cfg.Agent.SafeIO, "use safe memory accessors in the agent")
}

// session bundles an open connection with what it depends on.
type session struct {
	conn   *probe.Conn
	store  store.Store
	events *events.Broadcaster
	mgr    *device.Manager
	logger *slog.Logger
}

func (s *session) Close() {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("closing connection", "error", err)
	}
	s.events.Close()
	if err := s.mgr.Close(); err != nil {
		s.logger.Warn("closing devices", "error", err)
	}
	s.store.Close()
}

// openSession loads config, parses target flags and opens a connection.
// It returns the remaining positional arguments.
func openSession(ctx context.Context, name string, args []string) (*session, []string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	targetFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := setupLogger(cfg.Logging)

	agent, err := probe.LoadAgent(cfg.Agent.Script)
	if err != nil {
		return nil, nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	bus := events.NewBroadcaster(logger)
	shell := hostcmd.New(hostcmd.Options{
		AllowShell:   cfg.Host.AllowShell,
		ShellTimeout: cfg.Host.ShellTimeout,
		Logger:       logger,
	})
	hostcmd.Version = version

	mgr := device.NewManager(nil, config.DefaultDevice, logger)
	conn, err := probe.Open(ctx, mgr, probe.Options{
		Device:         cfg.Agent.Device,
		PID:            cfg.Agent.PID,
		Spawn:          cfg.SpawnArgv(),
		Run:            cfg.Agent.Run,
		Agent:          agent,
		SafeIO:         cfg.Agent.SafeIO,
		ScriptsDirs:    cfg.Agent.ScriptsDirs,
		RequestTimeout: cfg.Agent.RequestTimeout,
		Executor:       shell,
		Console:        os.Stderr,
		Events:         bus,
		Store:          st,
		Logger:         logger,
	})
	if err != nil {
		bus.Close()
		mgr.Close()
		st.Close()
		return nil, nil, err
	}
	shell.SetSeekProvider(conn.Tell)

	return &session{conn: conn, store: st, events: bus, mgr: mgr, logger: logger}, fs.Args(), nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

// printOutput writes command output, adding the trailing newline the agent omits.
func printOutput(out string) {
	if out == "" {
		return
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
}

func runExec(ctx context.Context, args []string) error {
	s, rest, err := openSession(ctx, "exec", args)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(rest) == 0 {
		return fmt.Errorf("exec needs at least one command")
	}
	for _, command := range rest {
		out, err := s.conn.System(ctx, command)
		if err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}
		printOutput(out)
	}
	return nil
}

func runRepl(ctx context.Context, args []string) error {
	s, _, err := openSession(ctx, "repl", args)
	if err != nil {
		return err
	}
	defer s.Close()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	cyan.Fprint(os.Stderr, banner)
	gray.Fprintf(os.Stderr, "    version: %s\n", version)
	gray.Fprintf(os.Stderr, "    session: %s  pid: %d\n\n", s.conn.ID(), s.conn.PID())
	if s.conn.Suspended() {
		yellow.Fprintln(os.Stderr, "    process is suspended; type dc to resume")
	}

	go watchDetach(ctx, s.events, s.conn.ID(), red)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	prompt := color.New(color.FgGreen)
	for {
		prompt.Fprintf(os.Stderr, "[0x%08x]> ", s.conn.Tell())

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(os.Stderr)
				return nil
			}
			line = l
		}

		switch {
		case line == "q" || line == "quit" || line == "exit":
			return nil
		case strings.HasPrefix(line, "s "):
			addr, err := parseAddr(strings.TrimSpace(line[2:]))
			if err != nil {
				red.Fprintln(os.Stderr, err)
				continue
			}
			s.conn.Seek(int64(addr), io.SeekStart)
			continue
		}

		out, err := s.conn.System(ctx, line)
		if err != nil {
			red.Fprintln(os.Stderr, err)
			continue
		}
		printOutput(out)
	}
}

// watchDetach reports the end of the session as soon as it happens.
func watchDetach(ctx context.Context, bus *events.Broadcaster, sessionID string, c *color.Color) {
	ch, _ := bus.Subscribe(ctx, sessionID)
	for ev := range ch {
		if ev.Kind != events.KindDetach || ev.Reason == bridge.DetachApplicationRequested.String() {
			continue
		}
		c.Fprintf(os.Stderr, "\ndetached: %s\n", ev.Reason)
		if ev.Crash != "" {
			fmt.Fprintln(os.Stderr, ev.Crash)
		}
	}
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

func runRead(ctx context.Context, args []string) error {
	s, rest, err := openSession(ctx, "read", args)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(rest) != 2 {
		return fmt.Errorf("usage: coven-probe read [flags] ADDR COUNT")
	}
	addr, err := parseAddr(rest[0])
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(rest[1])
	if err != nil || count <= 0 {
		return fmt.Errorf("invalid count %q", rest[1])
	}

	data, err := s.conn.ReadAt(ctx, addr, count)
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func runWrite(ctx context.Context, args []string) error {
	s, rest, err := openSession(ctx, "write", args)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(rest) != 2 {
		return fmt.Errorf("usage: coven-probe write [flags] ADDR HEX")
	}
	addr, err := parseAddr(rest[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(rest[1], "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}

	n, err := s.conn.WriteAt(ctx, addr, data)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ wrote %d bytes at 0x%x\n", n, addr)
	return nil
}

// openRecords opens the store read-side for the history commands.
func openRecords() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// resolveSession returns the named session, or the latest one.
func resolveSession(ctx context.Context, st store.Store, args []string) (*store.SessionRecord, error) {
	var (
		rec *store.SessionRecord
		err error
	)
	if len(args) > 0 {
		rec, err = st.GetSession(ctx, args[0])
	} else {
		rec, err = st.LatestSession(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no such session")
	}
	return rec, err
}

func runSessions(ctx context.Context) error {
	st, err := openRecords()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx, 0)
	if err != nil {
		return err
	}
	gray := color.New(color.FgHiBlack)
	for _, rec := range sessions {
		state := "open"
		if rec.ClosedAt != nil {
			state = rec.DetachReason
		}
		fmt.Printf("%s  pid %-7d %-24s ", rec.ID, rec.PID, rec.Device)
		gray.Printf("%s  %s\n", rec.OpenedAt.Local().Format("2006-01-02 15:04:05"), state)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	st, err := openRecords()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := resolveSession(ctx, st, args)
	if err != nil {
		return err
	}
	cmds, err := st.ListCommands(ctx, rec.ID, 0)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, cmd := range cmds {
		green.Printf("%s> ", cmd.CreatedAt.Local().Format("15:04:05"))
		fmt.Println(cmd.Command)
		if cmd.Error != "" {
			red.Printf("  error: %s\n", cmd.Error)
			continue
		}
		printOutput(cmd.Output)
	}
	return nil
}

func runCrash(ctx context.Context, args []string) error {
	st, err := openRecords()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := resolveSession(ctx, st, args)
	if err != nil {
		return err
	}
	reason := rec.DetachReason
	if reason == "" {
		reason = bridge.DetachNone.String()
	}
	fmt.Printf("DetachReason: %s\n", reason)
	if rec.CrashReport != "" {
		fmt.Println(rec.CrashReport)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-probe configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaults := config.Default()
	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Agent ---")
	deviceAddr := prompt(reader, "Device (host:port or ws:// URL)", defaults.Agent.Device)
	scriptsDir := prompt(reader, "Scripts directory (leave empty for none)", "")

	fmt.Println("\n--- Host callbacks ---")
	allowShell := prompt(reader, "Allow agents to run shell commands?", "no")
	shellEnabled := strings.ToLower(allowShell) == "yes" || strings.ToLower(allowShell) == "y"

	fmt.Println("\n--- Database ---")
	dbPath := prompt(reader, "SQLite database path", defaults.Database.Path)

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-probe configuration\n")
	cfg.WriteString("# Generated by coven-probe init\n\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  device: %q\n", deviceAddr))
	cfg.WriteString("  request_timeout: \"0s\"\n")
	if scriptsDir != "" {
		cfg.WriteString(fmt.Sprintf("  scripts_dirs: [%q]\n", scriptsDir))
	}
	cfg.WriteString("\n")

	cfg.WriteString("host:\n")
	cfg.WriteString(fmt.Sprintf("  allow_shell: %t\n", shellEnabled))
	cfg.WriteString("  shell_timeout: \"10s\"\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start a session:")
	fmt.Printf("  coven-probe repl -pid PID\n")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
