// ABOUTME: Command dispatch for Conn.System: local commands, script evaluation and agent perform requests.
// ABOUTME: The agent is told the current offset and suspended state before every command.

package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-probe/internal/bridge"
)

const helpText = `Commands:
  ?, h, help          Show this help
  dkr                 Show the detach reason and crash report
  dc                  Resume a spawned process
  j <code>            Run code inside Java.perform(function(){})
   <code>             Evaluate code in the agent (note the leading space)
  . <file>            Evaluate a script file in the agent (.c files as C)
  .                   List agent plugins
  .-<name>            Unregister an agent plugin
  ..<file>            Load a script and keep it after detach
  <anything else>     Run the command in the agent
`

const dotUsage = `Usage: .[-] [filename]
.              list agent plugins
..foo.js       load and eternalize the script
.-foo          unregister the plugin foo
. file.js      run the script in the agent
`

// System runs a command and returns its output. Commands that only print
// return "" with a nil error.
func (c *Conn) System(ctx context.Context, command string) (string, error) {
	switch command {
	case "?", "h", "help":
		return helpText, nil
	}

	c.loadScripts(ctx)

	if err := c.sendState(ctx); err != nil && !strings.HasPrefix(command, "dkr") {
		c.recordCommand(command, "", err)
		return "", err
	}

	out, err := c.dispatch(ctx, command)
	if command != "" {
		c.recordCommand(command, out, err)
	}
	return out, err
}

// sendState tells the agent where the controller is seeked and whether the
// target is still suspended.
func (c *Conn) sendState(ctx context.Context) error {
	req := bridge.NewRequest("state").
		Set("offset", fmt.Sprintf("0x%x", c.Tell())).
		Set("suspended", c.session.Suspended())
	_, err := c.session.Execute(ctx, req, nil)
	return err
}

func (c *Conn) dispatch(ctx context.Context, command string) (string, error) {
	switch {
	case command == "":
		return "", nil

	case strings.HasPrefix(command, "dkr"):
		return c.detachReport(), nil

	case command == "dc" && c.session.Suspended():
		return "", c.Resume(ctx)

	case strings.HasPrefix(command, "."):
		if out, handled, err := c.dotCommand(ctx, command); handled {
			return out, err
		}
	}

	var req *bridge.Request
	switch {
	case strings.HasPrefix(command, "j"):
		code := fmt.Sprintf("Java.perform(function(){%s;})", command[1:])
		req = bridge.NewRequest("evaluate").Set("code", code)
	case strings.HasPrefix(command, " "):
		req = bridge.NewRequest("evaluate").Set("code", command[1:])
	default:
		req = bridge.NewRequest("perform").Set("command", command)
	}
	return c.value(ctx, req)
}

// dotCommand handles the script commands. handled is false for dot commands
// the agent should see as plain commands.
func (c *Conn) dotCommand(ctx context.Context, command string) (out string, handled bool, err error) {
	if command == "." {
		req := bridge.NewRequest("evaluate").Set("code", "console.log(r2frida.pluginList())")
		out, err = c.value(ctx, req)
		return out, true, err
	}

	arg := strings.TrimSpace(command[2:])
	switch command[1] {
	case '?':
		return dotUsage, true, nil

	case '.':
		return "", true, c.eternalize(ctx, arg)

	case ' ':
		out, err = c.evaluateFile(ctx, arg)
		return out, true, err

	case '-':
		code := fmt.Sprintf("r2frida.pluginUnregister('%s')", arg)
		out, err = c.value(ctx, bridge.NewRequest("evaluate").Set("code", code))
		return out, true, err

	default:
		return "", false, nil
	}
}

// evaluateFile runs a script file in the agent. C sources are sent as ccode.
func (c *Conn) evaluateFile(ctx context.Context, path string) (string, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot slurp %s: %w", path, err)
	}
	key := "code"
	if strings.HasSuffix(path, ".c") {
		key = "ccode"
	}
	return c.value(ctx, bridge.NewRequest("evaluate").Set(key, string(code)))
}

// eternalize loads a script that stays in the target after the session ends.
func (c *Conn) eternalize(ctx context.Context, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot load %q: %w", path, err)
	}
	req := bridge.NewRequest("evaluate").
		Set("code", string(code)).
		Set("eternal", true)
	if _, err := c.session.Execute(ctx, req, nil); err != nil {
		return err
	}
	c.logger.Info("script eternalized", "path", path)
	return nil
}

// value executes req and returns the reply's value, or "" when the agent
// returned nothing or the literal "undefined".
func (c *Conn) value(ctx context.Context, req *bridge.Request) (string, error) {
	reply, err := c.session.Execute(ctx, req, nil)
	if err != nil {
		return "", err
	}
	v, ok := reply.Value()
	if !ok || v == "undefined" {
		return "", nil
	}
	return v, nil
}

func (c *Conn) detachReport() string {
	reason, crash := c.session.DetachInfo()
	var b strings.Builder
	fmt.Fprintf(&b, "DetachReason: %s\n", reason)
	if crash != "" {
		b.WriteString(crash)
		b.WriteString("\n")
	}
	return b.String()
}

// loadScripts evaluates every *.js file in the scripts directories, once per
// connection. Failures are reported and skipped.
func (c *Conn) loadScripts(ctx context.Context) {
	c.scriptsOnce.Do(func() {
		for _, dir := range c.scriptsDirs {
			matches, err := filepath.Glob(filepath.Join(dir, "*.js"))
			if err != nil || len(matches) == 0 {
				c.logger.Debug("no scripts to load", "dir", dir)
				continue
			}
			for _, path := range matches {
				c.logger.Info("loading script", "path", path)
				out, err := c.evaluateFile(ctx, path)
				if err != nil {
					c.logger.Warn("loading script failed", "path", path, "error", err)
					continue
				}
				if out != "" && c.console != nil {
					fmt.Fprintln(c.console, out)
				}
			}
		}
	})
}
