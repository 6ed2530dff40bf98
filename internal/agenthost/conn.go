// ABOUTME: One served channel: handshake, request dispatch and the agent's perform commands.
// ABOUTME: Callback results are routed by the receive goroutine so perform can wait on them.

package agenthost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/coven-probe/internal/bridge"
	"github.com/2389/coven-probe/internal/transport"
)

// maxReadSize bounds a single read request.
const maxReadSize = 16 << 20

// bytecodeMagic marks a precompiled agent payload.
const bytecodeMagic = 0x02

// callbackResult is the controller's answer to a cmd callback.
type callbackResult struct {
	serial int64
	output string
}

// request is an inbound control stanza.
type request struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type conn struct {
	host   *Host
	stream transport.Stream
	logger *slog.Logger

	// results carries callback answers from the receive goroutine.
	results chan callbackResult
	// gone is closed when the receive goroutine exits.
	gone chan struct{}
	// done is closed when Serve returns.
	done chan struct{}

	pid      int64
	attached bool
	loaded   bool
	bytecode bool
	offset   uint64
	serial   int64
}

func newConn(h *Host, stream transport.Stream) *conn {
	return &conn{
		host:    h,
		stream:  stream,
		logger:  h.logger,
		results: make(chan callbackResult, 16),
		gone:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *conn) receive(frames chan<- *transport.Frame, errc chan<- error) {
	defer close(c.gone)
	for {
		f, err := c.stream.Recv()
		if err != nil {
			errc <- err
			return
		}

		if f.Kind == transport.KindMessage {
			if res, ok := parseCallbackResult(f.Message); ok {
				select {
				case c.results <- res:
				default:
					c.host.logger.Warn("dropping callback result, nobody waiting", "serial", res.serial)
				}
				continue
			}
		}

		select {
		case frames <- f:
		case <-c.done:
			return
		}
	}
}

// handleFrame processes one frame. stop is true when the channel is finished.
func (c *conn) handleFrame(ctx context.Context, f *transport.Frame) (stop bool, err error) {
	switch f.Kind {
	case transport.KindAttach:
		return false, c.handleAttach(f)

	case transport.KindLoad:
		return false, c.handleLoad(f)

	case transport.KindMessage:
		if !c.loaded {
			return false, c.sendError("agent not loaded")
		}
		return c.handleRequest(ctx, f.Message, f.Payload())

	case transport.KindResume:
		if c.attached {
			c.host.resume(c.pid)
			c.logger.Info("process resumed", "pid", c.pid)
		}
		return false, nil

	case transport.KindDetach:
		c.logger.Info("controller detached", "pid", c.pid)
		return true, c.detach(bridge.DetachApplicationRequested, "")

	default:
		return false, c.sendError(fmt.Sprintf("unexpected frame %q", f.Kind))
	}
}

func (c *conn) handleAttach(f *transport.Frame) error {
	if c.attached {
		return c.sendError("already attached")
	}

	var p *Process
	if len(f.Argv) > 0 {
		p = c.host.spawn(f.Argv)
		c.logger.Info("spawned process", "pid", p.PID, "argv", f.Argv)
	} else {
		var err error
		if p, err = c.host.attach(f.PID); err != nil {
			return c.sendError(err.Error())
		}
		c.logger.Info("attached to process", "pid", p.PID, "name", p.Name)
	}

	c.pid = p.PID
	c.attached = true
	c.logger = c.logger.With("pid", p.PID)
	return c.stream.Send(&transport.Frame{
		Kind:      transport.KindAttached,
		PID:       p.PID,
		Suspended: p.Suspended,
	})
}

func (c *conn) handleLoad(f *transport.Frame) error {
	if !c.attached {
		return c.sendError("not attached")
	}
	if len(f.Data) == 0 {
		return c.sendError("empty agent payload")
	}

	c.bytecode = f.Data[0] == bytecodeMagic
	c.loaded = true
	c.host.load(f.Data)
	c.logger.Info("agent loaded", "bytes", len(f.Data), "bytecode", c.bytecode)
	return c.stream.Send(&transport.Frame{Kind: transport.KindLoaded})
}

func (c *conn) handleRequest(ctx context.Context, message, data []byte) (bool, error) {
	req, err := decodeRequest(message)
	if err != nil {
		c.logger.Warn("malformed request", "error", err)
		return false, c.replyError(fmt.Sprintf("malformed request: %v", err))
	}
	c.logger.Debug("request", "type", req.Type)

	switch req.Type {
	case "read":
		return false, c.read(req.Payload)
	case "write":
		return false, c.write(req.Payload, data)
	case "state":
		return false, c.state(req.Payload)
	case "safeio":
		c.logger.Info("safe IO enabled")
		return false, c.reply(map[string]any{}, nil)
	case "evaluate":
		return false, c.evaluate(req.Payload)
	case "perform":
		command, _ := req.Payload["command"].(string)
		return c.perform(ctx, command)
	default:
		return false, c.replyError(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (c *conn) read(payload map[string]any) error {
	offset, err := uintArg(payload, "offset")
	if err != nil {
		return c.replyError(err.Error())
	}
	count, err := uintArg(payload, "count")
	if err != nil {
		return c.replyError(err.Error())
	}
	if count == 0 || count > maxReadSize {
		return c.replyError(fmt.Sprintf("invalid read count %d", count))
	}
	return c.reply(map[string]any{}, c.host.memory.Read(offset, int(count)))
}

func (c *conn) write(payload map[string]any, data []byte) error {
	offset, err := uintArg(payload, "offset")
	if err != nil {
		return c.replyError(err.Error())
	}
	if data == nil {
		return c.replyError("write without data")
	}
	c.host.memory.Write(offset, data)
	return c.reply(map[string]any{}, nil)
}

func (c *conn) state(payload map[string]any) error {
	if offset, err := uintArg(payload, "offset"); err == nil {
		c.offset = offset
	}
	suspended, _ := payload["suspended"].(bool)
	c.logger.Debug("controller state", "offset", c.offset, "suspended", suspended)
	return c.reply(map[string]any{}, nil)
}

func (c *conn) evaluate(payload map[string]any) error {
	code, ok := payload["code"].(string)
	if !ok {
		code, ok = payload["ccode"].(string)
	}
	if !ok {
		return c.replyError("evaluate without code")
	}
	if eternal, _ := payload["eternal"].(bool); eternal {
		c.host.eternalize(code)
	}
	return c.reply(map[string]any{"value": code}, nil)
}

// perform runs an agent command:
//
//	callback <cmd>          ask the controller to run cmd, reply with its output
//	heartbeat               send an empty callback, then reply
//	log <text>              emit a console log, then reply
//	logfile <path> <text>   ask the controller to append text to path
//	fail <msg>              reply with an error
//	crash <report>          terminate the process with a crash report
//	?e <text>               echo
//
// Anything else replies with an undefined value.
func (c *conn) perform(ctx context.Context, command string) (bool, error) {
	name, arg, _ := strings.Cut(command, " ")

	switch name {
	case "callback":
		return false, c.callback(ctx, arg)

	case "heartbeat":
		if err := c.sendPacket("cmd", nil, nil); err != nil {
			return false, err
		}
		return false, c.reply(map[string]any{"value": "ok"}, nil)

	case "log":
		if err := c.sendPacket("log", map[string]any{"message": arg}, nil); err != nil {
			return false, err
		}
		return false, c.reply(map[string]any{}, nil)

	case "logfile":
		filename, text, _ := strings.Cut(arg, " ")
		stanza := map[string]any{"filename": filename, "message": text}
		if err := c.sendPacket("log-file", stanza, nil); err != nil {
			return false, err
		}
		return false, c.reply(map[string]any{}, nil)

	case "fail":
		return false, c.replyError(arg)

	case "crash":
		c.logger.Warn("process crashed", "report", arg)
		return true, c.detach(bridge.DetachProcessTerminated, arg)

	case "?e":
		return false, c.reply(map[string]any{"value": arg}, nil)

	default:
		return false, c.reply(map[string]any{"value": "undefined"}, nil)
	}
}

// callback issues a cmd callback and waits for the controller's answer.
func (c *conn) callback(ctx context.Context, command string) error {
	c.serial++
	serial := c.serial

	stanza := map[string]any{"cmd": command, "serial": serial}
	if err := c.sendPacket("cmd", stanza, nil); err != nil {
		return err
	}

	for {
		select {
		case res := <-c.results:
			if res.serial != serial {
				c.logger.Warn("callback result for another serial", "want", serial, "got", res.serial)
				continue
			}
			return c.reply(map[string]any{"value": res.output}, nil)
		case <-c.gone:
			return errors.New("channel closed while waiting for callback result")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *conn) detach(reason bridge.DetachReason, crash string) error {
	return c.stream.Send(&transport.Frame{
		Kind:   transport.KindDetached,
		Reason: reason.String(),
		Crash:  crash,
	})
}

func (c *conn) reply(stanza map[string]any, data []byte) error {
	return c.sendPacket("reply", stanza, data)
}

func (c *conn) replyError(msg string) error {
	return c.reply(map[string]any{"error": msg}, nil)
}

// sendPacket sends a structured agent message. A nil stanza is omitted.
func (c *conn) sendPacket(name string, stanza map[string]any, data []byte) error {
	payload := map[string]any{"name": name}
	if stanza != nil {
		payload["stanza"] = stanza
	}
	message, err := json.Marshal(map[string]any{"type": "send", "payload": payload})
	if err != nil {
		return fmt.Errorf("encoding %s packet: %w", name, err)
	}
	return c.stream.Send(transport.MessageFrame(message, data))
}

func (c *conn) sendError(msg string) error {
	c.logger.Warn("rejecting frame", "error", msg)
	return c.stream.Send(&transport.Frame{Kind: transport.KindError, Error: msg})
}

func decodeRequest(message []byte) (*request, error) {
	dec := json.NewDecoder(bytes.NewReader(message))
	dec.UseNumber()
	var req request
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	return &req, nil
}

func parseCallbackResult(message []byte) (callbackResult, bool) {
	req, err := decodeRequest(message)
	if err != nil || req.Type != "cmd" {
		return callbackResult{}, false
	}
	serial, err := uintArg(req.Payload, "serial")
	if err != nil {
		return callbackResult{}, false
	}
	output, _ := req.Payload["output"].(string)
	return callbackResult{serial: int64(serial), output: output}, true
}

// uintArg reads an unsigned field given as a JSON number or a numeric string
// such as "0x1000".
func uintArg(payload map[string]any, key string) (uint64, error) {
	switch v := payload[key].(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, v)
		}
		return n, nil
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	default:
		return 0, fmt.Errorf("invalid %s", key)
	}
}
