// ABOUTME: Message classifier: routes each inbound agent message to the reply slot, the callback slot or the console.
// ABOUTME: Called only from the transport's event goroutine, one message at a time in arrival order.

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-probe/internal/events"
)

// envelope is the outer shape of every inbound message.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// sendPayload is the payload of a "send" envelope.
type sendPayload struct {
	Name   string          `json:"name"`
	Stanza json.RawMessage `json:"stanza"`
}

// HandleMessage classifies one inbound message. data is the binary payload
// attached to the same transport message, nil if none.
func (s *Session) HandleMessage(message []byte, data []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Error("discarding unparseable message", "error", err, "message", string(message))
		return
	}

	switch env.Type {
	case "send":
		s.handleSend(message, env.Payload, data)
	case "log":
		s.handleConsoleLog(env.Payload)
	default:
		s.logger.Warn("unhandled message", "type", env.Type, "message", string(message))
	}
}

func (s *Session) handleSend(raw []byte, payload json.RawMessage, data []byte) {
	if !isObject(payload) {
		s.logger.Error("bug in the agent, expected an object", "message", string(raw))
		return
	}

	var p sendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Error("bug in the agent, expected an object", "message", string(raw), "error", err)
		return
	}

	switch p.Name {
	case "reply":
		s.handleReply(raw, p.Stanza, data)
	case "cmd":
		s.handleCallback(p.Stanza)
	case "log":
		s.handleLog(p.Stanza)
	case "log-file":
		s.handleLogFile(p.Stanza)
	default:
		if !strings.HasPrefix(p.Name, "action-") {
			s.logger.Warn("unknown packet", "name", p.Name)
		}
	}
}

// handleReply fills the reply slot. A malformed stanza is delivered to the
// waiter as a protocol error instead of being dropped.
func (s *Session) handleReply(raw []byte, stanza json.RawMessage, data []byte) {
	reply := &pendingReply{data: data}

	st, err := decodeStanza(stanza)
	if err != nil {
		s.logger.Error("bug in the agent, cannot find stanza in the message",
			"message", string(raw),
			"error", err,
		)
		reply.err = &ProtocolError{Detail: fmt.Sprintf("malformed reply: %v", err)}
	} else {
		reply.stanza = st
	}

	switch s.st.setReply(reply) {
	case replyOrphaned:
		s.logger.Warn("reply absorbed by an abandoned request")
	case replyUnexpected:
		s.logger.Debug("discarding reply with no waiting request")
	}
}

// handleCallback fills the callback slot. A missing or null stanza, or one
// without a command, is a heartbeat.
func (s *Session) handleCallback(stanza json.RawMessage) {
	cb := &pendingCallback{empty: true}

	if len(bytes.TrimSpace(stanza)) > 0 && !bytes.Equal(bytes.TrimSpace(stanza), []byte("null")) {
		st, err := decodeStanza(stanza)
		if err != nil {
			s.logger.Error("bug in the agent, malformed callback stanza", "error", err)
		} else {
			cmd, _ := st.String("cmd")
			serial, _ := st.Int("serial")
			cb = &pendingCallback{command: cmd, serial: serial, empty: cmd == ""}
		}
	}

	s.st.setCallback(cb)
}

// logMessage extracts the "message" field; objects are rendered as compact JSON.
func logMessage(st Stanza) (string, bool) {
	v, ok := st["message"]
	if !ok || v == nil {
		return "", false
	}
	if text, isString := v.(string); isString {
		return text, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *Session) handleLog(stanza json.RawMessage) {
	st, err := decodeStanza(stanza)
	if err != nil {
		return
	}
	text, ok := logMessage(st)
	if !ok {
		return
	}
	s.printConsole(text)
	s.publish(events.Event{Kind: events.KindLog, Text: text})
}

func (s *Session) handleLogFile(stanza json.RawMessage) {
	st, err := decodeStanza(stanza)
	if err != nil {
		return
	}
	filename, _ := st.String("filename")
	text, ok := logMessage(st)
	if filename == "" || !ok {
		return
	}

	if err := appendFile(filename, text+"\n"); err != nil {
		s.logger.Warn("writing agent log file", "filename", filename, "error", err)
		return
	}
	s.publish(events.Event{Kind: events.KindLogFile, Filename: filename, Text: text})
}

// handleConsoleLog renders a generic trace emitted outside the structured channel.
func (s *Session) handleConsoleLog(payload json.RawMessage) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		text = string(bytes.TrimSpace(payload))
	}
	if text == "" {
		return
	}
	s.printConsole(text)
	s.publish(events.Event{Kind: events.KindLog, Text: text})
}

func (s *Session) printConsole(text string) {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	fmt.Fprintln(s.console, text)
}

func appendFile(filename, content string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("appending log file: %w", err)
	}
	return f.Close()
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
