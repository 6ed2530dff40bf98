// ABOUTME: Frame is the unit exchanged on an agent channel; encoded with protowire field numbers
// ABOUTME: A single message type covers the handshake, control stanzas with binary payloads, and detach

package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame kinds.
const (
	KindAttach   = "attach"
	KindAttached = "attached"
	KindLoad     = "load"
	KindLoaded   = "loaded"
	KindMessage  = "message"
	KindResume   = "resume"
	KindDetach   = "detach"
	KindDetached = "detached"
	KindError    = "error"
)

// Frame field numbers. Never renumber.
const (
	fieldKind      protowire.Number = 1
	fieldPID       protowire.Number = 2
	fieldArgv      protowire.Number = 3
	fieldMessage   protowire.Number = 4
	fieldData      protowire.Number = 5
	fieldHasData   protowire.Number = 6
	fieldReason    protowire.Number = 7
	fieldCrash     protowire.Number = 8
	fieldError     protowire.Number = 9
	fieldSuspended protowire.Number = 10
)

// Frame is one transport message.
type Frame struct {
	Kind string
	PID  int64
	// Argv is the program and arguments to spawn (attach only).
	Argv []string
	// Message is the JSON control stanza (message kind).
	Message []byte
	// Data is the binary payload of a message, or the agent payload of a load.
	Data []byte
	// HasData distinguishes an empty payload from none.
	HasData   bool
	Reason    string
	Crash     string
	Error     string
	Suspended bool
}

// MessageFrame builds a message frame carrying a stanza and optional payload.
func MessageFrame(message, data []byte) *Frame {
	return &Frame{
		Kind:    KindMessage,
		Message: message,
		Data:    data,
		HasData: data != nil,
	}
}

// Payload returns the binary payload, nil when none was attached.
func (f *Frame) Payload() []byte {
	if !f.HasData {
		return nil
	}
	if f.Data == nil {
		return []byte{}
	}
	return f.Data
}

// Marshal encodes the frame.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldKind, f.Kind)
	if f.PID != 0 {
		b = protowire.AppendTag(b, fieldPID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.PID))
	}
	for _, arg := range f.Argv {
		b = protowire.AppendTag(b, fieldArgv, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	if len(f.Message) > 0 {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Message)
	}
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	b = appendBool(b, fieldHasData, f.HasData)
	b = appendString(b, fieldReason, f.Reason)
	b = appendString(b, fieldCrash, f.Crash)
	b = appendString(b, fieldError, f.Error)
	b = appendBool(b, fieldSuspended, f.Suspended)
	return b
}

// Unmarshal decodes b into f, replacing its contents. Unknown fields are skipped.
func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decoding frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decoding pid: %w", protowire.ParseError(n))
			}
			f.PID = int64(v)
			b = b[n:]

		case (num == fieldHasData || num == fieldSuspended) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldHasData {
				f.HasData = protowire.DecodeBool(v)
			} else {
				f.Suspended = protowire.DecodeBool(v)
			}
			b = b[n:]

		case typ == protowire.BytesType && num >= fieldKind && num <= fieldError:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(n))
			}
			f.setBytes(num, v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (f *Frame) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldKind:
		f.Kind = string(v)
	case fieldArgv:
		f.Argv = append(f.Argv, string(v))
	case fieldMessage:
		f.Message = append([]byte(nil), v...)
	case fieldData:
		f.Data = append([]byte(nil), v...)
	case fieldReason:
		f.Reason = string(v)
	case fieldCrash:
		f.Crash = string(v)
	case fieldError:
		f.Error = string(v)
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
