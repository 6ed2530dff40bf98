// ABOUTME: Agent payload selection: the built-in stub or a script from disk.
// ABOUTME: Payloads starting with 0x02 are precompiled bytecode and are passed through untouched.

package probe

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed agent/stub.js
var stubAgent []byte

// bytecodeMagic is the first byte of a precompiled agent.
const bytecodeMagic = 0x02

// StubAgent returns a copy of the built-in agent payload.
func StubAgent() []byte {
	return append([]byte(nil), stubAgent...)
}

// LoadAgent reads an agent payload from path, or returns the built-in stub
// when path is empty.
func LoadAgent(path string) ([]byte, error) {
	if path == "" {
		return StubAgent(), nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent script: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("agent script %s is empty", path)
	}
	return payload, nil
}

// IsBytecode reports whether payload is a precompiled agent.
func IsBytecode(payload []byte) bool {
	return len(payload) > 0 && payload[0] == bytecodeMagic
}
