// ABOUTME: Simulated process memory for the agent host double.
// ABOUTME: Unwritten addresses read as the low byte of their address.

package agenthost

import "sync"

// Memory is a sparse byte image shared by every channel served by a Host.
type Memory struct {
	mu      sync.Mutex
	overlay map[uint64]byte
}

func newMemory() *Memory {
	return &Memory{overlay: make(map[uint64]byte)}
}

// Read returns count bytes starting at offset. Addresses wrap at the top of
// the address space.
func (m *Memory) Read(offset uint64, count int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, count)
	for i := range out {
		addr := offset + uint64(i)
		if b, ok := m.overlay[addr]; ok {
			out[i] = b
		} else {
			out[i] = byte(addr)
		}
	}
	return out
}

// Write stores data at offset.
func (m *Memory) Write(offset uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, b := range data {
		m.overlay[offset+uint64(i)] = b
	}
}
