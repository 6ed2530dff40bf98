// ABOUTME: Reference-counted device manager: one shared connection per device address
// ABOUTME: Connections are dialed on first Acquire and closed when the last handle is released

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/2389/coven-probe/internal/transport"
)

// LocalDevice is the device name that resolves to the manager's default address.
const LocalDevice = "local"

// ErrManagerClosed indicates Acquire was called after Close.
var ErrManagerClosed = errors.New("device manager closed")

// Device is a connection to an agent host that can open channel streams.
type Device interface {
	Open(ctx context.Context) (transport.Stream, error)
	Close() error
}

// Dialer connects to a device address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Device, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Device, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Device, error) {
	return f(ctx, addr)
}

type entry struct {
	device Device
	refs   int
}

// Manager shares device connections between sessions.
type Manager struct {
	dialer      Dialer
	defaultAddr string
	logger      *slog.Logger

	mu      sync.Mutex
	devices map[string]*entry
	closed  bool
}

// NewManager creates a Manager. defaultAddr is used for the "local" device.
// Pass nil dialer for the default gRPC/WebSocket dialer.
func NewManager(dialer Dialer, defaultAddr string, logger *slog.Logger) *Manager {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:      dialer,
		defaultAddr: defaultAddr,
		logger:      logger.With("component", "device"),
		devices:     make(map[string]*entry),
	}
}

func (m *Manager) resolve(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == LocalDevice {
		return m.defaultAddr
	}
	return name
}

// Acquire returns a handle to the named device, dialing it if no other
// handle holds it.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	addr := m.resolve(name)
	if addr == "" {
		return nil, fmt.Errorf("device %q has no address", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	e, ok := m.devices[addr]
	if !ok {
		dev, err := m.dialer.Dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("dialing device %s: %w", addr, err)
		}
		e = &entry{device: dev}
		m.devices[addr] = e
		m.logger.Info("device connected", "addr", addr)
	}
	e.refs++

	m.logger.Debug("device acquired", "addr", addr, "refs", e.refs)
	return &Handle{manager: m, addr: addr, device: e.device}, nil
}

// Refs returns the number of live handles for the named device.
func (m *Manager) Refs(name string) int {
	addr := m.resolve(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.devices[addr]; ok {
		return e.refs
	}
	return 0
}

func (m *Manager) release(addr string) {
	m.mu.Lock()
	e, ok := m.devices[addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		m.logger.Debug("device released", "addr", addr, "refs", e.refs)
		return
	}
	delete(m.devices, addr)
	m.mu.Unlock()

	if err := e.device.Close(); err != nil {
		m.logger.Warn("closing device", "addr", addr, "error", err)
	}
	m.logger.Info("device disconnected", "addr", addr)
}

// Close closes every device regardless of outstanding handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*entry)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for addr, e := range devices {
		if err := e.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Handle is one reference to a shared device.
type Handle struct {
	manager  *Manager
	addr     string
	device   Device
	released atomic.Bool
}

// Addr returns the resolved device address.
func (h *Handle) Addr() string {
	return h.addr
}

// Open opens a new channel stream on the device.
func (h *Handle) Open(ctx context.Context) (transport.Stream, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("device %s: handle released", h.addr)
	}
	return h.device.Open(ctx)
}

// Release drops this reference. Calling it more than once has no effect.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.manager.release(h.addr)
}

// DefaultDialer dials ws:// and wss:// addresses as WebSocket devices and
// everything else as gRPC targets.
type DefaultDialer struct {
	Options []grpc.DialOption
}

// Dial implements Dialer.
func (d DefaultDialer) Dial(_ context.Context, addr string) (Device, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return &wsDevice{url: addr}, nil
	}
	cc, err := transport.DialGRPC(addr, d.Options...)
	if err != nil {
		return nil, err
	}
	return &grpcDevice{cc: cc}, nil
}

type grpcDevice struct {
	cc *grpc.ClientConn
}

func (d *grpcDevice) Open(ctx context.Context) (transport.Stream, error) {
	return transport.OpenGRPC(ctx, d.cc)
}

func (d *grpcDevice) Close() error {
	return d.cc.Close()
}

// wsDevice dials a fresh WebSocket per stream; there is no shared connection to close.
type wsDevice struct {
	url string
}

func (d *wsDevice) Open(ctx context.Context) (transport.Stream, error) {
	return transport.DialWebSocket(ctx, d.url)
}

func (d *wsDevice) Close() error {
	return nil
}
