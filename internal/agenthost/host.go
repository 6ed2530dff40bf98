// ABOUTME: Agent host double: serves the agent side of a channel against a simulated process.
// ABOUTME: Used by cmd/fake-agent and by end-to-end tests of the controller.

package agenthost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-probe/internal/transport"
)

// DefaultProcesses are the processes a Host knows when none are configured.
var DefaultProcesses = map[int64]string{
	0: "system",
	1: "init",
}

// firstSpawnPID is the pid given to the first spawned process.
const firstSpawnPID = 4000

// Options configures a Host.
type Options struct {
	// Processes maps attachable pids to process names.
	Processes map[int64]string
	Logger    *slog.Logger
}

// Process is a simulated target process.
type Process struct {
	PID       int64
	Name      string
	Spawned   bool
	Suspended bool
}

// Host simulates an agent host. One Host serves any number of channels; all
// of them share the same processes and memory image.
type Host struct {
	logger *slog.Logger
	memory *Memory

	mu          sync.Mutex
	processes   map[int64]*Process
	nextPID     int64
	payloads    [][]byte
	eternalized []string
}

// New creates a Host.
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	known := opts.Processes
	if known == nil {
		known = DefaultProcesses
	}

	h := &Host{
		logger:    opts.Logger.With("component", "agenthost"),
		memory:    newMemory(),
		processes: make(map[int64]*Process, len(known)),
		nextPID:   firstSpawnPID,
	}
	for pid, name := range known {
		h.processes[pid] = &Process{PID: pid, Name: name}
	}
	return h
}

// Memory returns the shared memory image.
func (h *Host) Memory() *Memory {
	return h.memory
}

// Process returns a copy of the process record for pid.
func (h *Host) Process(pid int64) (Process, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.processes[pid]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

// Processes lists known processes ordered by pid.
func (h *Host) Processes() []Process {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Process, 0, len(h.processes))
	for _, p := range h.processes {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Payloads returns every agent payload loaded so far, in load order.
func (h *Host) Payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.payloads...)
}

// Eternalized returns the code of every script evaluated with eternal set.
func (h *Host) Eternalized() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.eternalized...)
}

func (h *Host) attach(pid int64) (*Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.processes[pid]
	if !ok {
		return nil, fmt.Errorf("unable to find process with pid %d", pid)
	}
	return p, nil
}

func (h *Host) spawn(argv []string) *Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &Process{PID: h.nextPID, Name: argv[0], Spawned: true, Suspended: true}
	h.nextPID++
	h.processes[p.PID] = p
	return p
}

func (h *Host) resume(pid int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.processes[pid]; ok {
		p.Suspended = false
	}
}

func (h *Host) suspended(pid int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.processes[pid]
	return ok && p.Suspended
}

func (h *Host) load(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, append([]byte(nil), payload...))
}

func (h *Host) eternalize(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eternalized = append(h.eternalized, code)
}

// Serve runs one channel until the controller detaches, the stream ends or
// ctx is done. Serve owns the stream and closes it before returning. It has
// the transport.ServeFunc signature.
func (h *Host) Serve(ctx context.Context, stream transport.Stream) error {
	c := newConn(h, stream)
	defer stream.Close()
	defer close(c.done)

	frames := make(chan *transport.Frame)
	recvErr := make(chan error, 1)
	go c.receive(frames, recvErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErr:
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				c.logger.Debug("controller closed channel")
				return nil
			}
			return fmt.Errorf("receiving frame: %w", err)

		case f := <-frames:
			stop, err := c.handleFrame(ctx, f)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}
