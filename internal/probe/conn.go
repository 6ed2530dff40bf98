// ABOUTME: Conn is one open connection to an agent: handshake, the bridge Session, memory IO and close.
// ABOUTME: It owns exactly one Session and one channel stream, and holds a device handle until Close.

package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-probe/internal/bridge"
	"github.com/2389/coven-probe/internal/device"
	"github.com/2389/coven-probe/internal/events"
	"github.com/2389/coven-probe/internal/store"
	"github.com/2389/coven-probe/internal/transport"
)

// closeTimeout bounds the bookkeeping done by Close.
const closeTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// Device is a device name or address; "" and "local" use the manager default.
	Device string
	// PID of the process to attach to. Ignored when Spawn is set.
	PID int64
	// Spawn is the program and arguments to start suspended instead of attaching.
	Spawn []string
	// Run resumes a spawned process as soon as the agent is loaded.
	Run bool
	// Agent is the agent payload. The built-in stub is used when nil.
	Agent []byte
	// SafeIO asks the agent to use safe memory accessors.
	SafeIO bool
	// ScriptsDirs holds *.js files evaluated once before the first command.
	ScriptsDirs []string
	// RequestTimeout bounds each request. Zero waits for the reply or a detach.
	RequestTimeout time.Duration

	Executor bridge.Executor
	Console  io.Writer
	Events   *events.Broadcaster
	Store    store.Store
	Logger   *slog.Logger
}

// Conn is an open connection to an agent.
type Conn struct {
	id      string
	device  string
	pid     int64
	spawned bool

	handle  *device.Handle
	channel *transport.Channel
	session *bridge.Session
	store   store.Store
	logger  *slog.Logger
	console io.Writer

	offset atomic.Uint64

	scriptsDirs []string
	scriptsOnce sync.Once

	pumpDone     chan struct{}
	recorderDone chan struct{}
	unsubscribe  func()

	closeOnce sync.Once
	closeErr  error
}

// Open acquires the device, attaches to (or spawns) the target, loads the
// agent and starts the session. Everything acquired is released on failure.
func Open(ctx context.Context, mgr *device.Manager, opts Options) (_ *Conn, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "probe")
	defer func() {
		if err == nil {
			return
		}
		if bridge.IsCancellation(err) {
			logger.Debug("open cancelled", "error", err)
		} else {
			logger.Error("open failed", "error", err)
		}
	}()

	agent := opts.Agent
	if agent == nil {
		agent = StubAgent()
	}

	handle, err := mgr.Acquire(ctx, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("acquiring device: %w", err)
	}

	stream, err := handle.Open(ctx)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("opening channel on %s: %w", handle.Addr(), err)
	}

	attached, err := transport.Handshake(ctx, stream, transport.AttachRequest{
		PID:    opts.PID,
		Argv:   opts.Spawn,
		Script: agent,
	})
	if err != nil {
		stream.Close()
		handle.Release()
		return nil, err
	}

	id := uuid.New().String()
	if opts.Store != nil {
		rec := &store.SessionRecord{
			ID:      id,
			Device:  handle.Addr(),
			PID:     attached.PID,
			Spawned: len(opts.Spawn) > 0,
		}
		if err := opts.Store.CreateSession(ctx, rec); err != nil {
			stream.Close()
			handle.Release()
			return nil, fmt.Errorf("recording session: %w", err)
		}
	}

	c := &Conn{
		id:           id,
		device:       handle.Addr(),
		pid:          attached.PID,
		spawned:      len(opts.Spawn) > 0,
		handle:       handle,
		store:        opts.Store,
		logger:       logger.With("session_id", id, "pid", attached.PID),
		console:      opts.Console,
		scriptsDirs:  opts.ScriptsDirs,
		pumpDone:     make(chan struct{}),
		recorderDone: make(chan struct{}),
		unsubscribe:  func() {},
	}
	c.logger.Info("agent loaded",
		"device", c.device,
		"spawned", c.spawned,
		"suspended", attached.Suspended,
		"bytecode", IsBytecode(agent),
	)

	c.channel = transport.NewChannel(stream, opts.Logger)
	var publisher bridge.Publisher
	if opts.Events != nil {
		publisher = opts.Events
	}
	c.session = bridge.NewSession(c.channel, bridge.Options{
		ID:        id,
		Executor:  opts.Executor,
		Logger:    opts.Logger,
		Console:   opts.Console,
		Events:    publisher,
		Timeout:   opts.RequestTimeout,
		Suspended: attached.Suspended,
	})

	c.startRecorder(ctx, opts.Events)

	go func() {
		defer close(c.pumpDone)
		c.channel.Pump(c.session)
	}()

	if opts.SafeIO {
		if _, err := c.session.Execute(ctx, bridge.NewRequest("safeio"), nil); err != nil {
			c.Close()
			return nil, fmt.Errorf("requesting safe IO: %w", err)
		}
	}

	if opts.Run && attached.Suspended {
		if err := c.Resume(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// ID returns the session identifier.
func (c *Conn) ID() string {
	return c.id
}

// PID returns the target process id.
func (c *Conn) PID() int64 {
	return c.pid
}

// Session returns the underlying bridge session.
func (c *Conn) Session() *bridge.Session {
	return c.session
}

// Suspended reports whether the target is a spawned process not yet resumed.
func (c *Conn) Suspended() bool {
	return c.session.Suspended()
}

// Tell returns the current seek offset.
func (c *Conn) Tell() uint64 {
	return c.offset.Load()
}

// Seek moves the offset. io.SeekEnd always lands on the top of the address
// space, whatever the offset argument.
func (c *Conn) Seek(offset int64, whence int) (uint64, error) {
	switch whence {
	case io.SeekStart:
		c.offset.Store(uint64(offset))
	case io.SeekCurrent:
		c.offset.Add(uint64(offset))
	case io.SeekEnd:
		c.offset.Store(math.MaxUint64)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	return c.offset.Load(), nil
}

// Read reads up to count bytes at the current offset without moving it.
func (c *Conn) Read(ctx context.Context, count int) ([]byte, error) {
	return c.ReadAt(ctx, c.Tell(), count)
}

// ReadAt reads up to count bytes at offset.
func (c *Conn) ReadAt(ctx context.Context, offset uint64, count int) ([]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid read count %d", count)
	}

	req := bridge.NewRequest("read").
		Set("offset", offset).
		Set("count", count)
	reply, err := c.session.Execute(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if reply.Data == nil {
		return nil, &bridge.ProtocolError{Detail: "read reply without data"}
	}

	data := reply.Data
	if len(data) > count {
		data = data[:count]
	}
	return data, nil
}

// Write writes data at the current offset without moving it.
func (c *Conn) Write(ctx context.Context, data []byte) (int, error) {
	return c.WriteAt(ctx, c.Tell(), data)
}

// WriteAt writes data at offset and returns the number of bytes written.
func (c *Conn) WriteAt(ctx context.Context, offset uint64, data []byte) (int, error) {
	if data == nil {
		data = []byte{}
	}
	req := bridge.NewRequest("write").Set("offset", offset)
	if _, err := c.session.Execute(ctx, req, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Resume lets a spawned process run. It has no effect on a running process.
func (c *Conn) Resume(ctx context.Context) error {
	if !c.session.Suspended() {
		return nil
	}
	if err := c.channel.Send(ctx, &transport.Frame{Kind: transport.KindResume, PID: c.pid}); err != nil {
		if bridge.IsCancellation(err) {
			return fmt.Errorf("%w: %w", bridge.ErrCancelled, err)
		}
		return fmt.Errorf("%w: resuming process %d: %w", bridge.ErrTransport, c.pid, err)
	}
	c.session.SetSuspended(false)
	c.logger.Info("resumed spawned process")
	return nil
}

// Close detaches the session, resumes a suspended process, closes the channel
// and releases the device. Calling Close again returns the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *Conn) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	// Waiters must observe the detach before the stream goes away.
	c.session.HandleDetach(bridge.DetachApplicationRequested, "")

	var errs []error
	if c.session.Suspended() && !c.channel.Closed() {
		if err := c.channel.Send(ctx, &transport.Frame{Kind: transport.KindResume, PID: c.pid}); err != nil {
			c.logger.Debug("resume on close failed", "error", err)
		} else {
			c.session.SetSuspended(false)
		}
	}
	if err := c.channel.Send(ctx, &transport.Frame{Kind: transport.KindDetach}); err != nil {
		c.logger.Debug("detach frame not sent", "error", err)
	}

	if err := c.channel.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	<-c.pumpDone

	c.unsubscribe()
	<-c.recorderDone

	if c.store != nil {
		reason, crash := c.session.DetachInfo()
		if err := c.store.RecordDetach(ctx, c.id, reason.String(), crash); err != nil {
			errs = append(errs, fmt.Errorf("recording detach: %w", err))
		}
		if err := c.store.CloseSession(ctx, c.id, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("closing session record: %w", err))
		}
	}

	c.handle.Release()
	c.logger.Info("connection closed")
	return errors.Join(errs...)
}
