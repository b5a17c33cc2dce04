package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/dialect"
	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/metrics"
	"github.com/Mmx233/igtlink/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Invoke after Run has returned.
	ErrClosed = errors.New("connection closed")
	// ErrAckTimeout is returned by SendCommand when no reply arrives in time.
	ErrAckTimeout = errors.New("command acknowledgment timed out")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("connection already running")
)

// CommandDeviceName is the device name of STRING frames sent by SendCommand.
const CommandDeviceName = "CMD"

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the dialer derived from the configured transport. The
// dialer is kept when the transport kind changes later.
func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		c.dialer = d
	}
}

// WithMetrics records connection metrics into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithDialects registers additional dialects next to the built-in ones. A
// dialect named like a built-in one replaces it.
func WithDialects(ds ...dialect.Dialect) Option {
	return func(c *Connection) {
		c.extra = append(c.extra, ds...)
	}
}

// Reply is the answer to a command: either a status or a string.
type Reply struct {
	Status *message.Status
	String *message.String
}

// Connection is one link to a tracking or imaging device. All receive-side
// work runs on the goroutine calling Run; other goroutines reach it through
// Invoke. Sends may be issued from any goroutine.
type Connection struct {
	cfg    config.Client
	uid    string
	logger zerolog.Logger
	igtl   zerolog.Logger

	mu     sync.RWMutex
	info   config.ConnectionInfo
	active atomic.Value // string, name of the active dialect

	dialer     Dialer
	extra      []dialect.Dialect
	names      []string
	transport  *Transport
	reader     *FrameReader
	registry   *dialect.Registry
	dispatcher *Dispatcher
	metrics    *metrics.Collector

	// owned by the Run goroutine
	streamGen uint64

	tasks   chan func()
	done    chan struct{}
	running atomic.Bool
}

// New creates a disconnected connection for cfg. The built-in dialects are
// registered and the configured protocol is made active.
func New(cfg *config.Client, logger zerolog.Logger, opts ...Option) (*Connection, error) {
	conf := *cfg
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Connection{
		cfg:        conf,
		uid:        conf.UID,
		info:       conf.Connection,
		dispatcher: NewDispatcher(),
		tasks:      make(chan func(), conf.QueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = logger.With().Str("com", "connection").Str("uid", c.uid).Logger()
	c.igtl = c.logger.With().Str("channel", "igtl").Logger()

	c.registry = dialect.NewRegistry(c.dispatcher, c.logger)
	for _, d := range dialect.Builtin(conf.Dialects) {
		c.registry.Register(d)
	}
	for _, d := range c.extra {
		c.registry.Register(d)
	}
	c.names = c.registry.Names()
	c.registry.OnSwitch = func(_, to string) {
		c.active.Store(to)
		c.metrics.DialectSwitched(to)
	}
	c.active.Store(c.registry.Active())
	if err := c.registry.SetActive(conf.Connection.Protocol); err != nil {
		return nil, err
	}

	dialer := c.dialer
	if dialer == nil {
		var err error
		if dialer, err = c.dialerFor(conf.Connection.Transport); err != nil {
			return nil, err
		}
	}
	c.transport = NewTransport(dialer, conf.Timeouts.Connect, conf.Timeouts.Write, c.logger)
	c.reader = NewFrameReader(c, conf.MaxBodySize, c.igtl)

	return c, nil
}

func (c *Connection) dialerFor(kind string) (Dialer, error) {
	switch kind {
	case TransportTCP:
		return &TCPDialer{KeepAlive: 30 * time.Second}, nil
	case TransportQUIC:
		if err := c.cfg.TLS.LoadCertificates(); err != nil {
			return nil, fmt.Errorf("load certificates: %w", err)
		}
		return NewQUICDialer(c.cfg.TLS.Config(), c.cfg.Quic.GetConfig()), nil
	case TransportWebSocket:
		return &WebSocketDialer{Path: c.cfg.WebSocketPath}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// UID returns the connection identifier.
func (c *Connection) UID() string {
	return c.uid
}

// Events returns the dispatcher used to subscribe to decoded messages and
// lifecycle notifications.
func (c *Connection) Events() *Dispatcher {
	return c.dispatcher
}

// Info returns the current connection info. Protocol always names the active
// dialect.
func (c *Connection) Info() config.ConnectionInfo {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()
	info.Protocol = c.activeDialect()
	return info
}

func (c *Connection) activeDialect() string {
	name, _ := c.active.Load().(string)
	return name
}

// Dialects lists the registered dialect names in sorted order.
func (c *Connection) Dialects() []string {
	return slices.Clone(c.names)
}

// SetDialect makes the named dialect active. Unknown names are logged and
// leave the current dialect in place. It must not be called synchronously
// from a message callback; use Invoke.
func (c *Connection) SetDialect(name string) error {
	return c.registry.SetActive(name)
}

// SetConnectionInfo stores info for the next Connect and switches the dialect
// when the protocol differs. If the protocol is unknown the rest of info is
// still stored and the previous dialect stays active.
func (c *Connection) SetConnectionInfo(info config.ConnectionInfo) error {
	c.mu.Lock()
	prev := c.info
	c.info = info
	c.mu.Unlock()

	if info.Transport != prev.Transport && c.dialer == nil {
		d, err := c.dialerFor(info.Transport)
		if err != nil {
			c.mu.Lock()
			c.info.Transport = prev.Transport
			c.mu.Unlock()
			return err
		}
		c.transport.SetDialer(d)
	}

	c.logger.Debug().Stringer("info", info).Msg("connection info set")
	if info.Protocol != c.activeDialect() {
		return c.SetDialect(info.Protocol)
	}
	return nil
}

// IsConnected reports whether the transport is established.
func (c *Connection) IsConnected() bool {
	return c.transport.IsConnected()
}

// Connect starts connecting to the stored endpoint. The outcome is reported
// through OnConnected or OnError.
func (c *Connection) Connect() {
	c.transport.Connect(c.Info().HostPort())
}

// Disconnect closes the link and drops any partially received frame. It is
// safe to call at any time.
func (c *Connection) Disconnect() {
	c.transport.Disconnect()
}

// Invoke queues fn for execution on the connection goroutine.
func (c *Connection) Invoke(fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.tasks <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run processes transport events and queued tasks until ctx is done, then
// closes the transport.
func (c *Connection) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(c.done)
		c.transport.Close()
		c.metrics.SetConnected(false)
		c.logger.Debug().Msg("connection loop stopped")
	}()

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			c.handleEvent(ev)
		case fn := <-c.tasks:
			fn()
		}
	}
}

func (c *Connection) handleEvent(ev Event) {
	switch ev.Kind {
	case EventHostFound:
		c.logger.Debug().Msg("host found")
	case EventConnected:
		c.streamGen = ev.Gen
		c.reader.Reset()
		c.registry.Reset()
		c.metrics.SetConnected(true)
		c.logger.Info().Stringer("info", c.Info()).Msg("connected")
		c.dispatcher.emitConnected()
	case EventDataAvailable:
		if ev.Gen != c.streamGen {
			return
		}
		c.drain()
	case EventDisconnected:
		if ev.Gen < c.streamGen {
			// a newer connection is already up
			return
		}
		c.reader.Reset()
		c.registry.Reset()
		c.metrics.SetConnected(false)
		c.dispatcher.emitDisconnected()
	case EventError:
		c.metrics.TransportError(ev.Error.Kind.String())
		c.dispatcher.emitError(ev.Error)
	}
}

func (c *Connection) drain() {
	c.transport.ClearNotify()
	if _, err := c.reader.Drain(c.transport); err != nil {
		c.igtl.Error().Err(err).Msg("stream out of sync, disconnecting")
		terr := TransportError{Kind: ErrorFraming, Err: err}
		c.metrics.TransportError(terr.Kind.String())
		c.dispatcher.emitError(terr)
		c.transport.Disconnect()
	}
}

func (c *Connection) supports(deviceType string) bool {
	return c.registry.Supports(deviceType)
}

func (c *Connection) handleFrame(h *protocol.Header, body []byte) {
	start := time.Now()
	name := c.activeDialect()
	deviceType := strings.ToUpper(h.DeviceType)

	if err := c.registry.Decode(h, body); err != nil {
		c.metrics.DecodeError(name, deviceType, protocol.HeaderSize+len(body))
		c.igtl.Error().Err(err).
			Str("dialect", name).
			Str("type", h.DeviceType).
			Str("device", h.DeviceName).
			Msg("discarding message")
		return
	}
	c.metrics.FrameReceived(name, deviceType, protocol.HeaderSize+len(body), time.Since(start))
	c.igtl.Trace().Str("type", h.DeviceType).Str("device", h.DeviceName).Uint64("size", h.BodySize).Msg("received")
}

func (c *Connection) frameSkipped(h *protocol.Header) {
	c.metrics.FrameSkipped(h.DeviceType, protocol.HeaderSize+int(h.BodySize))
}

func (c *Connection) send(v any) error {
	if !c.transport.IsConnected() {
		c.igtl.Warn().Str("message", fmt.Sprintf("%T", v)).Msg("not connected, message dropped")
		return ErrNotConnected
	}
	frame, err := c.registry.Encode(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := protocol.WriteFrame(c.transport, frame); err != nil {
		c.igtl.Warn().Err(err).Str("type", frame.Header.DeviceType).Msg("send failed")
		return err
	}
	c.metrics.FrameSent(frame.Header.DeviceType, protocol.HeaderSize+len(frame.Body))
	c.igtl.Trace().
		Str("type", frame.Header.DeviceType).
		Str("device", frame.Header.DeviceName).
		Int("size", len(frame.Body)).
		Msg("sent")
	return nil
}

// SendImage encodes im with the active dialect and writes it.
func (c *Connection) SendImage(im *message.Image) error { return c.send(im) }

// SendMesh encodes m with the active dialect and writes it.
func (c *Connection) SendMesh(m *message.Mesh) error { return c.send(m) }

// SendTransform encodes t with the active dialect and writes it.
func (c *Connection) SendTransform(t *message.Transform) error { return c.send(t) }

// SendString encodes s with the active dialect and writes it.
func (c *Connection) SendString(s *message.String) error { return c.send(s) }

// SendStatus encodes s with the active dialect and writes it.
func (c *Connection) SendStatus(s *message.Status) error { return c.send(s) }

// SendCommand sends text as a STRING frame and waits for the next STATUS or
// STRING frame from the device, bounded by the acknowledgment timeout. It
// must not be called from the connection goroutine.
func (c *Connection) SendCommand(ctx context.Context, text string) (Reply, error) {
	replies := make(chan Reply, 1)
	deliver := func(r Reply) {
		select {
		case replies <- r:
		default:
		}
	}
	unsubStatus := c.dispatcher.OnStatus(func(s *message.Status) { deliver(Reply{Status: s}) })
	defer unsubStatus()
	unsubString := c.dispatcher.OnString(func(s *message.String) { deliver(Reply{String: s}) })
	defer unsubString()

	cmd := &message.String{
		Meta:     message.Meta{DeviceName: CommandDeviceName, Timestamp: time.Now()},
		Encoding: protocol.EncodingUTF8,
		Text:     text,
	}
	if err := c.SendString(cmd); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(c.cfg.Timeouts.Ack)
	defer timer.Stop()
	select {
	case r := <-replies:
		return r, nil
	case <-timer.C:
		c.igtl.Warn().Str("command", text).Dur("timeout", c.cfg.Timeouts.Ack).Msg("no reply to command")
		return Reply{}, ErrAckTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
