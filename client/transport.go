package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by operations that need an established connection.
var ErrNotConnected = errors.New("not connected")

// ConnectionState represents the state of the transport
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns a string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	ErrorNetwork ErrorKind = iota
	ErrorHostNotFound
	ErrorConnectionRefused
	ErrorRemoteClosed
	ErrorTimeout
	ErrorWrite
	ErrorFraming
)

// String returns a string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case ErrorHostNotFound:
		return "host_not_found"
	case ErrorConnectionRefused:
		return "connection_refused"
	case ErrorRemoteClosed:
		return "remote_closed"
	case ErrorTimeout:
		return "timeout"
	case ErrorWrite:
		return "write"
	case ErrorFraming:
		return "framing"
	default:
		return "network"
	}
}

// TransportError is reported on the error channel of a connection.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

func classifyError(err error) ErrorKind {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return ErrorHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorConnectionRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		return ErrorRemoteClosed
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTimeout
	default:
		return ErrorNetwork
	}
}

// EventKind identifies a transport notification.
type EventKind int

const (
	EventHostFound EventKind = iota
	EventConnected
	EventDataAvailable
	EventDisconnected
	EventError
)

// Event is a transport notification, delivered in order on Events(). Gen
// identifies the connection attempt the event belongs to.
type Event struct {
	Kind  EventKind
	Gen   uint64
	Error TransportError
}

// Transport owns one byte stream connection. Reads are buffered by a
// background goroutine and exposed through the non-blocking ByteSource
// methods; everything else is reported on the event channel.
type Transport struct {
	dialer         Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration
	logger         zerolog.Logger

	// mu guards stream, gen, cancel and buffer resets
	mu     sync.Mutex
	stream Stream
	gen    uint64
	cancel context.CancelFunc
	state  atomic.Int32
	buf    streamBuffer

	writeMu sync.Mutex
	written chan struct{}
	ready   chan struct{}
	pending atomic.Bool

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewTransport creates a disconnected transport dialing through d.
func NewTransport(d Dialer, connectTimeout, writeTimeout time.Duration, logger zerolog.Logger) *Transport {
	return &Transport{
		dialer:         d,
		connectTimeout: connectTimeout,
		writeTimeout:   writeTimeout,
		logger:         logger.With().Str("component", "transport").Logger(),
		written:        make(chan struct{}, 1),
		ready:          make(chan struct{}, 1),
		events:         make(chan Event, 64),
		closed:         make(chan struct{}),
	}
}

// SetDialer replaces the dialer used by the next Connect.
func (t *Transport) SetDialer(d Dialer) {
	t.mu.Lock()
	t.dialer = d
	t.mu.Unlock()
	t.logger.Debug().Str("dialer", d.Name()).Msg("dialer set")
}

// Events returns the ordered notification channel.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// IsConnected reports whether the stream is established.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// Connect starts dialing address in the background. The outcome is reported
// as EventConnected or EventError. Connect is a no-op unless disconnected.
func (t *Transport) Connect(address string) {
	t.mu.Lock()
	if t.State() != StateDisconnected {
		t.mu.Unlock()
		t.logger.Debug().Str("address", address).Msg("connect ignored, not disconnected")
		return
	}
	select {
	case <-t.closed:
		t.mu.Unlock()
		return
	default:
	}
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.state.Store(int32(StateConnecting))
	t.mu.Unlock()

	go t.dial(ctx, gen, address)
}

func (t *Transport) dial(ctx context.Context, gen uint64, address string) {
	logger := t.logger.With().Str("address", address).Logger()
	logger.Info().Msg("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	fail := func(err error) {
		t.mu.Lock()
		current := t.gen == gen
		if current {
			t.state.Store(int32(StateDisconnected))
			t.cancel()
			t.cancel = nil
		}
		t.mu.Unlock()
		if !current {
			return
		}
		kind := classifyError(err)
		logger.Warn().Err(err).Str("kind", kind.String()).Msg("connect failed")
		t.emit(Event{Kind: EventError, Gen: gen, Error: TransportError{Kind: kind, Err: err}})
	}

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		fail(fmt.Errorf("invalid address %q: %w", address, err))
		return
	}
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(dialCtx, host); err != nil {
			fail(err)
			return
		}
		t.emit(Event{Kind: EventHostFound, Gen: gen})
	}

	t.mu.Lock()
	dialer := t.dialer
	t.mu.Unlock()
	stream, err := dialer.Dial(dialCtx, address)
	if err != nil {
		fail(err)
		return
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		stream.Close()
		return
	}
	t.stream = stream
	t.state.Store(int32(StateConnected))
	t.mu.Unlock()

	logger.Info().Msg("connected")
	t.emit(Event{Kind: EventConnected, Gen: gen})
	go t.readLoop(ctx, gen, stream)
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, stream Stream) {
	scratch := make([]byte, 64*1024)
	for {
		n, err := stream.Read(scratch)
		if n > 0 {
			if !t.deliver(gen, scratch[:n]) {
				return
			}
			t.notify(gen)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.drop(gen, TransportError{Kind: classifyError(err), Err: err})
			return
		}
	}
}

func (t *Transport) deliver(gen uint64, p []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return false
	}
	t.buf.append(p)
	return true
}

// notify posts one data-available event per batch; ClearNotify re-arms it.
func (t *Transport) notify(gen uint64) {
	select {
	case t.ready <- struct{}{}:
	default:
	}
	if t.pending.CompareAndSwap(false, true) {
		t.emit(Event{Kind: EventDataAvailable, Gen: gen})
	}
}

// ClearNotify re-arms the data-available notification. Call it before
// draining the buffer.
func (t *Transport) ClearNotify() {
	t.pending.Store(false)
}

// drop tears down the stream of generation gen after a failure.
func (t *Transport) drop(gen uint64, terr TransportError) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.teardown()
	t.mu.Unlock()

	t.logger.Warn().Err(terr.Err).Str("kind", terr.Kind.String()).Msg("connection lost")
	t.emit(Event{Kind: EventError, Gen: gen, Error: terr})
	t.emit(Event{Kind: EventDisconnected, Gen: gen})
}

// teardown must be called with mu held.
func (t *Transport) teardown() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.stream != nil {
		t.stream.Close()
		t.stream = nil
	}
	t.buf.reset()
	t.pending.Store(false)
	t.state.Store(int32(StateDisconnected))
}

// Disconnect closes the stream and discards buffered bytes. It is a no-op
// when already disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.State() == StateDisconnected {
		t.mu.Unlock()
		return
	}
	gen := t.gen
	t.teardown()
	t.mu.Unlock()

	t.logger.Info().Msg("disconnected")
	t.emit(Event{Kind: EventDisconnected, Gen: gen})
}

// Close disconnects and stops event delivery. The transport cannot be reused.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	t.Disconnect()
}

// Write sends p on the stream, bounded by the write timeout. A failed write
// drops the connection since the peer may have seen a partial frame.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	stream, gen := t.stream, t.gen
	t.mu.Unlock()
	if stream == nil || !t.IsConnected() {
		return 0, ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if d, ok := stream.(interface{ SetWriteDeadline(time.Time) error }); ok && t.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	n, err := stream.Write(p)
	if err != nil {
		kind := classifyError(err)
		if kind != ErrorTimeout {
			kind = ErrorWrite
		}
		t.drop(gen, TransportError{Kind: kind, Err: err})
		return n, fmt.Errorf("write: %w", err)
	}

	select {
	case t.written <- struct{}{}:
	default:
	}
	return n, nil
}

// WaitForBytesWritten blocks until a write completes or the timeout expires.
func (t *Transport) WaitForBytesWritten(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.written:
		return true
	case <-timer.C:
		return false
	}
}

// WaitForReadyRead blocks until new bytes arrive or the timeout expires.
// Bytes already buffered count as ready.
func (t *Transport) WaitForReadyRead(timeout time.Duration) bool {
	if t.Buffered() > 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Transport) Buffered() int              { return t.buf.Buffered() }
func (t *Transport) Read(p []byte) (int, error) { return t.buf.Read(p) }
func (t *Transport) Discard(n int) int          { return t.buf.Discard(n) }
