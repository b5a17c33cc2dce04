package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/dialect"
	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// fakeDevice accepts a single TCP peer and exposes the raw socket.
type fakeDevice struct {
	ln    net.Listener
	conns chan net.Conn
}

func startFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &fakeDevice{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(d.conns)
				return
			}
			d.conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for c := range d.conns {
			c.Close()
		}
	})
	return d
}

func (d *fakeDevice) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("device: no connection accepted")
		return nil
	}
}

func testClientConfig(port int, protocolName string) *config.Client {
	return &config.Client{
		Connection: config.ConnectionInfo{
			Address:   "127.0.0.1",
			Port:      port,
			Protocol:  protocolName,
			Transport: TransportTCP,
		},
		Timeouts: config.Timeouts{Ack: 200 * time.Millisecond},
	}
}

// startConnection runs conn until the test ends.
func startConnection(t *testing.T, conn *Connection) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// connect establishes conn to d and returns the device side socket.
func connect(t *testing.T, conn *Connection, d *fakeDevice) net.Conn {
	t.Helper()
	connected := make(chan struct{}, 1)
	unsub := conn.Events().OnConnected(func() { connected <- struct{}{} })
	defer unsub()

	conn.Connect()
	peer := d.accept(t)
	select {
	case <-connected:
	case <-time.After(waitTimeout):
		t.Fatal("connection not established")
	}
	return peer
}

func newTestConnection(t *testing.T, d *fakeDevice, protocolName string) *Connection {
	t.Helper()
	conn, err := New(testClientConfig(d.port(), protocolName), zerolog.Nop())
	require.NoError(t, err)
	startConnection(t, conn)
	return conn
}

func writeTransform(t *testing.T, w net.Conn, name string, m message.Matrix4) {
	t.Helper()
	body := protocol.TransformBody{Matrix: m}
	f := protocol.NewFrame(protocol.TypeTransform, name, time.Now(), body.Pack())
	require.NoError(t, protocol.WriteFrame(w, f))
}

func translation(x, y, z float64) message.Matrix4 {
	m := message.Identity()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

func TestNew_Defaults(t *testing.T) {
	conn, err := New(&config.Client{}, zerolog.Nop())
	require.NoError(t, err)

	info := conn.Info()
	assert.Equal(t, dialect.NameCustus, info.Protocol)
	assert.Equal(t, "127.0.0.1:18944", info.HostPort())
	assert.NotEmpty(t, conn.UID())
	assert.False(t, conn.IsConnected())
	assert.Equal(t, []string{"Custus", "OpenIGTLink", "PlusServer", "RAS"}, conn.Dialects())
}

func TestNew_UnknownProtocol(t *testing.T) {
	_, err := New(testClientConfig(1, "Nope"), zerolog.Nop())
	assert.ErrorIs(t, err, dialect.ErrUnknownDialect)
}

func TestConnection_ReceivesTransform(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)

	got := make(chan *message.Transform, 1)
	conn.Events().OnTransform(func(tr *message.Transform) { got <- tr })

	peer := connect(t, conn, d)
	writeTransform(t, peer, "Stylus", translation(1, 2, 3))

	tr := receive(t, got)
	assert.Equal(t, "Stylus", tr.DeviceName)
	assert.InDelta(t, 1, tr.Matrix[0][3], 1e-6)
	assert.InDelta(t, 2, tr.Matrix[1][3], 1e-6)
	assert.InDelta(t, 3, tr.Matrix[2][3], 1e-6)
	assert.True(t, conn.IsConnected())
}

func TestConnection_DialectSwitchAppliesToLaterFrames(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)

	got := make(chan *message.Transform, 2)
	conn.Events().OnTransform(func(tr *message.Transform) { got <- tr })
	peer := connect(t, conn, d)

	writeTransform(t, peer, "Tool", translation(1, 2, 3))
	first := receive(t, got)
	assert.InDelta(t, 1, first.Matrix[0][3], 1e-6)

	switched := make(chan error, 1)
	require.NoError(t, conn.Invoke(func() { switched <- conn.SetDialect(dialect.NameRAS) }))
	require.NoError(t, receive(t, switched))
	assert.Equal(t, dialect.NameRAS, conn.Info().Protocol)

	writeTransform(t, peer, "Tool", translation(1, 2, 3))
	second := receive(t, got)
	assert.InDelta(t, -1, second.Matrix[0][3], 1e-6)
	assert.InDelta(t, -2, second.Matrix[1][3], 1e-6)
	assert.InDelta(t, 3, second.Matrix[2][3], 1e-6)
}

func TestConnection_SetDialectUnknownKeepsCurrent(t *testing.T) {
	conn, err := New(testClientConfig(1, dialect.NamePlusServer), zerolog.Nop())
	require.NoError(t, err)

	err = conn.SetDialect("Bogus")
	assert.ErrorIs(t, err, dialect.ErrUnknownDialect)
	assert.Equal(t, dialect.NamePlusServer, conn.Info().Protocol)

	info := conn.Info()
	info.Protocol = "Bogus"
	info.Port = 2000
	err = conn.SetConnectionInfo(info)
	assert.ErrorIs(t, err, dialect.ErrUnknownDialect)
	assert.Equal(t, dialect.NamePlusServer, conn.Info().Protocol)
	assert.Equal(t, 2000, conn.Info().Port)
}

func TestConnection_SetConnectionInfoSwitchesDialect(t *testing.T) {
	conn, err := New(testClientConfig(1, dialect.NameCustus), zerolog.Nop())
	require.NoError(t, err)

	info := conn.Info()
	info.Protocol = dialect.NameRAS
	require.NoError(t, conn.SetConnectionInfo(info))
	assert.Equal(t, dialect.NameRAS, conn.Info().Protocol)

	// unchanged protocol is a no-op
	require.NoError(t, conn.SetConnectionInfo(info))
	assert.Equal(t, dialect.NameRAS, conn.Info().Protocol)
}

func TestConnection_SendTransform(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)
	peer := connect(t, conn, d)

	tr := &message.Transform{
		Meta:   message.Meta{DeviceName: "Robot", Timestamp: time.Unix(1700000000, 0)},
		Matrix: translation(4, 5, 6),
	}
	require.NoError(t, conn.SendTransform(tr))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(waitTimeout)))
	f, err := protocol.ReadFrame(peer, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTransform, f.Header.DeviceType)
	assert.Equal(t, "Robot", f.Header.DeviceName)
	assert.Equal(t, protocol.CRC64(f.Body), f.Header.CRC)

	body, err := protocol.UnpackTransform(f.Body)
	require.NoError(t, err)
	assert.InDelta(t, 5, body.Matrix[1][3], 1e-6)
}

func TestConnection_SendWhenDisconnected(t *testing.T) {
	conn, err := New(testClientConfig(1, dialect.NameCustus), zerolog.Nop())
	require.NoError(t, err)

	err = conn.SendString(&message.String{Text: "ping"})
	assert.ErrorIs(t, err, ErrNotConnected)
	err = conn.SendImage(&message.Image{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnection_SendCommandAcknowledged(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameCustus)
	peer := connect(t, conn, d)

	go func() {
		f, err := protocol.ReadFrame(peer, 0)
		if err != nil || f.Header.DeviceType != protocol.TypeString {
			return
		}
		ack := protocol.StatusBody{Code: protocol.StatusOK, Message: "done"}
		_ = protocol.WriteFrame(peer, protocol.NewFrame(protocol.TypeStatus, "ACK", time.Now(), ack.Pack()))
	}()

	reply, err := conn.SendCommand(context.Background(), "<Command Name=\"Start\"/>")
	require.NoError(t, err)
	require.NotNil(t, reply.Status)
	assert.True(t, reply.Status.OK())
	assert.Equal(t, "done", reply.Status.Message)
}

func TestConnection_SendCommandTimeout(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameCustus)
	connect(t, conn, d)

	start := time.Now()
	_, err := conn.SendCommand(context.Background(), "<Command Name=\"Ignored\"/>")
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestConnection_DisconnectIsIdempotent(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameCustus)

	disconnected := make(chan struct{}, 4)
	conn.Events().OnDisconnected(func() { disconnected <- struct{}{} })
	connect(t, conn, d)

	conn.Disconnect()
	conn.Disconnect()
	receive(t, disconnected)
	assert.False(t, conn.IsConnected())

	select {
	case <-disconnected:
		t.Fatal("second Disconnect must not emit another event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_DisconnectMidFrame(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)

	got := make(chan *message.Transform, 2)
	conn.Events().OnTransform(func(tr *message.Transform) { got <- tr })
	disconnected := make(chan struct{}, 1)
	conn.Events().OnDisconnected(func() { disconnected <- struct{}{} })

	peer := connect(t, conn, d)
	body := protocol.TransformBody{Matrix: translation(1, 1, 1)}
	raw := protocol.NewFrame(protocol.TypeTransform, "Half", time.Now(), body.Pack())
	packed := raw.Pack()
	_, err := peer.Write(packed[:protocol.HeaderSize+10])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	conn.Disconnect()
	receive(t, disconnected)

	peer = connect(t, conn, d)
	writeTransform(t, peer, "Whole", translation(2, 2, 2))
	tr := receive(t, got)
	assert.Equal(t, "Whole", tr.DeviceName)
}

func TestConnection_UnknownTypeThenKnown(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)

	got := make(chan *message.Transform, 2)
	conn.Events().OnTransform(func(tr *message.Transform) { got <- tr })
	peer := connect(t, conn, d)

	unknown := protocol.NewFrame("TDATA", "Tracker", time.Now(), make([]byte, 123))
	require.NoError(t, protocol.WriteFrame(peer, unknown))
	writeTransform(t, peer, "After", translation(0, 0, 1))

	tr := receive(t, got)
	assert.Equal(t, "After", tr.DeviceName)
	select {
	case extra := <-got:
		t.Fatalf("unexpected message %q", extra.DeviceName)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_CRCMismatchDiscardsFrame(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameOpenIGTLink)

	got := make(chan *message.Transform, 2)
	conn.Events().OnTransform(func(tr *message.Transform) { got <- tr })
	peer := connect(t, conn, d)

	body := protocol.TransformBody{Matrix: translation(9, 9, 9)}
	bad := protocol.NewFrame(protocol.TypeTransform, "Corrupt", time.Now(), body.Pack())
	bad.Header.CRC ^= 1
	require.NoError(t, protocol.WriteFrame(peer, bad))
	writeTransform(t, peer, "Good", translation(1, 0, 0))

	tr := receive(t, got)
	assert.Equal(t, "Good", tr.DeviceName)
	assert.True(t, conn.IsConnected())
}

func TestConnection_OversizedBodyDropsConnection(t *testing.T) {
	d := startFakeDevice(t)
	cfg := testClientConfig(d.port(), dialect.NameCustus)
	cfg.MaxBodySize = 1024
	conn, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	startConnection(t, conn)

	errs := make(chan TransportError, 4)
	conn.Events().OnError(func(e TransportError) { errs <- e })
	disconnected := make(chan struct{}, 1)
	conn.Events().OnDisconnected(func() { disconnected <- struct{}{} })

	peer := connect(t, conn, d)
	var header [protocol.HeaderSize]byte
	h := protocol.Header{Version: 1, DeviceType: protocol.TypeImage, DeviceName: "Huge", BodySize: 4096}
	h.Pack(header[:])
	_, err = peer.Write(header[:])
	require.NoError(t, err)

	e := receive(t, errs)
	assert.Equal(t, ErrorFraming, e.Kind)
	assert.ErrorIs(t, e, ErrFraming)
	receive(t, disconnected)
}

func TestConnection_RemoteClose(t *testing.T) {
	d := startFakeDevice(t)
	conn := newTestConnection(t, d, dialect.NameCustus)

	errs := make(chan TransportError, 4)
	conn.Events().OnError(func(e TransportError) { errs <- e })
	disconnected := make(chan struct{}, 1)
	conn.Events().OnDisconnected(func() { disconnected <- struct{}{} })

	peer := connect(t, conn, d)
	peer.Close()

	e := receive(t, errs)
	assert.Equal(t, ErrorRemoteClosed, e.Kind)
	receive(t, disconnected)
	assert.False(t, conn.IsConnected())
}

func TestConnection_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	conn, err := New(testClientConfig(port, dialect.NameCustus), zerolog.Nop())
	require.NoError(t, err)
	startConnection(t, conn)

	errs := make(chan TransportError, 1)
	conn.Events().OnError(func(e TransportError) { errs <- e })
	conn.Connect()

	e := receive(t, errs)
	assert.Equal(t, ErrorConnectionRefused, e.Kind, "got %v", e)
	assert.False(t, conn.IsConnected())
}

func TestConnection_InvokeAfterRun(t *testing.T) {
	conn, err := New(testClientConfig(1, dialect.NameCustus), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	require.NoError(t, conn.Invoke(func() { close(ran) }))

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	receive(t, ran)

	cancel()
	require.NoError(t, receive(t, done))
	assert.True(t, errors.Is(conn.Invoke(func() {}), ErrClosed))
	assert.ErrorIs(t, conn.Run(context.Background()), ErrAlreadyRunning)
}

func TestConnectionInfo_HostPort(t *testing.T) {
	info := config.ConnectionInfo{Address: "::1", Port: 18944}
	assert.Equal(t, "[::1]:"+strconv.Itoa(18944), info.HostPort())
}
