package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/Mmx233/igtlink/protocol"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

// Transport kinds accepted in configuration.
const (
	TransportTCP       = "tcp"
	TransportQUIC      = "quic"
	TransportWebSocket = "ws"
)

// Stream is a connected byte stream.
type Stream = io.ReadWriteCloser

// Dialer opens byte streams to a device.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, address string) (Stream, error)
}

// TCPDialer dials plain TCP, the transport spoken by tracking and imaging devices.
type TCPDialer struct {
	KeepAlive time.Duration
}

func (d *TCPDialer) Name() string { return TransportTCP }

func (d *TCPDialer) Dial(ctx context.Context, address string) (Stream, error) {
	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// QUICDialer carries the frame stream on one bidirectional QUIC stream.
// TLS sessions are cached per device address so reconnects resume.
type QUICDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	sessions *SessionCacheManager
}

// NewQUICDialer creates a QUIC dialer. tlsConfig must carry the trust roots.
func NewQUICDialer(tlsConfig *tls.Config, quicConfig *quic.Config) *QUICDialer {
	return &QUICDialer{
		TLSConfig:  tlsConfig,
		QUICConfig: quicConfig,
		sessions:   NewSessionCacheManager(),
	}
}

func (d *QUICDialer) Name() string { return TransportQUIC }

func (d *QUICDialer) Dial(ctx context.Context, address string) (Stream, error) {
	tlsConfig := d.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		host, _, _ := net.SplitHostPort(address)
		tlsConfig.ServerName = host
	}
	tlsConfig.ClientSessionCache = d.sessions.GetOrCreate(address)
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	conn, err := quic.DialAddr(ctx, address, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	// the peer only learns about the stream once data flows
	hello := protocol.StatusBody{Code: protocol.StatusOK, Message: "hello"}
	if err := protocol.WriteFrame(stream, protocol.NewFrame(protocol.TypeStatus, QUICHelloDevice, time.Now(), hello.Pack())); err != nil {
		conn.CloseWithError(0, "hello failed")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

// QUICALPN is the ALPN token negotiated on QUIC transports.
const QUICALPN = "igtlink"

// QUICHelloDevice is the device name of the status frame opening a QUIC stream.
const QUICHelloDevice = "igtlink-hello"

type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "disconnect")
}

// WebSocketDialer tunnels the frame stream through binary WebSocket messages,
// for devices bridged behind an HTTP gateway.
type WebSocketDialer struct {
	Path   string
	Secure bool
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Name() string { return TransportWebSocket }

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Stream, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: d.Path}
	if d.Secure {
		u.Scheme = "wss"
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketStream(conn), nil
}

// WebSocketStream adapts a WebSocket connection to a byte stream. Message
// boundaries carry no meaning.
type WebSocketStream struct {
	conn *websocket.Conn
	r    io.Reader
}

// NewWebSocketStream wraps conn.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *WebSocketStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *WebSocketStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
