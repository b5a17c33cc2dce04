package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Mmx233/igtlink/client"
	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/dialect"
	"github.com/Mmx233/igtlink/metrics"
	"github.com/Mmx233/igtlink/server/pool"
	"github.com/Mmx233/igtlink/server/tls/stek"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is a device simulator: it accepts clients over TCP, QUIC and
// WebSocket and streams synthetic tracking and imaging messages to each.
type Server struct {
	config   *config.Server
	pool     *pool.PeerPool
	registry *prometheus.Registry
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	root     zerolog.Logger
	logger   zerolog.Logger

	// peers tracks the serving goroutines so shutdown can wait for them
	peers sync.WaitGroup
}

// New creates a simulator. The TLS certificate is loaded when QUIC is enabled.
func New(conf *config.Server, logger zerolog.Logger) (*Server, error) {
	// Apply defaults to ensure all required fields have values
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	root := logger
	logger = logger.With().Str("com", "server").Logger()

	known := make([]string, 0, 4)
	for _, d := range dialect.Builtin(conf.Dialects) {
		known = append(known, d.Name())
	}
	if !slices.Contains(known, conf.Protocol) {
		return nil, fmt.Errorf("%w: %q, expected one of %v", dialect.ErrUnknownDialect, conf.Protocol, known)
	}

	if conf.Quic.Enabled {
		if err := conf.TLS.LoadCertificate(); err != nil {
			return nil, fmt.Errorf("load certificates: %w", err)
		}
	}

	namespace := conf.Metrics.Namespace
	if namespace == "" {
		namespace = metrics.DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	return &Server{
		config:   conf,
		pool:     pool.New(logger),
		registry: reg,
		metrics:  metrics.New(reg, namespace, prometheus.Labels{"role": "simulator"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		root:   root,
		logger: logger,
	}, nil
}

// Start creates a simulator and runs it until ctx is done.
func Start(ctx context.Context, conf *config.Server, logger zerolog.Logger) error {
	srv, err := New(conf, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Peers returns the connected clients, oldest first.
func (s *Server) Peers() []*pool.Peer {
	return s.pool.List()
}

// Gatherer exposes the simulator metrics.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Run opens every enabled listener and serves until ctx is done or a listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	var tcpLn, wsLn net.Listener
	closeAll := func() {
		for _, ln := range []net.Listener{tcpLn, wsLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}

	if s.config.TCP.Enabled {
		lc := net.ListenConfig{Control: setSocketOptions}
		ln, err := lc.Listen(ctx, "tcp", s.config.TCP.Addr())
		if err != nil {
			return fmt.Errorf("listen TCP: %w", err)
		}
		tcpLn = ln
	}
	if s.config.WebSocket.Enabled {
		ln, err := net.Listen("tcp", s.config.WebSocket.Addr())
		if err != nil {
			closeAll()
			return fmt.Errorf("listen WebSocket: %w", err)
		}
		wsLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	if tcpLn != nil {
		g.Go(func() error { return s.ServeTCP(gctx, tcpLn) })
	}
	if wsLn != nil {
		g.Go(func() error { return s.ServeWebSocket(gctx, wsLn) })
	}
	if s.config.Quic.Enabled {
		g.Go(func() error { return s.listenQUIC(gctx) })
	}
	if s.config.Metrics.Listen != "" {
		g.Go(func() error { return s.serveMetrics(gctx) })
	}

	err := g.Wait()
	s.peers.Wait()
	if ctx.Err() != nil {
		s.logger.Info().Msg("server shutting down")
		return ctx.Err()
	}
	return err
}

// ServeTCP accepts clients on ln until ctx is done. It closes ln.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	logger := s.logger.With().Str("listen", ln.Addr().String()).Str("transport", client.TransportTCP).Logger()
	logger.Info().Msg("TCP listener started")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Error().Err(err).Msg("accept TCP connection failed")
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.servePeer(ctx, conn, conn.RemoteAddr().String(), client.TransportTCP)
		}()
	}
}

// Handler routes WebSocket upgrades on the configured path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(s.config.WebSocket.Path, s.serveWebSocketPeer)
	return r
}

func (s *Server) serveWebSocketPeer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.peers.Add(1)
	defer s.peers.Done()
	s.servePeer(r.Context(), client.NewWebSocketStream(conn), r.RemoteAddr, client.TransportWebSocket)
}

// ServeWebSocket serves WebSocket clients on ln until ctx is done. It closes ln.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("path", s.config.WebSocket.Path).
		Str("transport", client.TransportWebSocket).
		Msg("WebSocket listener started")

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	err := hs.Serve(ln)
	// hijacked connections are not tracked by Shutdown
	s.peers.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveMetrics(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.config.Metrics.Listen,
		Handler:           metrics.Router(s.registry, func() bool { return true }),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { _ = hs.Close() })
	defer stop()

	s.logger.Info().Str("listen", s.config.Metrics.Listen).Msg("metrics endpoint started")
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

// quicTLSConfig builds the listener TLS configuration.
func (s *Server) quicTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{s.config.TLS.ServerCert},
		NextProtos:   []string{client.QUICALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// listenQUIC opens the UDP socket and serves QUIC clients, rotating session
// ticket keys when configured.
func (s *Server) listenQUIC(ctx context.Context) error {
	ip, err := s.config.Quic.GetIP()
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.config.Quic.Port})
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}
	defer tr.Close()

	tlsConf := s.quicTLSConfig()
	g, gctx := errgroup.WithContext(ctx)
	if interval := s.config.TLS.TicketKeyRotationInterval; interval > 0 {
		rotator, err := stek.New(interval, s.config.TLS.TicketKeyOverlap, s.root)
		if err != nil {
			return fmt.Errorf("initialize session ticket key rotation: %w", err)
		}
		rotator.Configure(tlsConf)
		g.Go(func() error { return rotator.Run(gctx) })
	}

	ln, err := tr.Listen(tlsConf, s.config.Quic.GetConfig())
	if err != nil {
		return fmt.Errorf("listen QUIC: %w", err)
	}
	g.Go(func() error { return s.ServeQUIC(gctx, ln) })
	return g.Wait()
}

// ServeQUIC accepts QUIC clients on ln until ctx is done. Each connection
// carries one bidirectional stream. It closes ln.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	logger := s.logger.With().Str("listen", ln.Addr().String()).Str("transport", client.TransportQUIC).Logger()
	logger.Info().Msg("QUIC listener started")
	defer ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("accept connection failed")
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveQUICConn(ctx, conn)
		}()
	}
}

func (s *Server) serveQUICConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	// The client opens its stream with a hello frame, so AcceptStream returns
	// as soon as the connection is usable.
	acceptCtx, cancel := context.WithTimeout(ctx, config.DefaultConnectTimeout)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", remote).Msg("accept stream failed")
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	s.servePeer(ctx, &quicPeerStream{Stream: stream, conn: conn}, remote, client.TransportQUIC)
}

// quicPeerStream closes the whole connection with its only stream.
type quicPeerStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicPeerStream) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}
