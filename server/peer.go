package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/Mmx233/igtlink/client"
	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/dialect"
	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
	"github.com/Mmx233/igtlink/server/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// errPeerClosed ends the peer's goroutine group when the remote side hangs up.
var errPeerClosed = errors.New("peer closed")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// peerConn serves one connected client: it streams synthetic messages and
// acknowledges commands.
type peerConn struct {
	srv      *Server
	peer     *pool.Peer
	stream   io.ReadWriteCloser
	registry *dialect.Registry
	gen      *generator
	replies  chan any
	logger   zerolog.Logger
}

func (s *Server) servePeer(ctx context.Context, stream io.ReadWriteCloser, remote, transport string) {
	peer := pool.NewPeer(config.GenerateUID(), remote, transport)
	logger := s.logger.With().
		Str("peer_id", peer.ID).
		Str("remote", remote).
		Str("transport", transport).
		Logger()

	pc := &peerConn{
		srv:     s,
		peer:    peer,
		stream:  stream,
		gen:     newGenerator(s.config.Stream),
		replies: make(chan any, 16),
		logger:  logger,
	}
	pc.registry = dialect.NewRegistry(pc, logger)
	for _, d := range dialect.Builtin(s.config.Dialects) {
		pc.registry.Register(d)
	}
	if err := pc.registry.SetActive(s.config.Protocol); err != nil {
		logger.Error().Err(err).Msg("select dialect failed")
		_ = stream.Close()
		return
	}

	if err := s.pool.Add(peer); err != nil {
		logger.Error().Err(err).Msg("add to pool failed")
		_ = stream.Close()
		return
	}
	s.metrics.SetConnected(true)
	defer func() {
		s.pool.Remove(peer.ID)
		s.metrics.SetConnected(s.pool.Count() > 0)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(pc.readLoop)
	g.Go(func() error { return pc.writeLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return stream.Close()
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errPeerClosed), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		logger.Info().Msg("peer disconnected")
	default:
		logger.Warn().Err(err).Msg("peer dropped")
	}
}

func (pc *peerConn) readLoop() error {
	for {
		frame, err := protocol.ReadFrame(pc.stream, pc.srv.config.MaxBodySize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errPeerClosed
			}
			return err
		}
		pc.peer.FramesReceived.Add(1)
		pc.srv.pool.UpdateLastSeen(pc.peer.ID)

		h := &frame.Header
		size := protocol.HeaderSize + len(frame.Body)
		if !pc.registry.Supports(h.DeviceType) {
			pc.srv.metrics.FrameSkipped(h.DeviceType, size)
			pc.logger.Debug().Str("type", h.DeviceType).Msg("ignoring unsupported message")
			continue
		}
		start := time.Now()
		if err := pc.registry.Decode(h, frame.Body); err != nil {
			pc.srv.metrics.DecodeError(pc.srv.config.Protocol, h.DeviceType, size)
			pc.logger.Warn().Err(err).Str("type", h.DeviceType).Msg("decode failed")
			continue
		}
		pc.srv.metrics.FrameReceived(pc.srv.config.Protocol, h.DeviceType, size, time.Since(start))
	}
}

func (pc *peerConn) writeLoop(ctx context.Context) error {
	conf := pc.srv.config.Stream

	tracking := time.NewTicker(conf.TransformInterval)
	defer tracking.Stop()

	var imaging <-chan time.Time
	if conf.ImageInterval > 0 {
		t := time.NewTicker(conf.ImageInterval)
		defer t.Stop()
		imaging = t.C
	}
	probeSent := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-pc.replies:
			if err := pc.write(v); err != nil {
				return err
			}
		case now := <-tracking.C:
			if err := pc.write(pc.gen.transform(now)); err != nil {
				return err
			}
		case now := <-imaging:
			if conf.ProbeStatus && !probeSent {
				if err := pc.write(pc.gen.probe(now)); err != nil {
					return err
				}
				probeSent = true
			}
			if err := pc.write(pc.gen.image(now)); err != nil {
				return err
			}
		}
	}
}

func (pc *peerConn) write(v any) error {
	frame, err := pc.registry.Encode(v)
	if err != nil {
		return err
	}
	if d, ok := pc.stream.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(config.DefaultWriteTimeout))
	}
	if err := protocol.WriteFrame(pc.stream, frame); err != nil {
		return err
	}
	pc.peer.FramesSent.Add(1)
	pc.srv.metrics.FrameSent(frame.Header.DeviceType, protocol.HeaderSize+len(frame.Body))
	return nil
}

// reply queues v for the write loop without blocking the reader.
func (pc *peerConn) reply(v any) {
	select {
	case pc.replies <- v:
	default:
		pc.logger.Warn().Msg("reply queue full, dropping reply")
	}
}

// dialect.Sink; the simulator only reacts to commands.

func (pc *peerConn) String(s *message.String) {
	pc.peer.Commands.Add(1)
	pc.logger.Info().Str("device", s.DeviceName).Str("text", s.Text).Msg("command received")
	pc.reply(&message.Status{
		Meta:    message.Meta{DeviceName: s.DeviceName, Timestamp: time.Now()},
		Code:    message.StatusOK,
		Message: "OK",
	})
}

func (pc *peerConn) Status(s *message.Status) {
	if s.DeviceName == client.QUICHelloDevice {
		return
	}
	pc.logger.Info().Str("device", s.DeviceName).Uint16("code", uint16(s.Code)).Str("message", s.Message).Msg("status received")
}

func (pc *peerConn) Transform(t *message.Transform) {
	pc.logger.Debug().Str("device", t.DeviceName).Msg("transform received")
}

func (pc *peerConn) Image(im *message.Image) {
	pc.logger.Debug().Str("device", im.DeviceName).Ints("dimensions", im.Dimensions[:]).Msg("image received")
}

func (pc *peerConn) Mesh(m *message.Mesh) {
	pc.logger.Debug().Str("device", m.DeviceName).Int("points", len(m.Points)).Msg("mesh received")
}

func (pc *peerConn) RawImage(protocol.Frame)                  {}
func (pc *peerConn) Calibration(*message.Transform)           {}
func (pc *peerConn) ProbeDefinition(*message.ProbeDefinition) {}
func (pc *peerConn) USStatus(*message.USStatus)               {}
