package client

import (
	"errors"
	"fmt"
	"math"

	"github.com/Mmx233/igtlink/protocol"
	"github.com/rs/zerolog"
)

// ErrFraming is returned by Drain when the byte stream cannot be framed any
// further. The connection must be dropped.
var ErrFraming = errors.New("framing error")

// ReaderState is the position of the FrameReader within the current frame.
type ReaderState int

const (
	AwaitingHeader ReaderState = iota
	AwaitingBody
)

func (s ReaderState) String() string {
	if s == AwaitingBody {
		return "awaiting_body"
	}
	return "awaiting_header"
}

// frameHandler consumes complete frames.
type frameHandler interface {
	// supports reports whether frames of deviceType should be decoded.
	supports(deviceType string) bool
	handleFrame(h *protocol.Header, body []byte)
	frameSkipped(h *protocol.Header)
}

// FrameReader splits a byte stream into header/body pairs. It never waits:
// Drain consumes what is buffered and returns, keeping any partial frame for
// the next call.
type FrameReader struct {
	handler     frameHandler
	maxBodySize uint64
	logger      zerolog.Logger

	state     ReaderState
	header    protocol.Header
	skipping  bool
	remaining uint64
	head      [protocol.HeaderSize]byte
}

// NewFrameReader creates a reader in the AwaitingHeader state. A zero
// maxBodySize disables the size guard.
func NewFrameReader(h frameHandler, maxBodySize uint64, logger zerolog.Logger) *FrameReader {
	return &FrameReader{
		handler:     h,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// State returns the current reader state.
func (r *FrameReader) State() ReaderState {
	return r.state
}

// Reset drops any partial frame.
func (r *FrameReader) Reset() {
	r.state = AwaitingHeader
	r.header = protocol.Header{}
	r.skipping = false
	r.remaining = 0
}

// Drain consumes every complete frame available from src and returns the
// number of frames handed to the handler. Skipped frames are not counted.
func (r *FrameReader) Drain(src ByteSource) (int, error) {
	frames := 0
	for {
		switch r.state {
		case AwaitingHeader:
			if src.Buffered() < protocol.HeaderSize {
				return frames, nil
			}
			if n, _ := src.Read(r.head[:]); n != protocol.HeaderSize {
				r.Reset()
				return frames, fmt.Errorf("%w: header read returned %d bytes", ErrFraming, n)
			}
			h, err := protocol.UnpackHeader(r.head[:])
			if err != nil {
				r.Reset()
				return frames, fmt.Errorf("%w: %v", ErrFraming, err)
			}
			if r.maxBodySize > 0 && h.BodySize > r.maxBodySize {
				r.Reset()
				return frames, fmt.Errorf("%w: %s %q declares %d body bytes, limit %d",
					ErrFraming, h.DeviceType, h.DeviceName, h.BodySize, r.maxBodySize)
			}

			r.header = h
			r.state = AwaitingBody
			if !r.handler.supports(h.DeviceType) {
				r.logger.Warn().
					Str("channel", "igtl").
					Str("type", h.DeviceType).
					Str("device", h.DeviceName).
					Uint64("size", h.BodySize).
					Msg("skipping unknown message type")
				r.skipping = true
				r.remaining = h.BodySize
			}

		case AwaitingBody:
			if r.skipping {
				for r.remaining > 0 {
					n := src.Discard(int(min(r.remaining, math.MaxInt32)))
					if n == 0 {
						return frames, nil
					}
					r.remaining -= uint64(n)
				}
				h := r.header
				r.Reset()
				r.handler.frameSkipped(&h)
				continue
			}

			if uint64(src.Buffered()) < r.header.BodySize {
				return frames, nil
			}
			body := make([]byte, r.header.BodySize)
			if n, _ := src.Read(body); n != len(body) {
				r.Reset()
				return frames, fmt.Errorf("%w: body read returned %d of %d bytes", ErrFraming, n, len(body))
			}
			h := r.header
			r.Reset()
			r.handler.handleFrame(&h, body)
			frames++
		}
	}
}
