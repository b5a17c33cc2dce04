package protocol

import (
	"fmt"
	"io"
)

// Wire format: [58 bytes header][body of header.BodySize bytes]

// DefaultMaxBodySize bounds the body a reader is willing to buffer.
const DefaultMaxBodySize = 256 * 1024 * 1024

// Pack serializes the frame into a single contiguous slice.
func (f *Frame) Pack() []byte {
	out := make([]byte, HeaderSize+len(f.Body))
	f.Header.Pack(out)
	copy(out[HeaderSize:], f.Body)
	return out
}

// WriteFrame writes a frame to the writer using buffer pooling to reduce allocations.
func WriteFrame(w io.Writer, f Frame) error {
	buf := GetBufferWithSize(HeaderSize + len(f.Body))
	defer PutBuffer(buf)

	var header [HeaderSize]byte
	f.Header.Pack(header[:])
	buf.Write(header[:])
	buf.Write(f.Body)

	// Single write to the underlying writer
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one complete frame, blocking until it is available.
// It is meant for synchronous peers such as the device simulator; the client
// connection uses its own non-blocking reader.
func ReadFrame(r io.Reader, maxBodySize uint64) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}

	h, err := UnpackHeader(header[:])
	if err != nil {
		return Frame{}, err
	}

	if maxBodySize > 0 && h.BodySize > maxBodySize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodySize)
	}

	body := make([]byte, h.BodySize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read body: %w", err)
	}

	return Frame{Header: h, Body: body}, nil
}
