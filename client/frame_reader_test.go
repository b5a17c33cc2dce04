package client

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mmx233/igtlink/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordedFrame struct {
	header protocol.Header
	body   []byte
}

type recordingHandler struct {
	known   map[string]bool
	frames  []recordedFrame
	skipped []protocol.Header
}

func newRecordingHandler(known ...string) *recordingHandler {
	h := &recordingHandler{known: make(map[string]bool)}
	for _, k := range known {
		h.known[k] = true
	}
	return h
}

func (h *recordingHandler) supports(deviceType string) bool {
	return h.known[strings.ToUpper(deviceType)]
}

func (h *recordingHandler) handleFrame(hdr *protocol.Header, body []byte) {
	h.frames = append(h.frames, recordedFrame{header: *hdr, body: body})
}

func (h *recordingHandler) frameSkipped(hdr *protocol.Header) {
	h.skipped = append(h.skipped, *hdr)
}

func packFrame(deviceType, deviceName string, body []byte) []byte {
	f := protocol.NewFrame(deviceType, deviceName, time.Unix(1700000000, 0), body)
	return f.Pack()
}

// feed delivers data in chunks of the given sizes, draining after each one.
func feed(t require.TestingT, r *FrameReader, data []byte, chunks []int) int {
	var src streamBuffer
	total := 0
	for len(data) > 0 {
		n := len(data)
		if len(chunks) > 0 {
			n = min(chunks[0], len(data))
			chunks = chunks[1:]
		}
		src.append(data[:n])
		data = data[n:]
		frames, err := r.Drain(&src)
		require.NoError(t, err)
		total += frames
	}
	return total
}

func TestFrameReader_SingleFrame(t *testing.T) {
	h := newRecordingHandler(protocol.TypeString)
	r := NewFrameReader(h, 0, zerolog.Nop())
	body := (&protocol.StringBody{Encoding: protocol.EncodingUTF8, Value: "hello"}).Pack()

	n := feed(t, r, packFrame(protocol.TypeString, "CMD", body), nil)

	assert.Equal(t, 1, n)
	require.Len(t, h.frames, 1)
	assert.Equal(t, "CMD", h.frames[0].header.DeviceName)
	assert.Equal(t, body, h.frames[0].body)
	assert.Equal(t, AwaitingHeader, r.State())
}

func TestFrameReader_PartialHeaderDoesNotAdvance(t *testing.T) {
	h := newRecordingHandler(protocol.TypeString)
	r := NewFrameReader(h, 0, zerolog.Nop())
	data := packFrame(protocol.TypeString, "CMD", []byte{0, 3, 0, 1, 'x'})

	var src streamBuffer
	src.append(data[:protocol.HeaderSize-1])
	n, err := r.Drain(&src)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, AwaitingHeader, r.State())
	assert.Equal(t, protocol.HeaderSize-1, src.Buffered())

	src.append(data[protocol.HeaderSize-1 : protocol.HeaderSize+2])
	n, err = r.Drain(&src)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, AwaitingBody, r.State())
	assert.Equal(t, 2, src.Buffered())

	src.append(data[protocol.HeaderSize+2:])
	n, err = r.Drain(&src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, AwaitingHeader, r.State())
}

func TestFrameReader_EmptyBody(t *testing.T) {
	h := newRecordingHandler("PING")
	r := NewFrameReader(h, 0, zerolog.Nop())

	n := feed(t, r, packFrame("PING", "dev", nil), nil)

	assert.Equal(t, 1, n)
	require.Len(t, h.frames, 1)
	assert.Empty(t, h.frames[0].body)
}

// Feature: frame-reader, Property 1: Chunking Independence
// Splitting a stream of frames at arbitrary points yields the same frames as
// delivering it at once.
func TestFrameReader_ChunkingIndependence_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 5).Draw(t, "frames")
		var stream []byte
		var bodies [][]byte
		for i := 0; i < count; i++ {
			body := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "body")
			bodies = append(bodies, body)
			stream = append(stream, packFrame(protocol.TypeImage, "probe", body)...)
		}
		chunks := rapid.SliceOfN(rapid.IntRange(1, 80), 0, 200).Draw(t, "chunks")

		whole := newRecordingHandler(protocol.TypeImage)
		feed(t, NewFrameReader(whole, 0, zerolog.Nop()), stream, nil)

		split := newRecordingHandler(protocol.TypeImage)
		feed(t, NewFrameReader(split, 0, zerolog.Nop()), stream, chunks)

		if len(whole.frames) != count || len(split.frames) != count {
			t.Fatalf("expected %d frames, got %d whole and %d split", count, len(whole.frames), len(split.frames))
		}
		for i := range bodies {
			if !bytes.Equal(split.frames[i].body, bodies[i]) || split.frames[i].header != whole.frames[i].header {
				t.Fatalf("frame %d differs between chunked and whole delivery", i)
			}
		}
	})
}

func TestFrameReader_OneByteAtATime(t *testing.T) {
	h := newRecordingHandler(protocol.TypeTransform)
	r := NewFrameReader(h, 0, zerolog.Nop())
	body := make([]byte, protocol.TransformBodySize)
	data := append(packFrame(protocol.TypeTransform, "Tool", body), packFrame(protocol.TypeTransform, "Tool2", body)...)

	chunks := make([]int, len(data))
	for i := range chunks {
		chunks[i] = 1
	}

	assert.Equal(t, 2, feed(t, r, data, chunks))
	require.Len(t, h.frames, 2)
	assert.Equal(t, "Tool2", h.frames[1].header.DeviceName)
}

func TestFrameReader_UnknownTypeSkipped(t *testing.T) {
	h := newRecordingHandler(protocol.TypeString)
	r := NewFrameReader(h, 0, zerolog.Nop())

	unknown := bytes.Repeat([]byte{0xAB}, 37)
	known := (&protocol.StringBody{Encoding: protocol.EncodingUTF8, Value: "after"}).Pack()
	data := append(packFrame("VENDORX", "dev", unknown), packFrame(protocol.TypeString, "dev", known)...)

	// split inside the skipped body to exercise progressive discarding
	n := feed(t, r, data, []int{protocol.HeaderSize + 10, 10, 5})

	assert.Equal(t, 1, n)
	require.Len(t, h.skipped, 1)
	assert.Equal(t, "VENDORX", h.skipped[0].DeviceType)
	assert.EqualValues(t, 37, h.skipped[0].BodySize)
	require.Len(t, h.frames, 1)
	assert.Equal(t, known, h.frames[0].body)
}

func TestFrameReader_BodyTooLarge(t *testing.T) {
	h := newRecordingHandler(protocol.TypeImage)
	r := NewFrameReader(h, 16, zerolog.Nop())

	var src streamBuffer
	src.append(packFrame(protocol.TypeImage, "big", make([]byte, 17)))

	_, err := r.Drain(&src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFraming))
	assert.Equal(t, AwaitingHeader, r.State())
	assert.Empty(t, h.frames)
}

func TestFrameReader_ResetDropsPartialFrame(t *testing.T) {
	h := newRecordingHandler(protocol.TypeString)
	r := NewFrameReader(h, 0, zerolog.Nop())
	data := packFrame(protocol.TypeString, "dev", []byte{0, 3, 0, 2, 'h', 'i'})

	var src streamBuffer
	src.append(data[:protocol.HeaderSize+1])
	_, err := r.Drain(&src)
	require.NoError(t, err)
	require.Equal(t, AwaitingBody, r.State())

	// the transport discards its buffer on disconnect
	src.reset()
	r.Reset()
	assert.Equal(t, AwaitingHeader, r.State())

	src.append(data)
	n, err := r.Drain(&src)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.frames, 1)
}
