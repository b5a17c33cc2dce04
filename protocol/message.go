package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Device type tags understood by the built-in body codecs.
const (
	TypeTransform = "TRANSFORM"
	TypeImage     = "IMAGE"
	TypePolyData  = "POLYDATA"
	TypeStatus    = "STATUS"
	TypeString    = "STRING"
	TypeUSStatus  = "CX_US_ST"
)

// Wire layout: [2 version][12 type][20 name][8 timestamp][8 body size][8 crc]
const (
	HeaderSize     = 58
	HeaderVersion  = 1
	TypeFieldSize  = 12
	NameFieldSize  = 20
	offsetType     = 2
	offsetName     = offsetType + TypeFieldSize
	offsetTime     = offsetName + NameFieldSize
	offsetBodySize = offsetTime + 8
	offsetCRC      = offsetBodySize + 8
)

// Errors returned while unpacking frames.
var (
	ErrShortHeader     = errors.New("short header")
	ErrShortBody       = errors.New("short body")
	ErrCRCMismatch     = errors.New("crc mismatch")
	ErrUnsupportedType = errors.New("unsupported device type")
	ErrBodyTooLarge    = errors.New("body too large")
)

// Header is the fixed-size block leading every frame.
type Header struct {
	Version    uint16
	DeviceType string
	DeviceName string
	Timestamp  uint64 // seconds in the upper 32 bits, fraction of a second in the lower 32
	BodySize   uint64
	CRC        uint64
}

// Frame is one header and its body as delivered on the wire.
type Frame struct {
	Header Header
	Body   []byte
}

// Pack writes the header into dst, which must hold at least HeaderSize bytes.
func (h *Header) Pack(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint16(dst, h.Version)
	putFixedString(dst[offsetType:offsetName], h.DeviceType)
	putFixedString(dst[offsetName:offsetTime], h.DeviceName)
	binary.BigEndian.PutUint64(dst[offsetTime:], h.Timestamp)
	binary.BigEndian.PutUint64(dst[offsetBodySize:], h.BodySize)
	binary.BigEndian.PutUint64(dst[offsetCRC:], h.CRC)
}

// UnpackHeader parses the leading HeaderSize bytes of src.
func UnpackHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortHeader, "got %d bytes", len(src))
	}
	return Header{
		Version:    binary.BigEndian.Uint16(src),
		DeviceType: fixedString(src[offsetType:offsetName]),
		DeviceName: fixedString(src[offsetName:offsetTime]),
		Timestamp:  binary.BigEndian.Uint64(src[offsetTime:]),
		BodySize:   binary.BigEndian.Uint64(src[offsetBodySize:]),
		CRC:        binary.BigEndian.Uint64(src[offsetCRC:]),
	}, nil
}

// Time converts the fixed point timestamp to a time.Time.
// A zero timestamp yields the zero time.
func (h *Header) Time() time.Time {
	return TimeFromTimestamp(h.Timestamp)
}

// TimestampFromTime encodes t as 32.32 fixed point seconds since the Unix epoch.
func TimestampFromTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	sec := uint64(t.Unix())
	frac := uint64(math.Round(float64(t.Nanosecond()) * (1 << 32) / 1e9))
	if frac > math.MaxUint32 {
		frac = math.MaxUint32
	}
	return sec<<32 | frac
}

// TimeFromTimestamp is the inverse of TimestampFromTime.
func TimeFromTimestamp(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts >> 32)
	nsec := int64(math.Round(float64(ts&math.MaxUint32) * 1e9 / (1 << 32)))
	return time.Unix(sec, nsec)
}

// NewFrame builds a frame around body, filling in size and checksum.
func NewFrame(deviceType, deviceName string, ts time.Time, body []byte) Frame {
	return Frame{
		Header: Header{
			Version:    HeaderVersion,
			DeviceType: deviceType,
			DeviceName: deviceName,
			Timestamp:  TimestampFromTime(ts),
			BodySize:   uint64(len(body)),
			CRC:        CRC64(body),
		},
		Body: body,
	}
}

// VerifyBody checks the body length and, when checkCRC is set, its checksum.
func VerifyBody(h *Header, body []byte, checkCRC bool) error {
	if uint64(len(body)) != h.BodySize {
		return errors.Wrapf(ErrShortBody, "%s: declared %d bytes, got %d", h.DeviceType, h.BodySize, len(body))
	}
	if checkCRC {
		if sum := CRC64(body); sum != h.CRC {
			return errors.Wrapf(ErrCRCMismatch, "%s %q: header %016x, body %016x", h.DeviceType, h.DeviceName, h.CRC, sum)
		}
	}
	return nil
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

func fixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}
