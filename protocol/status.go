package protocol

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Status codes carried in STATUS bodies.
const (
	StatusInvalid        uint16 = 0
	StatusOK             uint16 = 1
	StatusUnknownError   uint16 = 2
	StatusPanic          uint16 = 3
	StatusNotFound       uint16 = 4
	StatusAccessDenied   uint16 = 5
	StatusBusy           uint16 = 6
	StatusTimeout        uint16 = 7
	StatusOverflow       uint16 = 8
	StatusChecksumError  uint16 = 9
	StatusConfigError    uint16 = 10
	StatusResourceError  uint16 = 11
	StatusIllegalCommand uint16 = 12
	StatusNotReady       uint16 = 13
	StatusManualMode     uint16 = 14
	StatusDisabled       uint16 = 15
	StatusNotPresent     uint16 = 16
	StatusUnknownVersion uint16 = 17
	StatusHardwareFault  uint16 = 18
	StatusShutdown       uint16 = 19
)

const (
	statusFixedSize    = 30 // code, subcode, error name
	statusErrorNameLen = 20
	stringFixedSize    = 4
	usStatusFormatLen  = 20

	// USStatusBodySize is the size of a CX_US_ST body.
	USStatusBodySize = 4 + 3*8 + 3*8 + usStatusFormatLen
)

// String encodings (IANA MIBenum).
const (
	EncodingASCII uint16 = 3
	EncodingUTF8  uint16 = 106
)

// StatusBody is the STATUS payload.
type StatusBody struct {
	Code      uint16
	Subcode   int64
	ErrorName string
	Message   string
}

// Pack encodes the status; the message is NUL terminated.
func (s *StatusBody) Pack() []byte {
	out := make([]byte, statusFixedSize+len(s.Message)+1)
	binary.BigEndian.PutUint16(out[0:], s.Code)
	binary.BigEndian.PutUint64(out[2:], uint64(s.Subcode))
	putFixedString(out[10:statusFixedSize], s.ErrorName)
	copy(out[statusFixedSize:], s.Message)
	return out
}

// UnpackStatus decodes a STATUS body. A missing terminator is tolerated.
func UnpackStatus(body []byte) (StatusBody, error) {
	var s StatusBody
	if len(body) < statusFixedSize {
		return s, errors.Wrapf(ErrShortBody, "status body of %d bytes", len(body))
	}
	s.Code = binary.BigEndian.Uint16(body[0:])
	s.Subcode = int64(binary.BigEndian.Uint64(body[2:]))
	s.ErrorName = fixedString(body[10:statusFixedSize])
	s.Message = fixedString(body[statusFixedSize:])
	return s, nil
}

// StringBody is the STRING payload.
type StringBody struct {
	Encoding uint16
	Value    string
}

// Pack encodes the string with its length prefix. Values longer than 65535
// bytes are truncated.
func (s *StringBody) Pack() []byte {
	value := s.Value
	if len(value) > math.MaxUint16 {
		value = value[:math.MaxUint16]
	}
	out := make([]byte, stringFixedSize+len(value))
	binary.BigEndian.PutUint16(out[0:], s.Encoding)
	binary.BigEndian.PutUint16(out[2:], uint16(len(value)))
	copy(out[stringFixedSize:], value)
	return out
}

// UnpackString decodes a STRING body.
func UnpackString(body []byte) (StringBody, error) {
	var s StringBody
	if len(body) < stringFixedSize {
		return s, errors.Wrapf(ErrShortBody, "string body of %d bytes", len(body))
	}
	s.Encoding = binary.BigEndian.Uint16(body[0:])
	n := int(binary.BigEndian.Uint16(body[2:]))
	if stringFixedSize+n > len(body) {
		return s, errors.Wrapf(ErrShortBody, "string declares %d bytes, body has %d", n, len(body)-stringFixedSize)
	}
	s.Value = string(body[stringFixedSize : stringFixedSize+n])
	return s, nil
}

// USStatusBody is the ultrasound probe status sent alongside image streams.
type USStatusBody struct {
	ProbeType  int32
	Origin     [3]float64
	DepthStart float64
	DepthEnd   float64
	Width      float64
	DataFormat string
}

// Pack encodes the probe status.
func (u *USStatusBody) Pack() []byte {
	out := make([]byte, USStatusBodySize)
	binary.BigEndian.PutUint32(out[0:], uint32(u.ProbeType))
	off := 4
	for _, v := range []float64{u.Origin[0], u.Origin[1], u.Origin[2], u.DepthStart, u.DepthEnd, u.Width} {
		putFloat64(out[off:], v)
		off += 8
	}
	putFixedString(out[off:], u.DataFormat)
	return out
}

// UnpackUSStatus decodes a CX_US_ST body.
func UnpackUSStatus(body []byte) (USStatusBody, error) {
	var u USStatusBody
	if len(body) != USStatusBodySize {
		return u, errors.Wrapf(ErrShortBody, "us status body of %d bytes", len(body))
	}
	u.ProbeType = int32(binary.BigEndian.Uint32(body[0:]))
	off := 4
	vals := make([]float64, 6)
	for i := range vals {
		vals[i] = getFloat64(body[off:])
		off += 8
	}
	u.Origin = [3]float64{vals[0], vals[1], vals[2]}
	u.DepthStart, u.DepthEnd, u.Width = vals[3], vals[4], vals[5]
	u.DataFormat = string(bytes.TrimRight(body[off:], "\x00"))
	return u, nil
}
