package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ImageHeaderSize is the fixed part of an IMAGE body preceding the scalars.
const ImageHeaderSize = 72

// Scalar types of image pixels.
const (
	ScalarInt8    uint8 = 2
	ScalarUint8   uint8 = 3
	ScalarInt16   uint8 = 4
	ScalarUint16  uint8 = 5
	ScalarInt32   uint8 = 6
	ScalarUint32  uint8 = 7
	ScalarFloat32 uint8 = 10
	ScalarFloat64 uint8 = 11
)

// Byte order of image scalars.
const (
	EndianBig    uint8 = 1
	EndianLittle uint8 = 2
)

// Coordinate systems of the image matrix.
const (
	CoordRAS uint8 = 1
	CoordLPS uint8 = 2
)

// ScalarSize returns the byte width of a scalar type, or 0 if unknown.
func ScalarSize(scalarType uint8) int {
	switch scalarType {
	case ScalarInt8, ScalarUint8:
		return 1
	case ScalarInt16, ScalarUint16:
		return 2
	case ScalarInt32, ScalarUint32, ScalarFloat32:
		return 4
	case ScalarFloat64:
		return 8
	default:
		return 0
	}
}

// ImageBody is the IMAGE payload.
//
// Matrix holds, per column, the i/j/k axis vectors scaled by spacing and, in the
// last column, the position of the image center: [row][col] with row = x/y/z.
type ImageBody struct {
	Version      uint16
	Components   uint8
	ScalarType   uint8
	Endian       uint8
	Coordinate   uint8
	Size         [3]uint16
	Matrix       [3][4]float64
	SubvolOffset [3]uint16
	SubvolSize   [3]uint16
	Data         []byte
}

// DataSize is the number of scalar bytes implied by the sub-volume.
func (b *ImageBody) DataSize() int {
	return int(b.SubvolSize[0]) * int(b.SubvolSize[1]) * int(b.SubvolSize[2]) *
		int(b.Components) * ScalarSize(b.ScalarType)
}

// Pack encodes the image header followed by the scalar data.
func (b *ImageBody) Pack() []byte {
	out := make([]byte, ImageHeaderSize+len(b.Data))
	binary.BigEndian.PutUint16(out[0:], b.Version)
	out[2] = b.Components
	out[3] = b.ScalarType
	out[4] = b.Endian
	out[5] = b.Coordinate
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(out[6+i*2:], b.Size[i])
	}
	off := 12
	for col := 0; col < 4; col++ {
		for row := 0; row < 3; row++ {
			putFloat32(out[off:], b.Matrix[row][col])
			off += 4
		}
	}
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(out[60+i*2:], b.SubvolOffset[i])
		binary.BigEndian.PutUint16(out[66+i*2:], b.SubvolSize[i])
	}
	copy(out[ImageHeaderSize:], b.Data)
	return out
}

// UnpackImage decodes an IMAGE body. The data slice aliases body.
func UnpackImage(body []byte) (ImageBody, error) {
	var b ImageBody
	if len(body) < ImageHeaderSize {
		return b, errors.Wrapf(ErrShortBody, "image body of %d bytes", len(body))
	}
	b.Version = binary.BigEndian.Uint16(body[0:])
	b.Components = body[2]
	b.ScalarType = body[3]
	b.Endian = body[4]
	b.Coordinate = body[5]
	for i := 0; i < 3; i++ {
		b.Size[i] = binary.BigEndian.Uint16(body[6+i*2:])
	}
	off := 12
	for col := 0; col < 4; col++ {
		for row := 0; row < 3; row++ {
			b.Matrix[row][col] = getFloat32(body[off:])
			off += 4
		}
	}
	for i := 0; i < 3; i++ {
		b.SubvolOffset[i] = binary.BigEndian.Uint16(body[60+i*2:])
		b.SubvolSize[i] = binary.BigEndian.Uint16(body[66+i*2:])
	}

	if ScalarSize(b.ScalarType) == 0 {
		return b, errors.Errorf("image: unknown scalar type %d", b.ScalarType)
	}
	want := b.DataSize()
	if len(body)-ImageHeaderSize != want {
		return b, errors.Wrapf(ErrShortBody, "image: %d scalar bytes, sub-volume needs %d", len(body)-ImageHeaderSize, want)
	}
	b.Data = body[ImageHeaderSize:]
	return b, nil
}
