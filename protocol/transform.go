package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Transform body sizes.
const (
	TransformBodySize     = 48 // 3x4 upper part, column major
	TransformFullBodySize = 64 // complete 4x4, row major
)

// TransformBody is a homogeneous 4x4 matrix indexed [row][col].
type TransformBody struct {
	Matrix [4][4]float64
}

// Pack encodes the upper 3x4 part as R11 R21 R31 R12 R22 R32 R13 R23 R33 TX TY TZ.
func (t *TransformBody) Pack() []byte {
	out := make([]byte, TransformBodySize)
	i := 0
	for col := 0; col < 4; col++ {
		for row := 0; row < 3; row++ {
			putFloat32(out[i*4:], t.Matrix[row][col])
			i++
		}
	}
	return out
}

// UnpackTransform decodes either body layout; the bottom row of the short
// layout is implied as 0 0 0 1.
func UnpackTransform(body []byte) (TransformBody, error) {
	var t TransformBody
	switch len(body) {
	case TransformBodySize:
		i := 0
		for col := 0; col < 4; col++ {
			for row := 0; row < 3; row++ {
				t.Matrix[row][col] = getFloat32(body[i*4:])
				i++
			}
		}
		t.Matrix[3] = [4]float64{0, 0, 0, 1}
	case TransformFullBodySize:
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				t.Matrix[row][col] = getFloat32(body[(row*4+col)*4:])
			}
		}
	default:
		return t, errors.Wrapf(ErrShortBody, "transform body of %d bytes", len(body))
	}
	return t, nil
}

func putFloat32(dst []byte, v float64) {
	binary.BigEndian.PutUint32(dst, math.Float32bits(float32(v)))
}

func getFloat32(src []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(src)))
}

func putFloat64(dst []byte, v float64) {
	binary.BigEndian.PutUint64(dst, math.Float64bits(v))
}

func getFloat64(src []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(src))
}
