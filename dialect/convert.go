package dialect

import (
	"fmt"
	"math"

	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
)

// LPS and RAS differ by the sign of the x and y axes.
var axisFlip = [4]float64{-1, -1, 1, 1}

func flipMatrix(m message.Matrix4) message.Matrix4 {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[r][c] *= axisFlip[r] * axisFlip[c]
		}
	}
	return m
}

func flipPoint(p [3]float64) [3]float64 {
	return [3]float64{-p[0], -p[1], p[2]}
}

var scalarToWire = map[message.ScalarType]uint8{
	message.Int8:    protocol.ScalarInt8,
	message.Uint8:   protocol.ScalarUint8,
	message.Int16:   protocol.ScalarInt16,
	message.Uint16:  protocol.ScalarUint16,
	message.Int32:   protocol.ScalarInt32,
	message.Uint32:  protocol.ScalarUint32,
	message.Float32: protocol.ScalarFloat32,
	message.Float64: protocol.ScalarFloat64,
}

var scalarFromWire = func() map[uint8]message.ScalarType {
	m := make(map[uint8]message.ScalarType, len(scalarToWire))
	for k, v := range scalarToWire {
		m[v] = k
	}
	return m
}()

func transformToBody(t *message.Transform, cs CoordinateSystem) protocol.TransformBody {
	m := t.Matrix
	if cs == RAS {
		m = flipMatrix(m)
	}
	return protocol.TransformBody{Matrix: m}
}

func transformFromBody(meta message.Meta, b protocol.TransformBody, cs CoordinateSystem) *message.Transform {
	m := message.Matrix4(b.Matrix)
	if cs == RAS {
		m = flipMatrix(m)
	}
	return &message.Transform{Meta: meta, Matrix: m}
}

func imageToBody(im *message.Image, cs CoordinateSystem) (protocol.ImageBody, error) {
	var b protocol.ImageBody
	scalar, ok := scalarToWire[im.Scalar]
	if !ok {
		return b, fmt.Errorf("image %q: unsupported scalar type %v", im.DeviceName, im.Scalar)
	}
	if im.Components <= 0 || im.Components > math.MaxUint8 {
		return b, fmt.Errorf("image %q: invalid component count %d", im.DeviceName, im.Components)
	}
	for i, d := range im.Dimensions {
		if d <= 0 || d > math.MaxUint16 {
			return b, fmt.Errorf("image %q: dimension %d out of range: %d", im.DeviceName, i, d)
		}
	}
	if len(im.Data) != im.DataSize() {
		return b, fmt.Errorf("image %q: %d data bytes, geometry needs %d", im.DeviceName, len(im.Data), im.DataSize())
	}

	b.Version = 1
	b.Components = uint8(im.Components)
	b.ScalarType = scalar
	b.Endian = protocol.EndianLittle
	if im.BigEndian {
		b.Endian = protocol.EndianBig
	}
	b.Coordinate = protocol.CoordLPS
	if cs == RAS {
		b.Coordinate = protocol.CoordRAS
	}

	center := im.Origin
	for i := 0; i < 3; i++ {
		b.Size[i] = uint16(im.Dimensions[i])
		b.SubvolSize[i] = b.Size[i]
		half := im.Spacing[i] * float64(im.Dimensions[i]-1) / 2
		for row := 0; row < 3; row++ {
			b.Matrix[row][i] = im.Direction[row][i] * im.Spacing[i]
			center[row] += im.Direction[row][i] * half
		}
	}
	for row := 0; row < 3; row++ {
		b.Matrix[row][3] = center[row]
	}
	if cs == RAS {
		for col := 0; col < 4; col++ {
			b.Matrix[0][col] = -b.Matrix[0][col]
			b.Matrix[1][col] = -b.Matrix[1][col]
		}
	}
	b.Data = im.Data
	return b, nil
}

func imageFromBody(meta message.Meta, b protocol.ImageBody, fallback CoordinateSystem) *message.Image {
	cs := fallback
	switch b.Coordinate {
	case protocol.CoordRAS:
		cs = RAS
	case protocol.CoordLPS:
		cs = LPS
	}
	m := b.Matrix
	if cs == RAS {
		for col := 0; col < 4; col++ {
			m[0][col] = -m[0][col]
			m[1][col] = -m[1][col]
		}
	}

	im := &message.Image{
		Meta:       meta,
		Scalar:     scalarFromWire[b.ScalarType],
		Components: int(b.Components),
		BigEndian:  b.Endian == protocol.EndianBig,
		Data:       b.Data,
	}
	origin := [3]float64{m[0][3], m[1][3], m[2][3]}
	for i := 0; i < 3; i++ {
		col := [3]float64{m[0][i], m[1][i], m[2][i]}
		norm := math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
		if norm == 0 {
			norm = 1
			col = [3]float64{}
			col[i] = 1
		}
		im.Spacing[i] = norm
		im.Dimensions[i] = int(b.SubvolSize[i])
		// origin of the full volume from its center, then shifted to the sub-volume
		shift := norm * (float64(b.SubvolOffset[i]) - float64(int(b.Size[i])-1)/2)
		for row := 0; row < 3; row++ {
			im.Direction[row][i] = col[row] / norm
			origin[row] += col[row] / norm * shift
		}
	}
	im.Origin = origin
	return im
}

func meshToBody(m *message.Mesh, cs CoordinateSystem) protocol.PolyDataBody {
	b := protocol.PolyDataBody{
		Points:   m.Points,
		Vertices: m.Vertices,
		Lines:    m.Lines,
		Polygons: m.Polygons,
		Strips:   m.Strips,
	}
	if cs == RAS && len(m.Points) > 0 {
		b.Points = make([][3]float64, len(m.Points))
		for i, p := range m.Points {
			b.Points[i] = flipPoint(p)
		}
	}
	return b
}

func meshFromBody(meta message.Meta, b protocol.PolyDataBody, cs CoordinateSystem) *message.Mesh {
	if cs == RAS {
		for i, p := range b.Points {
			b.Points[i] = flipPoint(p)
		}
	}
	return &message.Mesh{
		Meta:     meta,
		Points:   b.Points,
		Vertices: b.Vertices,
		Lines:    b.Lines,
		Polygons: b.Polygons,
		Strips:   b.Strips,
	}
}

func usStatusFromBody(meta message.Meta, b protocol.USStatusBody) *message.USStatus {
	return &message.USStatus{
		Meta:       meta,
		ProbeType:  message.ProbeType(b.ProbeType),
		Origin:     b.Origin,
		DepthStart: b.DepthStart,
		DepthEnd:   b.DepthEnd,
		Width:      b.Width,
		DataFormat: b.DataFormat,
	}
}

func usStatusToBody(u *message.USStatus) protocol.USStatusBody {
	return protocol.USStatusBody{
		ProbeType:  int32(u.ProbeType),
		Origin:     u.Origin,
		DepthStart: u.DepthStart,
		DepthEnd:   u.DepthEnd,
		Width:      u.Width,
		DataFormat: u.DataFormat,
	}
}
