package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PolyDataHeaderSize is the size of the count block leading a POLYDATA body.
const PolyDataHeaderSize = 40

// PolyDataBody is the POLYDATA payload. Cells are lists of point indices.
// Point attributes are not carried.
type PolyDataBody struct {
	Points   [][3]float64
	Vertices [][]uint32
	Lines    [][]uint32
	Polygons [][]uint32
	Strips   [][]uint32
}

func cellArraySize(cells [][]uint32) int {
	n := 0
	for _, c := range cells {
		n += 4 * (1 + len(c))
	}
	return n
}

// Pack encodes the counts, points and cell arrays.
func (p *PolyDataBody) Pack() []byte {
	groups := [4][][]uint32{p.Vertices, p.Lines, p.Polygons, p.Strips}
	size := PolyDataHeaderSize + 12*len(p.Points)
	for _, g := range groups {
		size += cellArraySize(g)
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:], uint32(len(p.Points)))
	for i, g := range groups {
		binary.BigEndian.PutUint32(out[4+i*8:], uint32(len(g)))
		binary.BigEndian.PutUint32(out[8+i*8:], uint32(cellArraySize(g)))
	}
	// nattributes stays zero

	off := PolyDataHeaderSize
	for _, pt := range p.Points {
		for _, v := range pt {
			putFloat32(out[off:], v)
			off += 4
		}
	}
	for _, g := range groups {
		for _, c := range g {
			binary.BigEndian.PutUint32(out[off:], uint32(len(c)))
			off += 4
			for _, idx := range c {
				binary.BigEndian.PutUint32(out[off:], idx)
				off += 4
			}
		}
	}
	return out
}

// UnpackPolyData decodes a POLYDATA body. Trailing attribute data is ignored.
func UnpackPolyData(body []byte) (PolyDataBody, error) {
	var p PolyDataBody
	if len(body) < PolyDataHeaderSize {
		return p, errors.Wrapf(ErrShortBody, "polydata body of %d bytes", len(body))
	}
	npoints := int(binary.BigEndian.Uint32(body[0:]))
	var counts, sizes [4]int
	for i := range counts {
		counts[i] = int(binary.BigEndian.Uint32(body[4+i*8:]))
		sizes[i] = int(binary.BigEndian.Uint32(body[8+i*8:]))
	}

	need := PolyDataHeaderSize + 12*npoints
	for _, s := range sizes {
		need += s
	}
	if npoints < 0 || need > len(body) {
		return p, errors.Wrapf(ErrShortBody, "polydata: counts need %d bytes, body has %d", need, len(body))
	}

	off := PolyDataHeaderSize
	if npoints > 0 {
		p.Points = make([][3]float64, npoints)
	}
	for i := range p.Points {
		for j := 0; j < 3; j++ {
			p.Points[i][j] = getFloat32(body[off:])
			off += 4
		}
	}

	groups := [4]*[][]uint32{&p.Vertices, &p.Lines, &p.Polygons, &p.Strips}
	for gi, dst := range groups {
		cells, err := unpackCells(body[off:off+sizes[gi]], counts[gi], npoints)
		if err != nil {
			return p, err
		}
		*dst = cells
		off += sizes[gi]
	}
	return p, nil
}

func unpackCells(src []byte, count, npoints int) ([][]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	// every cell carries at least its 4-byte length
	if count > len(src)/4 {
		return nil, errors.Wrapf(ErrShortBody, "polydata: %d cells in %d bytes", count, len(src))
	}
	cells := make([][]uint32, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+4 > len(src) {
			return nil, errors.Wrap(ErrShortBody, "polydata: truncated cell array")
		}
		n := int(binary.BigEndian.Uint32(src[off:]))
		off += 4
		if off+4*n > len(src) {
			return nil, errors.Wrap(ErrShortBody, "polydata: truncated cell")
		}
		cell := make([]uint32, n)
		for j := range cell {
			cell[j] = binary.BigEndian.Uint32(src[off:])
			if int(cell[j]) >= npoints {
				return nil, errors.Errorf("polydata: point index %d out of range", cell[j])
			}
			off += 4
		}
		cells = append(cells, cell)
	}
	if off != len(src) {
		return nil, errors.Errorf("polydata: cell array declares %d bytes, used %d", len(src), off)
	}
	return cells, nil
}
