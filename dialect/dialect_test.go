package dialect

import (
	"testing"
	"time"

	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Sink keeping everything it receives.
type recorder struct {
	images       []*message.Image
	rawImages    []protocol.Frame
	meshes       []*message.Mesh
	transforms   []*message.Transform
	calibrations []*message.Transform
	probes       []*message.ProbeDefinition
	usStatus     []*message.USStatus
	status       []*message.Status
	strings      []*message.String
}

func (r *recorder) Image(im *message.Image)          { r.images = append(r.images, im) }
func (r *recorder) RawImage(f protocol.Frame)        { r.rawImages = append(r.rawImages, f) }
func (r *recorder) Mesh(m *message.Mesh)             { r.meshes = append(r.meshes, m) }
func (r *recorder) Transform(t *message.Transform)   { r.transforms = append(r.transforms, t) }
func (r *recorder) Calibration(t *message.Transform) { r.calibrations = append(r.calibrations, t) }
func (r *recorder) ProbeDefinition(p *message.ProbeDefinition) {
	r.probes = append(r.probes, p)
}
func (r *recorder) USStatus(u *message.USStatus) { r.usStatus = append(r.usStatus, u) }
func (r *recorder) Status(s *message.Status)     { r.status = append(r.status, s) }
func (r *recorder) String(s *message.String)     { r.strings = append(r.strings, s) }

var testTime = time.Unix(1700000000, 250000000)

func attach(d Dialect) *recorder {
	r := &recorder{}
	d.Attach(r)
	return r
}

// roundTrip encodes v with enc and decodes the frame with dec.
func roundTrip(t *testing.T, enc, dec Dialect, v any) {
	t.Helper()
	f, err := enc.Encode(v)
	require.NoError(t, err)
	require.NoError(t, dec.Decode(&f.Header, f.Body))
}

func testImage(name string) *message.Image {
	return &message.Image{
		Meta:       message.Meta{DeviceName: name, Timestamp: testTime},
		Dimensions: [3]int{3, 3, 1},
		Spacing:    [3]float64{0.5, 0.5, 1},
		Origin:     [3]float64{1, 2, 3},
		Direction:  message.AxisAligned(),
		Scalar:     message.Uint8,
		Components: 1,
		Data:       []byte{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
}

func translation(x, y, z float64) message.Matrix4 {
	m := message.Identity()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

func TestOpenIGTLink_TransformRoundTrip(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	in := &message.Transform{
		Meta:   message.Meta{DeviceName: "Stylus", Timestamp: testTime},
		Matrix: message.Identity(),
	}
	roundTrip(t, d, d, in)

	require.Len(t, r.transforms, 1)
	assert.Equal(t, in.Matrix, r.transforms[0].Matrix)
	assert.Equal(t, "Stylus", r.transforms[0].DeviceName)
	assert.True(t, testTime.Equal(r.transforms[0].Timestamp))
}

func TestOpenIGTLink_FullTransformBody(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	body := make([]byte, protocol.TransformFullBodySize)
	// 16 floats, row major, identity
	for i := 0; i < 4; i++ {
		copy(body[(i*4+i)*4:], []byte{0x3f, 0x80, 0, 0})
	}
	f := protocol.NewFrame(protocol.TypeTransform, "Tracker", testTime, body)

	require.NoError(t, d.Decode(&f.Header, f.Body))
	require.Len(t, r.transforms, 1)
	assert.Equal(t, message.Identity(), r.transforms[0].Matrix)
	assert.Equal(t, "Tracker", r.transforms[0].DeviceName)
	assert.True(t, testTime.Equal(r.transforms[0].Timestamp))
}

func TestOpenIGTLink_ImageRoundTrip(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	in := testImage("US")
	roundTrip(t, d, d, in)

	require.Len(t, r.images, 1)
	got := r.images[0]
	assert.Equal(t, in.Dimensions, got.Dimensions)
	assert.Equal(t, in.Spacing, got.Spacing)
	assert.Equal(t, in.Origin, got.Origin)
	assert.Equal(t, in.Direction, got.Direction)
	assert.Equal(t, in.Scalar, got.Scalar)
	assert.Equal(t, in.Data, got.Data)
	require.Len(t, r.rawImages, 1)
	assert.Equal(t, protocol.TypeImage, r.rawImages[0].Header.DeviceType)
}

func TestOpenIGTLink_ImageCenterOnWire(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	f, err := d.Encode(testImage("US"))
	require.NoError(t, err)

	b, err := protocol.UnpackImage(f.Body)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1.5, 2.5, 3}, [3]float64{b.Matrix[0][3], b.Matrix[1][3], b.Matrix[2][3]})
	assert.Equal(t, protocol.CoordLPS, b.Coordinate)
}

func TestOpenIGTLink_ImageValidation(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())

	im := testImage("US")
	im.Data = im.Data[:4]
	_, err := d.Encode(im)
	assert.Error(t, err)

	im = testImage("US")
	im.Dimensions[2] = 0
	_, err = d.Encode(im)
	assert.Error(t, err)
}

func TestOpenIGTLink_EmptyMesh(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	roundTrip(t, d, d, &message.Mesh{Meta: message.Meta{DeviceName: "Surface"}})

	require.Len(t, r.meshes, 1)
	assert.Empty(t, r.meshes[0].Points)
	assert.Empty(t, r.meshes[0].Polygons)
}

func TestOpenIGTLink_StatusAndString(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	roundTrip(t, d, d, &message.Status{Code: message.StatusOK, Message: "ready"})
	roundTrip(t, d, d, &message.String{Text: "<Reply/>"})

	require.Len(t, r.status, 1)
	assert.True(t, r.status[0].OK())
	assert.Equal(t, "ready", r.status[0].Message)
	require.Len(t, r.strings, 1)
	assert.Equal(t, "<Reply/>", r.strings[0].Text)
	assert.Equal(t, protocol.EncodingUTF8, r.strings[0].Encoding)
}

func TestDecode_UnsupportedType(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	attach(d)

	assert.False(t, d.Supports("TDATA"))
	assert.True(t, d.Supports("transform"))

	f := protocol.NewFrame("TDATA", "Tracker", testTime, []byte{1, 2})
	assert.ErrorIs(t, d.Decode(&f.Header, f.Body), protocol.ErrUnsupportedType)
}

func TestEncode_UnsupportedValue(t *testing.T) {
	_, err := NewOpenIGTLink(DefaultOptions()).Encode(42)
	assert.Error(t, err)
}

func TestRAS_FlipsTranslation(t *testing.T) {
	ras := NewRAS(DefaultOptions())
	lps := NewOpenIGTLink(DefaultOptions())
	rr := attach(ras)
	lr := attach(lps)

	in := &message.Transform{Meta: message.Meta{DeviceName: "Tool"}, Matrix: translation(1, 2, 3)}
	roundTrip(t, ras, ras, in)
	roundTrip(t, ras, lps, in)

	require.Len(t, rr.transforms, 1)
	assert.Equal(t, in.Matrix, rr.transforms[0].Matrix)
	require.Len(t, lr.transforms, 1)
	assert.Equal(t, translation(-1, -2, 3), lr.transforms[0].Matrix)
}

func TestRAS_ImageCoordinateFieldHonored(t *testing.T) {
	ras := NewRAS(DefaultOptions())
	lps := NewOpenIGTLink(DefaultOptions())
	r := attach(lps)

	in := testImage("US")
	roundTrip(t, ras, lps, in)

	require.Len(t, r.images, 1)
	assert.Equal(t, in.Origin, r.images[0].Origin)
	assert.Equal(t, in.Direction, r.images[0].Direction)
}

func TestRAS_MeshPoints(t *testing.T) {
	ras := NewRAS(DefaultOptions())
	lps := NewOpenIGTLink(DefaultOptions())
	r := attach(lps)

	in := &message.Mesh{
		Points:   [][3]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		Polygons: [][]uint32{{0, 1, 2}},
	}
	roundTrip(t, ras, lps, in)

	require.Len(t, r.meshes, 1)
	assert.Equal(t, [][3]float64{{-1, -2, 3}, {-4, -5, 6}, {-7, -8, 9}}, r.meshes[0].Points)
	assert.Equal(t, [3]float64{1, 2, 3}, in.Points[0], "encoding must not modify the input")
}

func TestCRC_SonixImagesUnchecked(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)

	f, err := d.Encode(testImage("SonixTouch"))
	require.NoError(t, err)
	f.Header.CRC = 0
	require.NoError(t, d.Decode(&f.Header, f.Body))
	assert.Len(t, r.images, 1)

	f, err = d.Encode(testImage("Other"))
	require.NoError(t, err)
	f.Header.CRC = 0
	assert.ErrorIs(t, d.Decode(&f.Header, f.Body), protocol.ErrCRCMismatch)

	// the name exception only covers images
	f, err = d.Encode(&message.Transform{Meta: message.Meta{DeviceName: "SonixTracker"}, Matrix: message.Identity()})
	require.NoError(t, err)
	f.Header.CRC = 0
	assert.ErrorIs(t, d.Decode(&f.Header, f.Body), protocol.ErrCRCMismatch)
}

func TestCRC_Disabled(t *testing.T) {
	d := NewOpenIGTLink(Options{CheckCRC: false})
	r := attach(d)

	f, err := d.Encode(&message.Transform{Matrix: message.Identity()})
	require.NoError(t, err)
	f.Header.CRC = 12345
	require.NoError(t, d.Decode(&f.Header, f.Body))
	assert.Len(t, r.transforms, 1)
}

func TestDetachedDialectEmitsNothing(t *testing.T) {
	d := NewOpenIGTLink(DefaultOptions())
	r := attach(d)
	d.Attach(nil)

	roundTrip(t, d, d, &message.Transform{Matrix: message.Identity()})
	assert.Empty(t, r.transforms)
}

func TestBuiltin(t *testing.T) {
	ds := Builtin(map[string]Options{NameRAS: {CheckCRC: false}})
	require.Len(t, ds, 4)
	assert.Equal(t, NameCustus, ds[0].Name())

	coords := map[string]CoordinateSystem{}
	for _, d := range ds {
		coords[d.Name()] = d.CoordinateSystem()
	}
	assert.Equal(t, map[string]CoordinateSystem{
		NameCustus:      LPS,
		NamePlusServer:  RAS,
		NameOpenIGTLink: LPS,
		NameRAS:         RAS,
	}, coords)
	assert.False(t, ds[3].Options().CheckCRC)
	assert.True(t, ds[0].Options().CheckCRC)
}
