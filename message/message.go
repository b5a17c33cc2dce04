// Package message holds the decoded, wire independent objects exchanged with
// tracking and imaging devices. Geometry is expressed in LPS coordinates.
package message

import "time"

// Matrix4 is a homogeneous transform indexed [row][col].
type Matrix4 [4][4]float64

// Identity returns the identity transform.
func Identity() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Meta identifies the originating device and acquisition time of a message.
type Meta struct {
	DeviceName string    `json:"device_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transform is a tracked pose.
type Transform struct {
	Meta
	Matrix Matrix4 `json:"matrix"`
}

// ScalarType identifies the pixel representation of an image.
type ScalarType uint8

const (
	Int8 ScalarType = iota + 1
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// Size returns the byte width of one scalar.
func (s ScalarType) Size() int {
	switch s {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// String returns a readable name.
func (s ScalarType) String() string {
	switch s {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Image is a 2D or 3D scalar volume.
//
// Origin is the position of the first voxel. Direction holds the unit i/j/k axes
// as columns.
type Image struct {
	Meta
	Dimensions [3]int        `json:"dimensions"`
	Spacing    [3]float64    `json:"spacing"`
	Origin     [3]float64    `json:"origin"`
	Direction  [3][3]float64 `json:"direction"`
	Scalar     ScalarType    `json:"scalar_type"`
	Components int           `json:"components"`
	BigEndian  bool          `json:"big_endian"`
	Data       []byte        `json:"-"`
}

// AxisAligned returns the identity direction matrix.
func AxisAligned() [3][3]float64 {
	return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// DataSize returns the number of pixel bytes implied by the geometry.
func (im *Image) DataSize() int {
	return im.Dimensions[0] * im.Dimensions[1] * im.Dimensions[2] * im.Components * im.Scalar.Size()
}

// Mesh is a polygonal surface. Cells index into Points.
type Mesh struct {
	Meta
	Points   [][3]float64 `json:"points"`
	Vertices [][]uint32   `json:"vertices,omitempty"`
	Lines    [][]uint32   `json:"lines,omitempty"`
	Polygons [][]uint32   `json:"polygons,omitempty"`
	Strips   [][]uint32   `json:"strips,omitempty"`
}

// StatusCode classifies a device status report.
type StatusCode uint16

const (
	StatusInvalid StatusCode = iota
	StatusOK
	StatusUnknownError
	StatusPanic
	StatusNotFound
	StatusAccessDenied
	StatusBusy
	StatusTimeout
	StatusOverflow
	StatusChecksumError
	StatusConfigError
	StatusResourceError
	StatusIllegalCommand
	StatusNotReady
	StatusManualMode
	StatusDisabled
	StatusNotPresent
	StatusUnknownVersion
	StatusHardwareFault
	StatusShutdown
)

// Status is a device status report or command acknowledgment.
type Status struct {
	Meta
	Code      StatusCode `json:"code"`
	Subcode   int64      `json:"subcode"`
	ErrorName string     `json:"error_name,omitempty"`
	Message   string     `json:"message"`
}

// OK reports whether the status signals success.
func (s *Status) OK() bool {
	return s.Code == StatusOK
}

// String is a free text message, typically an XML command or reply.
type String struct {
	Meta
	Encoding uint16 `json:"encoding"`
	Text     string `json:"text"`
}

// ProbeType identifies the ultrasound probe geometry.
type ProbeType int32

const (
	ProbeNone ProbeType = iota
	ProbeSector
	ProbeLinear
)

// String returns a readable name.
func (p ProbeType) String() string {
	switch p {
	case ProbeSector:
		return "sector"
	case ProbeLinear:
		return "linear"
	default:
		return "none"
	}
}

// USStatus describes the ultrasound probe currently streaming images.
type USStatus struct {
	Meta
	ProbeType  ProbeType  `json:"probe_type"`
	Origin     [3]float64 `json:"origin"`
	DepthStart float64    `json:"depth_start"`
	DepthEnd   float64    `json:"depth_end"`
	Width      float64    `json:"width"`
	DataFormat string     `json:"data_format"`
}

// ProbeDefinition is the sector geometry of an ultrasound probe, combining the
// probe status with the geometry of the streamed images.
type ProbeDefinition struct {
	Meta
	Type       ProbeType  `json:"type"`
	Origin     [3]float64 `json:"origin"`
	DepthStart float64    `json:"depth_start"`
	DepthEnd   float64    `json:"depth_end"`
	Width      float64    `json:"width"`
	Size       [2]int     `json:"size"`
	Spacing    [3]float64 `json:"spacing"`
}
