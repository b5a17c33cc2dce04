package dialect

import (
	"strings"

	"github.com/Mmx233/igtlink/message"
)

// Transform name suffixes stripped from PlusServer tool names.
var plusFrameSuffixes = []string{"ToTracker", "ToReference"}

// PlusServer talks to a PLUS toolkit server. Tool transforms are named
// "<Tool>To<Frame>", calibrations carry "Calibration" in the name, and the probe
// sector is derived from the streamed image since PLUS sends no probe status.
type PlusServer struct {
	*Base

	lastSize    [2]int
	lastSpacing [3]float64
}

// NewPlusServer returns the PlusServer dialect.
func NewPlusServer(opts Options) *PlusServer {
	p := &PlusServer{Base: newBase(NamePlusServer, RAS, opts)}
	p.onTransform = p.transform
	p.onImage = p.image
	return p
}

// Attach wires the dialect to s. The probe geometry is emitted again on the
// next image.
func (p *PlusServer) Attach(s Sink) {
	p.Reset()
	p.Base.Attach(s)
}

// Reset forgets the last image geometry.
func (p *PlusServer) Reset() {
	p.lastSize, p.lastSpacing = [2]int{}, [3]float64{}
}

func (p *PlusServer) transform(t *message.Transform) {
	if strings.Contains(strings.ToLower(t.DeviceName), "calibration") {
		p.emitCalibration(t)
		return
	}
	for _, suffix := range plusFrameSuffixes {
		if name, ok := strings.CutSuffix(t.DeviceName, suffix); ok && name != "" {
			t.DeviceName = name
			break
		}
	}
	p.emitTransform(t)
}

func (p *PlusServer) image(im *message.Image) {
	p.emitImage(im)

	size := [2]int{im.Dimensions[0], im.Dimensions[1]}
	if size == p.lastSize && im.Spacing == p.lastSpacing {
		return
	}
	p.lastSize, p.lastSpacing = size, im.Spacing

	width := float64(size[0]) * im.Spacing[0]
	p.emitProbeDefinition(&message.ProbeDefinition{
		Meta:     im.Meta,
		Type:     message.ProbeLinear,
		Origin:   [3]float64{width / 2, 0, 0},
		DepthEnd: float64(size[1]) * im.Spacing[1],
		Width:    width,
		Size:     size,
		Spacing:  im.Spacing,
	})
}
