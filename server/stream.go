package server

import (
	"math"
	"time"

	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/message"
)

// Radius in mm and period of the simulated tool path.
const (
	toolPathRadius = 50.0
	toolPathPeriod = 4 * time.Second
)

// generator produces the synthetic tracking and imaging messages of one peer.
type generator struct {
	conf  config.Stream
	start time.Time
	frame int
}

func newGenerator(conf config.Stream) *generator {
	return &generator{conf: conf, start: time.Now()}
}

func (g *generator) phase(now time.Time) float64 {
	return 2 * math.Pi * float64(now.Sub(g.start)%toolPathPeriod) / float64(toolPathPeriod)
}

// transform moves the tool on a circle in the axial plane, rotating about z.
func (g *generator) transform(now time.Time) *message.Transform {
	a := g.phase(now)
	sin, cos := math.Sincos(a)
	m := message.Identity()
	m[0][0], m[0][1] = cos, -sin
	m[1][0], m[1][1] = sin, cos
	m[0][3] = toolPathRadius * cos
	m[1][3] = toolPathRadius * sin
	return &message.Transform{
		Meta:   message.Meta{DeviceName: g.conf.DeviceName, Timestamp: now},
		Matrix: m,
	}
}

// image is an 8 bit frame with a bright band sweeping down the rows.
func (g *generator) image(now time.Time) *message.Image {
	w, h := g.conf.ImageWidth, g.conf.ImageHeight
	data := make([]byte, w*h)
	band := g.frame % h
	for y := 0; y < h; y++ {
		v := byte(y * 255 / max(h-1, 1))
		if y == band {
			v = 255
		}
		for x := 0; x < w; x++ {
			data[y*w+x] = v
		}
	}
	g.frame++

	return &message.Image{
		Meta:       message.Meta{DeviceName: g.conf.DeviceName, Timestamp: now},
		Dimensions: [3]int{w, h, 1},
		Spacing:    [3]float64{0.2, 0.2, 1},
		Direction:  message.AxisAligned(),
		Scalar:     message.Uint8,
		Components: 1,
		Data:       data,
	}
}

// probe describes a sector probe matching the image geometry.
func (g *generator) probe(now time.Time) *message.USStatus {
	width := float64(g.conf.ImageWidth) * 0.2
	return &message.USStatus{
		Meta:       message.Meta{DeviceName: g.conf.DeviceName, Timestamp: now},
		ProbeType:  message.ProbeSector,
		Origin:     [3]float64{width / 2, 0, 0},
		DepthStart: 0,
		DepthEnd:   float64(g.conf.ImageHeight) * 0.2,
		Width:      math.Pi / 3,
		DataFormat: "B-Mode",
	}
}
