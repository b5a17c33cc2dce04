package dialect

import (
	"github.com/Mmx233/igtlink/message"
)

// Custus is the default dialect, spoken by the application's own video
// server. Ultrasound streams announce the probe with CX_US_ST frames; the
// probe definition is completed with the geometry of the next image.
type Custus struct {
	*Base

	probe *message.USStatus
}

// NewCustus returns the Custus dialect.
func NewCustus(opts Options) *Custus {
	c := &Custus{Base: newBase(NameCustus, LPS, opts)}
	c.onImage = c.image
	c.onUSStatus = c.usStatus
	return c
}

// Attach wires the dialect to s and forgets any pending probe status.
func (c *Custus) Attach(s Sink) {
	c.Reset()
	c.Base.Attach(s)
}

// Reset forgets the pending probe status.
func (c *Custus) Reset() {
	c.probe = nil
}

func (c *Custus) usStatus(u *message.USStatus) {
	c.probe = u
	c.emitUSStatus(u)
}

func (c *Custus) image(im *message.Image) {
	c.emitImage(im)
	if c.probe == nil {
		return
	}
	c.emitProbeDefinition(&message.ProbeDefinition{
		Meta:       im.Meta,
		Type:       c.probe.ProbeType,
		Origin:     c.probe.Origin,
		DepthStart: c.probe.DepthStart,
		DepthEnd:   c.probe.DepthEnd,
		Width:      c.probe.Width,
		Size:       [2]int{im.Dimensions[0], im.Dimensions[1]},
		Spacing:    im.Spacing,
	})
	c.probe = nil
}
