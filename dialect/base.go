package dialect

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
	"github.com/pkg/errors"
)

// Base is the plain OpenIGTLink translation. The other dialects embed it and
// replace individual handlers.
type Base struct {
	name   string
	coords CoordinateSystem
	opts   Options

	mu   sync.RWMutex
	sink Sink

	onTransform func(*message.Transform)
	onImage     func(*message.Image)
	onUSStatus  func(*message.USStatus)
	onString    func(*message.String)
}

func newBase(name string, coords CoordinateSystem, opts Options) *Base {
	b := &Base{name: name, coords: coords, opts: opts}
	b.onTransform = b.emitTransform
	b.onImage = b.emitImage
	b.onUSStatus = b.emitUSStatus
	b.onString = b.emitString
	return b
}

// NewOpenIGTLink returns the reference dialect: LPS, no device specific handling.
func NewOpenIGTLink(opts Options) *Base {
	return newBase(NameOpenIGTLink, LPS, opts)
}

// NewRAS returns the reference dialect for peers using RAS coordinates.
func NewRAS(opts Options) *Base {
	return newBase(NameRAS, RAS, opts)
}

func (b *Base) Name() string                       { return b.name }
func (b *Base) CoordinateSystem() CoordinateSystem { return b.coords }
func (b *Base) Options() Options                   { return b.opts }

// Attach wires the dialect output to s; nil detaches it.
func (b *Base) Attach(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

func (b *Base) output() Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink
}

// Supports reports whether the device type has a body decoder.
func (b *Base) Supports(deviceType string) bool {
	switch strings.ToUpper(deviceType) {
	case protocol.TypeTransform, protocol.TypePolyData, protocol.TypeImage,
		protocol.TypeStatus, protocol.TypeString, protocol.TypeUSStatus:
		return true
	default:
		return false
	}
}

// Decode verifies and unpacks the body by device type and emits the result.
func (b *Base) Decode(h *protocol.Header, body []byte) error {
	if err := protocol.VerifyBody(h, body, b.opts.VerifiesCRC(h)); err != nil {
		return err
	}
	meta := message.Meta{DeviceName: h.DeviceName, Timestamp: h.Time()}

	switch strings.ToUpper(h.DeviceType) {
	case protocol.TypeTransform:
		t, err := protocol.UnpackTransform(body)
		if err != nil {
			return err
		}
		b.onTransform(transformFromBody(meta, t, b.coords))
	case protocol.TypePolyData:
		p, err := protocol.UnpackPolyData(body)
		if err != nil {
			return err
		}
		if s := b.output(); s != nil {
			s.Mesh(meshFromBody(meta, p, b.coords))
		}
	case protocol.TypeImage:
		ib, err := protocol.UnpackImage(body)
		if err != nil {
			return err
		}
		if s := b.output(); s != nil {
			s.RawImage(protocol.Frame{Header: *h, Body: body})
		}
		b.onImage(imageFromBody(meta, ib, b.coords))
	case protocol.TypeStatus:
		st, err := protocol.UnpackStatus(body)
		if err != nil {
			return err
		}
		if s := b.output(); s != nil {
			s.Status(&message.Status{
				Meta:      meta,
				Code:      message.StatusCode(st.Code),
				Subcode:   st.Subcode,
				ErrorName: st.ErrorName,
				Message:   st.Message,
			})
		}
	case protocol.TypeString:
		str, err := protocol.UnpackString(body)
		if err != nil {
			return err
		}
		b.onString(&message.String{Meta: meta, Encoding: str.Encoding, Text: str.Value})
	case protocol.TypeUSStatus:
		u, err := protocol.UnpackUSStatus(body)
		if err != nil {
			return err
		}
		b.onUSStatus(usStatusFromBody(meta, u))
	default:
		return errors.Wrapf(protocol.ErrUnsupportedType, "%s: %q", b.name, h.DeviceType)
	}
	return nil
}

// Encode packs an image, mesh, transform, status, string or probe status.
func (b *Base) Encode(v any) (protocol.Frame, error) {
	switch m := v.(type) {
	case *message.Image:
		body, err := imageToBody(m, b.coords)
		if err != nil {
			return protocol.Frame{}, err
		}
		return protocol.NewFrame(protocol.TypeImage, m.DeviceName, m.Timestamp, body.Pack()), nil
	case *message.Mesh:
		body := meshToBody(m, b.coords)
		return protocol.NewFrame(protocol.TypePolyData, m.DeviceName, m.Timestamp, body.Pack()), nil
	case *message.Transform:
		body := transformToBody(m, b.coords)
		return protocol.NewFrame(protocol.TypeTransform, m.DeviceName, m.Timestamp, body.Pack()), nil
	case *message.Status:
		body := protocol.StatusBody{Code: uint16(m.Code), Subcode: m.Subcode, ErrorName: m.ErrorName, Message: m.Message}
		return protocol.NewFrame(protocol.TypeStatus, m.DeviceName, m.Timestamp, body.Pack()), nil
	case *message.String:
		enc := m.Encoding
		if enc == 0 {
			enc = protocol.EncodingUTF8
		}
		body := protocol.StringBody{Encoding: enc, Value: m.Text}
		return protocol.NewFrame(protocol.TypeString, m.DeviceName, m.Timestamp, body.Pack()), nil
	case *message.USStatus:
		body := usStatusToBody(m)
		return protocol.NewFrame(protocol.TypeUSStatus, m.DeviceName, m.Timestamp, body.Pack()), nil
	default:
		return protocol.Frame{}, fmt.Errorf("%s: cannot encode %T", b.name, v)
	}
}

func (b *Base) emitTransform(t *message.Transform) {
	if s := b.output(); s != nil {
		s.Transform(t)
	}
}

func (b *Base) emitCalibration(t *message.Transform) {
	if s := b.output(); s != nil {
		s.Calibration(t)
	}
}

func (b *Base) emitImage(im *message.Image) {
	if s := b.output(); s != nil {
		s.Image(im)
	}
}

func (b *Base) emitProbeDefinition(p *message.ProbeDefinition) {
	if s := b.output(); s != nil {
		s.ProbeDefinition(p)
	}
}

func (b *Base) emitUSStatus(u *message.USStatus) {
	if s := b.output(); s != nil {
		s.USStatus(u)
	}
}

func (b *Base) emitString(str *message.String) {
	if s := b.output(); s != nil {
		s.String(str)
	}
}
