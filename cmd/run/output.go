package run

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Mmx233/igtlink/client"
	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is one line of json output.
type envelope struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Message any       `json:"message,omitempty"`
}

type rawImage struct {
	DeviceName string `json:"device_name"`
	Type       string `json:"type"`
	BodySize   int    `json:"body_size"`
}

type transportError struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type commandReply struct {
	Command string          `json:"command"`
	Status  *message.Status `json:"status,omitempty"`
	String  *message.String `json:"string,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// printer writes every event of a connection either as log lines or as one
// json document per line.
type printer struct {
	format string
	logger zerolog.Logger

	mu  sync.Mutex
	enc *jsoniter.Encoder
}

func newPrinter(format string, out io.Writer, logger zerolog.Logger) *printer {
	return &printer{
		format: format,
		logger: logger,
		enc:    json.NewEncoder(out),
	}
}

// subscribe registers the printer on every event category.
func (p *printer) subscribe(d *client.Dispatcher) {
	d.OnConnected(func() { p.print("connected", nil, "connected") })
	d.OnDisconnected(func() { p.print("disconnected", nil, "disconnected") })
	d.OnError(func(err client.TransportError) {
		p.print("error", transportError{Kind: err.Kind.String(), Error: err.Error()}, err.Error())
	})
	d.OnTransform(func(t *message.Transform) {
		p.print("transform", t, fmt.Sprintf("%s translation=(%.2f, %.2f, %.2f)",
			t.DeviceName, t.Matrix[0][3], t.Matrix[1][3], t.Matrix[2][3]))
	})
	d.OnCalibration(func(t *message.Transform) {
		p.print("calibration", t, t.DeviceName)
	})
	d.OnImage(func(im *message.Image) {
		p.print("image", im, fmt.Sprintf("%s %dx%dx%d %s", im.DeviceName,
			im.Dimensions[0], im.Dimensions[1], im.Dimensions[2], im.Scalar))
	})
	d.OnRawImage(func(f protocol.Frame) {
		p.print("raw_image", rawImage{
			DeviceName: f.Header.DeviceName,
			Type:       f.Header.DeviceType,
			BodySize:   len(f.Body),
		}, f.Header.DeviceName)
	})
	d.OnMesh(func(m *message.Mesh) {
		p.print("mesh", m, fmt.Sprintf("%s points=%d polygons=%d", m.DeviceName, len(m.Points), len(m.Polygons)))
	})
	d.OnProbeDefinition(func(pd *message.ProbeDefinition) {
		p.print("probe_definition", pd, fmt.Sprintf("%s %s depth=%.1f-%.1f width=%.2f",
			pd.DeviceName, pd.Type, pd.DepthStart, pd.DepthEnd, pd.Width))
	})
	d.OnUSStatus(func(s *message.USStatus) {
		p.print("us_status", s, fmt.Sprintf("%s %s", s.DeviceName, s.ProbeType))
	})
	d.OnStatus(func(s *message.Status) {
		p.print("status", s, fmt.Sprintf("%s code=%d %s", s.DeviceName, s.Code, s.Message))
	})
	d.OnString(func(s *message.String) {
		p.print("string", s, fmt.Sprintf("%s %s", s.DeviceName, s.Text))
	})
}

// reply prints the outcome of a command.
func (p *printer) reply(command string, r client.Reply, err error) {
	v := commandReply{Command: command, Status: r.Status, String: r.String}
	summary := command
	switch {
	case err != nil:
		v.Error = err.Error()
		summary += " failed: " + err.Error()
	case r.Status != nil:
		summary += fmt.Sprintf(" -> status code=%d %s", r.Status.Code, r.Status.Message)
	case r.String != nil:
		summary += " -> " + r.String.Text
	}
	p.print("reply", v, summary)
}

func (p *printer) print(kind string, v any, summary string) {
	if p.format != "json" {
		p.logger.Info().Str("kind", kind).Msg(summary)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(envelope{Kind: kind, Time: time.Now(), Message: v}); err != nil {
		p.logger.Error().Err(err).Str("kind", kind).Msg("write output failed")
	}
}
