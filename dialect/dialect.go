// Package dialect translates frame bodies to domain messages and back for each
// supported wire variant, and keeps the set of known variants with exactly one
// of them active.
package dialect

import (
	"strings"

	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/protocol"
)

// Built-in dialect names.
const (
	NameOpenIGTLink = "OpenIGTLink"
	NameCustus      = "Custus"
	NamePlusServer  = "PlusServer"
	NameRAS         = "RAS"
)

// CoordinateSystem is the patient coordinate convention used on the wire.
type CoordinateSystem int

const (
	LPS CoordinateSystem = iota
	RAS
)

// String returns the conventional abbreviation.
func (c CoordinateSystem) String() string {
	if c == RAS {
		return "RAS"
	}
	return "LPS"
}

// Sink receives decoded messages from the active dialect.
type Sink interface {
	Image(*message.Image)
	RawImage(protocol.Frame)
	Mesh(*message.Mesh)
	Transform(*message.Transform)
	Calibration(*message.Transform)
	ProbeDefinition(*message.ProbeDefinition)
	USStatus(*message.USStatus)
	Status(*message.Status)
	String(*message.String)
}

// Dialect is one wire variant.
//
// Decode and Encode are not safe for concurrent use; the Registry serializes
// them.
type Dialect interface {
	Name() string
	CoordinateSystem() CoordinateSystem
	Options() Options
	// Supports reports whether frames of deviceType are decoded rather than skipped.
	Supports(deviceType string) bool
	// Decode verifies and unpacks body and emits the result to the attached sink.
	Decode(h *protocol.Header, body []byte) error
	// Encode packs a domain message into a frame.
	Encode(v any) (protocol.Frame, error)
	// Attach wires the dialect output to s; nil detaches it.
	Attach(s Sink)
}

// Resetter is implemented by dialects that carry state from one frame to the
// next. Reset drops it; the registry calls it when the stream restarts.
type Resetter interface {
	Reset()
}

// Options tunes body verification.
type Options struct {
	CheckCRC bool `yaml:"check_crc" toml:"check_crc"`
	// UncheckedCRCNames lists device name substrings (case-insensitive) whose
	// IMAGE frames are accepted without checksum verification. Some ultrasound
	// bridges send a zero CRC.
	UncheckedCRCNames []string `yaml:"unchecked_crc_names" toml:"unchecked_crc_names"`
}

// DefaultOptions verifies checksums except for images from Sonix scanners.
func DefaultOptions() Options {
	return Options{
		CheckCRC:          true,
		UncheckedCRCNames: []string{"Sonix"},
	}
}

// VerifiesCRC reports whether the body of the frame described by h must pass
// the checksum test.
func (o Options) VerifiesCRC(h *protocol.Header) bool {
	if !o.CheckCRC {
		return false
	}
	if !strings.EqualFold(h.DeviceType, protocol.TypeImage) {
		return true
	}
	name := strings.ToLower(h.DeviceName)
	for _, s := range o.UncheckedCRCNames {
		if s != "" && strings.Contains(name, strings.ToLower(s)) {
			return false
		}
	}
	return true
}

// Builtin returns the built-in dialects, the default one first. opts overrides
// the options of individual dialects by name.
func Builtin(opts map[string]Options) []Dialect {
	get := func(name string) Options {
		if o, ok := opts[name]; ok {
			return o
		}
		return DefaultOptions()
	}
	return []Dialect{
		NewCustus(get(NameCustus)),
		NewPlusServer(get(NamePlusServer)),
		NewOpenIGTLink(get(NameOpenIGTLink)),
		NewRAS(get(NameRAS)),
	}
}
