package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Mmx233/igtlink/dialect"
)

// Server configures the device simulator.
type Server struct {
	TCP       ServerTCP       `yaml:"tcp" toml:"tcp"`
	Quic      ServerQuic      `yaml:"quic" toml:"quic"`
	WebSocket ServerWebSocket `yaml:"websocket" toml:"websocket"`
	TLS       ServerTLS       `yaml:"tls" toml:"tls"`
	Stream    Stream          `yaml:"stream" toml:"stream"`
	Metrics   Metrics         `yaml:"metrics" toml:"metrics"`

	// Protocol is the dialect used to encode the synthetic messages.
	Protocol    string                     `yaml:"protocol" toml:"protocol"`
	Dialects    map[string]dialect.Options `yaml:"dialects" toml:"dialects"`
	MaxBodySize uint64                     `yaml:"max_body_size" toml:"max_body_size"`
}

type ServerTCP struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Listen  `yaml:",inline"`
}

type ServerQuic struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Listen  `yaml:",inline"`
	Quic    `yaml:",inline"`
}

type ServerWebSocket struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
	Listen  `yaml:",inline"`
}

type ServerTLS struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`

	// Session ticket key rotation, disabled when the interval is zero
	TicketKeyRotationInterval time.Duration `yaml:"ticket_key_rotation_interval" toml:"ticket_key_rotation_interval"`
	TicketKeyOverlap          uint8         `yaml:"ticket_key_overlap" toml:"ticket_key_overlap"`

	// Loaded certificate (not from config file)
	ServerCert tls.Certificate `yaml:"-" toml:"-"`
}

// LoadCertificate loads the listener key pair.
func (t *ServerTLS) LoadCertificate() error {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("load server cert/key: %w", err)
	}
	t.ServerCert = cert
	return nil
}

// Stream selects the synthetic messages sent to every peer.
type Stream struct {
	DeviceName        string        `yaml:"device_name" toml:"device_name"`
	TransformInterval time.Duration `yaml:"transform_interval" toml:"transform_interval"`
	ImageInterval     time.Duration `yaml:"image_interval" toml:"image_interval"` // 0 disables images
	ImageWidth        int           `yaml:"image_width" toml:"image_width"`
	ImageHeight       int           `yaml:"image_height" toml:"image_height"`
	ProbeStatus       bool          `yaml:"probe_status" toml:"probe_status"` // precede images with CX_US_ST
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Server) ApplyDefaults() {
	if s.TCP.IP == "" {
		s.TCP.IP = "0.0.0.0"
	}
	if s.TCP.Port == 0 {
		s.TCP.Port = DefaultPort
	}
	if s.Quic.IP == "" {
		s.Quic.IP = "0.0.0.0"
	}
	if s.Quic.Port == 0 {
		s.Quic.Port = DefaultPort
	}
	if s.WebSocket.IP == "" {
		s.WebSocket.IP = "0.0.0.0"
	}
	if s.WebSocket.Port == 0 {
		s.WebSocket.Port = DefaultPort + 1
	}
	if s.WebSocket.Path == "" {
		s.WebSocket.Path = DefaultWebSocketPath
	}
	if s.Stream.DeviceName == "" {
		s.Stream.DeviceName = DefaultDeviceName
	}
	if s.Stream.TransformInterval == 0 {
		s.Stream.TransformInterval = DefaultStreamInterval
	}
	if s.Stream.ImageWidth == 0 {
		s.Stream.ImageWidth = 64
	}
	if s.Stream.ImageHeight == 0 {
		s.Stream.ImageHeight = 48
	}
	if s.TLS.TicketKeyOverlap == 0 {
		s.TLS.TicketKeyOverlap = 2
	}
	if s.Protocol == "" {
		s.Protocol = DefaultProtocol
	}
	if s.MaxBodySize == 0 {
		s.MaxBodySize = DefaultMaxBodySize
	}
}

// Validate checks the simulator configuration after defaults were applied.
func (s *Server) Validate() error {
	if !s.TCP.Enabled && !s.Quic.Enabled && !s.WebSocket.Enabled {
		return fmt.Errorf("at least one of tcp, quic or websocket must be enabled")
	}
	for name, l := range map[string]struct {
		enabled bool
		listen  Listen
	}{
		"tcp":       {s.TCP.Enabled, s.TCP.Listen},
		"quic":      {s.Quic.Enabled, s.Quic.Listen},
		"websocket": {s.WebSocket.Enabled, s.WebSocket.Listen},
	} {
		if !l.enabled {
			continue
		}
		if _, err := l.listen.GetIP(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := validatePort(l.listen.Port); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if s.Quic.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		return fmt.Errorf("quic requires tls cert_file and key_file")
	}
	if s.Stream.ImageInterval < 0 || s.Stream.TransformInterval < 0 {
		return fmt.Errorf("stream intervals must not be negative")
	}
	if s.Stream.ImageWidth < 1 || s.Stream.ImageHeight < 1 {
		return fmt.Errorf("image size must be positive, got %dx%d", s.Stream.ImageWidth, s.Stream.ImageHeight)
	}
	return nil
}
