package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/Mmx233/igtlink/dialect"
)

type Client struct {
	UID        string                     `yaml:"uid" toml:"uid"`
	Connection ConnectionInfo             `yaml:"connection" toml:"connection"`
	Timeouts   Timeouts                   `yaml:"timeouts" toml:"timeouts"`
	Dialects   map[string]dialect.Options `yaml:"dialects" toml:"dialects"`
	TLS        ClientTLS                  `yaml:"tls" toml:"tls"`
	Quic       Quic                       `yaml:"quic" toml:"quic"`
	Metrics    Metrics                    `yaml:"metrics" toml:"metrics"`

	WebSocketPath     string        `yaml:"websocket_path" toml:"websocket_path"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
	MaxBodySize       uint64        `yaml:"max_body_size" toml:"max_body_size"`
	Output            string        `yaml:"output" toml:"output"`                         // log or json
	ReconnectInterval time.Duration `yaml:"reconnect_interval" toml:"reconnect_interval"` // 0 disables reconnect
}

// ConnectionInfo identifies the remote device, the dialect spoken on the wire
// and the transport carrying it.
type ConnectionInfo struct {
	Address   string `yaml:"address" toml:"address"`
	Port      int    `yaml:"port" toml:"port"`
	Protocol  string `yaml:"protocol" toml:"protocol"`
	Transport string `yaml:"transport" toml:"transport"`
}

// HostPort renders the endpoint as host:port.
func (c ConnectionInfo) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%s://%s (%s)", c.Transport, c.HostPort(), c.Protocol)
}

type Timeouts struct {
	Connect time.Duration `yaml:"connect" toml:"connect"`
	Write   time.Duration `yaml:"write" toml:"write"`
	Ack     time.Duration `yaml:"ack" toml:"ack"`
}

type Metrics struct {
	Listen    string `yaml:"listen" toml:"listen"` // host:port, empty disables the endpoint
	Namespace string `yaml:"namespace" toml:"namespace"`
}

type ClientTLS struct {
	CACertFile         string `yaml:"ca_cert_file" toml:"ca_cert_file"`
	ClientCertFile     string `yaml:"client_cert_file" toml:"client_cert_file"`
	ClientKeyFile      string `yaml:"client_key_file" toml:"client_key_file"`
	ServerName         string `yaml:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`

	// Loaded certificates (not from config file)
	CACertPool *x509.CertPool    `yaml:"-" toml:"-"`
	ClientCert []tls.Certificate `yaml:"-" toml:"-"`
}

// LoadCertificates loads TLS certificates from files. Both the CA and the
// client key pair are optional.
func (t *ClientTLS) LoadCertificates() error {
	if t.CACertFile != "" {
		caCertPEM, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return fmt.Errorf("read CA cert: %w", err)
		}

		t.CACertPool = x509.NewCertPool()
		if !t.CACertPool.AppendCertsFromPEM(caCertPEM) {
			return fmt.Errorf("failed to parse CA certificate")
		}
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("load client cert/key: %w", err)
		}
		t.ClientCert = []tls.Certificate{cert}
	}

	return nil
}

// Config builds the TLS client configuration from the loaded certificates.
func (t *ClientTLS) Config() *tls.Config {
	return &tls.Config{
		RootCAs:            t.CACertPool,
		Certificates:       t.ClientCert,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
	}
}

// ApplyDefaults fills zero-value fields with their defaults.
func (c *Client) ApplyDefaults() {
	if c.UID == "" {
		c.UID = GenerateUID()
	}
	if c.Connection.Address == "" {
		c.Connection.Address = DefaultHost
	}
	if c.Connection.Port == 0 {
		c.Connection.Port = DefaultPort
	}
	if c.Connection.Protocol == "" {
		c.Connection.Protocol = DefaultProtocol
	}
	if c.Connection.Transport == "" {
		c.Connection.Transport = DefaultTransport
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = DefaultConnectTimeout
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = DefaultWriteTimeout
	}
	if c.Timeouts.Ack == 0 {
		c.Timeouts.Ack = DefaultAckTimeout
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = DefaultWebSocketPath
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Output == "" {
		c.Output = DefaultOutput
	}
}

// Validate checks the client configuration after defaults were applied.
func (c *Client) Validate() error {
	if c.Connection.Address == "" {
		return fmt.Errorf("connection address cannot be empty")
	}
	if err := validatePort(c.Connection.Port); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if !slices.Contains(Transports, c.Connection.Transport) {
		return fmt.Errorf("unknown transport %q, expected one of %v", c.Connection.Transport, Transports)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative, got %d", c.QueueSize)
	}
	switch c.Output {
	case "log", "json":
	default:
		return fmt.Errorf("unknown output %q, expected log or json", c.Output)
	}
	if c.Metrics.Listen != "" {
		if err := ValidateAddress(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}
