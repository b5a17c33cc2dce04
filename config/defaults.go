package config

import (
	"time"

	"github.com/google/uuid"
)

// Default timeout and interval values
const (
	// DefaultPort is the registered OpenIGTLink port
	DefaultPort = 18944

	// DefaultConnectTimeout bounds host lookup and dialing
	DefaultConnectTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 5 * time.Second

	// DefaultAckTimeout is how long a command waits for its reply
	DefaultAckTimeout = 3 * time.Second

	// DefaultReconnectInterval is the delay between reconnect attempts of the CLI client
	DefaultReconnectInterval = 2 * time.Second

	// DefaultQueueSize is the capacity of the connection task queue
	DefaultQueueSize = 256

	// DefaultMaxBodySize is the largest body a connection accepts (256 MiB)
	DefaultMaxBodySize = 256 * 1024 * 1024

	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 5 * time.Minute

	// DefaultKeepAlivePeriod keeps QUIC connections through NAT bindings
	DefaultKeepAlivePeriod = 15 * time.Second

	// DefaultStreamInterval is the period of the simulator tracking stream
	DefaultStreamInterval = 50 * time.Millisecond

	// DefaultImageInterval is the period of the simulator image stream
	DefaultImageInterval = 200 * time.Millisecond
)

const (
	DefaultHost          = "127.0.0.1"
	DefaultProtocol      = "Custus"
	DefaultTransport     = "tcp"
	DefaultWebSocketPath = "/igtl"
	DefaultOutput        = "log"
	DefaultDeviceName    = "Simulator"
)

// Transports lists the accepted transport kinds
var Transports = []string{"tcp", "quic", "ws"}

// GenerateUID generates a new UUID for use as a connection identifier.
func GenerateUID() string {
	return uuid.New().String()
}
