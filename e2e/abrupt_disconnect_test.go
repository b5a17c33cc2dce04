package e2e

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/Mmx233/igtlink/client"
	"github.com/Mmx233/igtlink/cmd/generate/certs"
	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/dialect"
	"github.com/Mmx233/igtlink/message"
	"github.com/Mmx233/igtlink/server"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// TestAbruptDisconnect tests simulator behavior when a client process dies
// without closing its connection
func TestAbruptDisconnect(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		testAbruptDisconnect(t, client.TransportTCP)
	})

	t.Run("quic", func(t *testing.T) {
		testAbruptDisconnect(t, client.TransportQUIC)
	})
}

// testAbruptDisconnect is the core test function for abrupt disconnect scenarios
func testAbruptDisconnect(t *testing.T, transport string) {
	certDir := generateTestCertificates(t)
	defer os.RemoveAll(certDir)

	var port int
	serverConfig := &config.Server{
		Protocol: dialect.NameCustus,
		Stream: config.Stream{
			TransformInterval: 20 * time.Millisecond,
		},
	}
	if transport == client.TransportQUIC {
		port = getFreeUDPPort(t)
		serverConfig.Quic = config.ServerQuic{
			Enabled: true,
			Listen:  config.Listen{IP: "127.0.0.1", Port: port},
			// a killed client never closes the connection, only the idle timeout notices
			Quic: config.Quic{KeepAlivePeriod: 200 * time.Millisecond, MaxIdleTimeout: 2 * time.Second},
		}
		serverConfig.TLS = config.ServerTLS{
			CertFile: filepath.Join(certDir, "server.crt"),
			KeyFile:  filepath.Join(certDir, "server.key"),
		}
	} else {
		port = getFreePort(t)
		serverConfig.TCP = config.ServerTCP{Enabled: true, Listen: config.Listen{IP: "127.0.0.1", Port: port}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// Start simulator
	srv, err := server.New(serverConfig, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create simulator: %v", err)
	}
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("server error: %v", err)
		}
	}()
	defer func() {
		cancel()
		<-serverDone
	}()
	time.Sleep(500 * time.Millisecond)

	t.Logf("Simulator started on %s port %d", transport, port)

	// Create client config file for client 1 (will be started via exec)
	clientConfig := map[string]interface{}{
		"uid": "client-1",
		"connection": map[string]interface{}{
			"address":   "127.0.0.1",
			"port":      port,
			"protocol":  dialect.NameCustus,
			"transport": transport,
		},
		"tls": map[string]interface{}{
			"ca_cert_file": filepath.Join(certDir, "ca.crt"),
			"server_name":  "localhost",
		},
		"quic": map[string]interface{}{
			"keep_alive_period": "200ms",
			"max_idle_timeout":  "2s",
		},
		"output": "json",
	}
	clientConfigPath := filepath.Join(certDir, "client1.yaml")
	clientConfigData, _ := yaml.Marshal(clientConfig)
	if err := os.WriteFile(clientConfigPath, clientConfigData, 0600); err != nil {
		t.Fatalf("failed to write client1 config: %v", err)
	}

	// Build the binary first to avoid go run's subprocess issues
	binaryPath := filepath.Join(certDir, "igtlink-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = ".."
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build binary: %v, output: %s", err, output)
	}

	// Start Client 1 via exec (so we can kill it with SIGKILL)
	client1Cmd := exec.CommandContext(ctx, binaryPath, "run", "client", "-c", clientConfigPath)
	client1Cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := client1Cmd.Start(); err != nil {
		t.Fatalf("failed to start client 1: %v", err)
	}
	defer func() {
		if client1Cmd.Process != nil {
			syscall.Kill(-client1Cmd.Process.Pid, syscall.SIGKILL)
			client1Cmd.Wait()
		}
	}()
	t.Logf("Client 1 started with PID %d", client1Cmd.Process.Pid)

	// Start Client 2 (in-process, will remain running)
	c2, err := client.New(&config.Client{
		UID: "client-2",
		Connection: config.ConnectionInfo{
			Address:   "127.0.0.1",
			Port:      port,
			Protocol:  dialect.NameCustus,
			Transport: transport,
		},
		TLS: config.ClientTLS{
			CACertFile: filepath.Join(certDir, "ca.crt"),
			ServerName: "localhost",
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client 2: %v", err)
	}
	client2Ctx, client2Cancel := context.WithCancel(ctx)
	client2Done := make(chan struct{})
	go func() {
		defer close(client2Done)
		_ = c2.Run(client2Ctx)
	}()
	defer func() {
		client2Cancel()
		<-client2Done
	}()

	transforms := make(chan *message.Transform, 1)
	c2.Events().OnTransform(func(tr *message.Transform) {
		select {
		case transforms <- tr:
		default:
		}
	})
	c2.Connect()

	waitFor(t, 10*time.Second, "both clients connected", func() bool {
		return len(srv.Peers()) == 2
	})
	t.Log("Both clients connected")

	// Kill Client 1 with SIGKILL (simulates process crash, no graceful shutdown)
	t.Log("Killing client 1 with SIGKILL (simulating process crash)...")
	if err := syscall.Kill(-client1Cmd.Process.Pid, syscall.SIGKILL); err != nil {
		t.Fatalf("failed to kill client 1 process group: %v", err)
	}
	client1Cmd.Wait()
	t.Log("Client 1 killed")

	waitFor(t, 10*time.Second, "dead peer removed", func() bool {
		return len(srv.Peers()) == 1
	})
	if !c2.IsConnected() {
		t.Fatal("client 2 lost its connection")
	}

	// Drain what was buffered before the kill, then require fresh data
	select {
	case <-transforms:
	default:
	}
	select {
	case tr := <-transforms:
		t.Logf("Client 2 still streaming, device %s", tr.DeviceName)
	case <-time.After(5 * time.Second):
		t.Fatal("client 2 stopped receiving transforms")
	}
}

// generateTestCertificates writes a CA and simulator certificate to a temporary directory
func generateTestCertificates(t testing.TB) string {
	tempDir, err := os.MkdirTemp("", "igtlink-e2e-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	caKey, caCert, err := certs.GenerateCA(1)
	if err != nil {
		t.Fatalf("failed to generate CA: %v", err)
	}
	serverKey, serverCert, err := certs.GenerateServerCert(caKey, caCert, 1)
	if err != nil {
		t.Fatalf("failed to generate server cert: %v", err)
	}

	for name, data := range map[string][]byte{
		"ca.crt":     certs.EncodeCertificate(caCert),
		"server.crt": certs.EncodeCertificate(serverCert),
		"server.key": certs.EncodePrivateKey(serverKey),
	} {
		if err := os.WriteFile(filepath.Join(tempDir, name), data, 0600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return tempDir
}

func waitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// getFreePort gets a free port for testing
func getFreePort(t testing.TB) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func getFreeUDPPort(t testing.TB) int {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to get free UDP port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}
