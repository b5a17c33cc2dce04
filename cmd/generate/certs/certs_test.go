package certs

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateServerCert_VerifiesAgainstCA(t *testing.T) {
	caKey, caCert, err := GenerateCA(1)
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)

	key, cert, err := GenerateServerCert(caKey, caCert, 1, "scanner.local", "10.0.0.7")
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	for _, host := range []string{"localhost", "scanner.local", "127.0.0.1", "10.0.0.7"} {
		_, err := cert.Verify(x509.VerifyOptions{
			DNSName:   host,
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		assert.NoError(t, err, host)
	}
	assert.Contains(t, cert.IPAddresses, net.ParseIP("::1").To16())

	_, err = tls.X509KeyPair(EncodeCertificate(cert), EncodePrivateKey(key))
	assert.NoError(t, err)
}

func TestGenerateClientCert(t *testing.T) {
	caKey, caCert, err := GenerateCA(1)
	require.NoError(t, err)
	_, cert, err := GenerateClientCert(caKey, caCert, 1)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.NoError(t, cert.CheckSignatureFrom(caCert))
}

func TestGenerateCA_InvalidValidity(t *testing.T) {
	_, _, err := GenerateCA(0)
	assert.Error(t, err)
}

func TestRunGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	outputDir, validYears, withClient = dir, 1, false
	t.Cleanup(func() { outputDir, validYears, withClient = "./certs", 10, false })

	require.NoError(t, runGenerate(Cmd, nil))

	for _, name := range []string{"ca.crt", "ca.key", "server.crt", "server.key"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	_, err := os.Stat(filepath.Join(dir, "client.crt"))
	assert.True(t, os.IsNotExist(err), "client cert is only written with --client")

	_, err = tls.LoadX509KeyPair(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	assert.NoError(t, err)
}
