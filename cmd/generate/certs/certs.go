package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	hosts      []string
	withClient bool
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate certificates for the QUIC transport (CA, simulator, optional client)",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

// DefaultHosts are always included in the simulator certificate.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

func init() {
	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&hosts, "host", nil, "additional DNS name or IP of the simulator, repeatable")
	Cmd.Flags().BoolVar(&withClient, "client", false, "also generate a client certificate")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()

	logger.Info().Str("dir", outputDir).Int("years", validYears).Msg("generating certificates")

	caKey, caCert, err := GenerateCA(validYears)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}
	serverKey, serverCert, err := GenerateServerCert(caKey, caCert, validYears, hosts...)
	if err != nil {
		return fmt.Errorf("generate server cert: %w", err)
	}

	files := map[string][]byte{
		"ca.key":     EncodePrivateKey(caKey),
		"ca.crt":     EncodeCertificate(caCert),
		"server.key": EncodePrivateKey(serverKey),
		"server.crt": EncodeCertificate(serverCert),
	}
	if withClient {
		clientKey, clientCert, err := GenerateClientCert(caKey, caCert, validYears)
		if err != nil {
			return fmt.Errorf("generate client cert: %w", err)
		}
		files["client.key"] = EncodePrivateKey(clientKey)
		files["client.crt"] = EncodeCertificate(clientCert)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for name, data := range files {
		path := filepath.Join(outputDir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		logger.Info().Str("file", path).Msg("generated")
	}

	logger.Info().Msg("certificate generation complete")
	return nil
}

// GenerateCA generates a self-signed CA certificate
func GenerateCA(validYears int) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"igtlink"},
			CommonName:   "igtlink Root CA",
		},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	return issue(template, nil, nil, validYears)
}

// GenerateServerCert generates the simulator certificate, valid for
// DefaultHosts and any extra host names or addresses.
func GenerateServerCert(caKey *ecdsa.PrivateKey, caCert *x509.Certificate, validYears int, extra ...string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"igtlink"},
			CommonName:   "igtlink Simulator",
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range append(append([]string{}, DefaultHosts...), extra...) {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return issue(template, caKey, caCert, validYears)
}

// GenerateClientCert generates a client certificate
func GenerateClientCert(caKey *ecdsa.PrivateKey, caCert *x509.Certificate, validYears int) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"igtlink"},
			CommonName:   "igtlink Client",
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return issue(template, caKey, caCert, validYears)
}

// issue creates a key and signs template with the CA, or self-signs when
// caCert is nil.
func issue(template *x509.Certificate, caKey *ecdsa.PrivateKey, caCert *x509.Certificate, validYears int) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	if validYears < 1 {
		return nil, nil, fmt.Errorf("validity must be at least one year, got %d", validYears)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}
	template.SerialNumber = serialNumber
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().AddDate(validYears, 0, 0)

	parent, signer := caCert, caKey
	if caCert == nil {
		parent, signer = template, key
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	return key, cert, nil
}

// EncodePrivateKey encodes a private key to PKCS#8 PEM
func EncodePrivateKey(key *ecdsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		// only fails for unsupported key types
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
}

// EncodeCertificate encodes a certificate to PEM format
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
