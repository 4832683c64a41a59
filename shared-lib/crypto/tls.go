package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// LoadCustomCA loads a PEM CA bundle and returns a TLS config trusting only it.
func LoadCustomCA(caPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", caPath, err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// NewHTTPClient returns an HTTP client with the given timeout. A non-empty caPath restricts server
// verification to that CA bundle.
func NewHTTPClient(caPath string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if caPath == "" {
		return client, nil
	}

	tlsConfig, err := LoadCustomCA(caPath)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	client.Transport = transport
	return client, nil
}
