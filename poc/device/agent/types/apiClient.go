package types

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/pki/client"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	"github.com/margo/sealed-telemetry/shared-lib/crypto"
)

// APIClient builds the clients used to reach the certificate authority.
type APIClient struct {
	Config PKIConfig
	Log    *zap.SugaredLogger
}

func (f *APIClient) httpClient() (*http.Client, error) {
	hc, err := crypto.NewHTTPClient(f.Config.CAFile, f.Config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return hc, nil
}

// NewPKIClient creates a client for the registration and public key endpoints.
func (f *APIClient) NewPKIClient() (*client.Client, error) {
	hc, err := f.httpClient()
	if err != nil {
		return nil, err
	}
	return client.New(f.Config.URL,
		client.WithHTTPClient(hc),
		client.WithToken(f.Config.Token),
		client.WithRetries(f.Config.Retries),
		client.WithLogger(f.Log),
	), nil
}

// NewGatewayClient creates a content gateway client rooted at baseURL.
func (f *APIClient) NewGatewayClient(baseURL string) (*contentstore.GatewayClient, error) {
	hc, err := f.httpClient()
	if err != nil {
		return nil, err
	}
	return contentstore.NewGatewayClient(baseURL, hc), nil
}
