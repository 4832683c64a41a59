package contentstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxObjectSize bounds gateway responses; pinned key records are a few kilobytes.
const maxObjectSize = 1 << 20

// GatewayClient fetches objects from an HTTP gateway exposing GET {baseURL}/ipfs/{address}.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayClient creates a gateway client. A nil httpClient uses a client with a 10s timeout.
func NewGatewayClient(baseURL string, httpClient *http.Client) *GatewayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Fetch downloads the object at address and verifies its digest.
func (c *GatewayClient) Fetch(ctx context.Context, address string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/ipfs/%s", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", address, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway returned status %d for %s", resp.StatusCode, address)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if err := VerifyAddress(address, data); err != nil {
		return nil, err
	}
	return data, nil
}
