package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/margo/sealed-telemetry/shared-lib/http/auth"
)

// UserAgent is sent with every request built by this package.
const UserAgent = "sealed-telemetry/1.0"

// NewGetRequest creates a GET request expecting a JSON answer.
func NewGetRequest(ctx context.Context, rawURL string, authCfg *auth.AuthConfig) (*http.Request, error) {
	return newRequest(ctx, http.MethodGet, rawURL, authCfg, nil)
}

// NewPostRequest creates a POST request. A non-nil body is sent as JSON.
func NewPostRequest(ctx context.Context, rawURL string, authCfg *auth.AuthConfig, body any) (*http.Request, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := newRequest(ctx, http.MethodPost, rawURL, authCfg, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func newRequest(ctx context.Context, method, rawURL string, authCfg *auth.AuthConfig, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if err := auth.Apply(req, authCfg); err != nil {
		return nil, fmt.Errorf("failed to apply authentication: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
