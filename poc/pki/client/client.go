// Package client is a typed HTTP client for the pki server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/pki/api"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	httputils "github.com/margo/sealed-telemetry/shared-lib/http"
	"github.com/margo/sealed-telemetry/shared-lib/http/auth"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// Client talks to the pki server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *auth.AuthConfig
	retries    uint64
	log        *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends token as a bearer token on registration requests.
func WithToken(token string) Option {
	return func(c *Client) { c.auth = auth.Bearer(token) }
}

// WithRetries sets how many times idempotent lookups are retried on transport errors and 5xx.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    2,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log)
	return c
}

// Register asks the server to issue a new certificate and key pair for deviceID. Registration is
// not retried: every call mints a new key.
func (c *Client) Register(ctx context.Context, deviceID string) (*pki.IssuedBundle, error) {
	req, err := httputils.NewPostRequest(ctx, c.endpoint("register", deviceID), c.auth, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	var body api.RegisterResponse
	if err := httputils.DecodeResponse(resp, &body); err != nil {
		return nil, fmt.Errorf("register %q: %w", deviceID, err)
	}
	if body.Certificate == "" || body.PrivateKey == "" || body.CA == "" {
		return nil, fmt.Errorf("register %q: incomplete bundle in response", deviceID)
	}

	return &pki.IssuedBundle{
		CertificatePEM:   body.Certificate,
		PrivateKeyPEM:    body.PrivateKey,
		PublicKeyPEM:     body.PublicKey,
		CACertificatePEM: body.CA,
		ContentAddress:   body.IpfsHash,
	}, nil
}

// PublicKey returns the current public key record of deviceID, or an error wrapping
// pki.ErrNotFound when the server has none.
func (c *Client) PublicKey(ctx context.Context, deviceID string) (*pki.PublicKeyRecord, error) {
	var body api.PublicKeyResponse

	operation := func() error {
		req, err := httputils.NewGetRequest(ctx, c.endpoint("public-key", deviceID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		err = httputils.DecodeResponse(resp, &body)
		var statusErr *httputils.StatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusNotFound {
				return backoff.Permanent(fmt.Errorf("%w: %s", pki.ErrNotFound, deviceID))
			}
			if statusErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.log.Debugw("Retrying public key lookup", "deviceId", deviceID, "wait", wait.String(), "error", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx), notify); err != nil {
		return nil, fmt.Errorf("public key lookup for %q: %w", deviceID, err)
	}

	if body.PublicKey == "" || body.IpfsHash == "" {
		return nil, fmt.Errorf("public key lookup for %q: incomplete response", deviceID)
	}
	return &pki.PublicKeyRecord{
		PublicKeyPEM:   body.PublicKey,
		ContentAddress: body.IpfsHash,
	}, nil
}

func (c *Client) endpoint(route, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, route, url.PathEscape(deviceID))
}
