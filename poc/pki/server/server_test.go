package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margo/sealed-telemetry/poc/pki/api"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki/pkitest"
	"github.com/margo/sealed-telemetry/shared-lib/config"
	httputils "github.com/margo/sealed-telemetry/shared-lib/http"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *pkitest.Fixture) {
	t.Helper()
	fx := pkitest.NewAuthority(t)

	var cfg Config
	cfg.SetDefaults()
	cfg.RegisterToken = token

	srv := httptest.NewServer(New(cfg, fx.Authority, fx.Store, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, fx
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterLookupAndGateway(t *testing.T) {
	srv, fx := newTestServer(t, "")

	resp := post(t, srv.URL+"/register/receiver", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var registered api.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&registered))
	assert.Contains(t, registered.Certificate, "BEGIN CERTIFICATE")
	assert.Contains(t, registered.PrivateKey, "PRIVATE KEY")
	assert.Contains(t, registered.PublicKey, "BEGIN PUBLIC KEY")
	assert.Equal(t, string(fx.CACertPEM), registered.CA)
	assert.True(t, strings.HasPrefix(registered.IpfsHash, "sha256:"))

	resp = get(t, srv.URL+"/public-key/receiver")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lookup api.PublicKeyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lookup))
	assert.Equal(t, registered.IpfsHash, lookup.IpfsHash)
	assert.Equal(t, registered.PublicKey, lookup.PublicKey)

	resp = get(t, srv.URL+"/ipfs/"+lookup.IpfsHash)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published pki.PublishedKey
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&published))
	assert.Equal(t, "receiver", published.DeviceID)
	assert.Equal(t, registered.PublicKey, published.PublicKey)
}

func TestLookupUnknownDeviceIs404(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := get(t, srv.URL+"/public-key/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body httputils.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)

	resp = get(t, srv.URL+"/ipfs/sha256:"+strings.Repeat("0", 64))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidDeviceIDIs400(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := post(t, srv.URL+"/register/.hidden", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv.URL+"/public-key/bad%20id")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPathParametersAreUnescapedOnce(t *testing.T) {
	srv, _ := newTestServer(t, "")

	// car%25311 is the escaped form of car%311, never car11
	resp := post(t, srv.URL+"/register/car%25311", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv.URL+"/public-key/car11")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, srv.URL+"/register/car%2D7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = get(t, srv.URL+"/public-key/car-7")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterRequiresTokenWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	resp := post(t, srv.URL+"/register/car1", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/register/car1", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// lookups stay public
	resp = get(t, srv.URL+"/public-key/car1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type stubAuthority struct {
	issueErr error
}

func (s stubAuthority) Issue(context.Context, string) (*pki.IssuedBundle, error) {
	return nil, s.issueErr
}

func (s stubAuthority) LookupCurrentAddress(context.Context, string) (*pki.PublicKeyRecord, error) {
	return nil, errors.New("store unavailable")
}

func TestIssueErrorMapping(t *testing.T) {
	for name, tc := range map[string]struct {
		err    error
		status int
	}{
		"publish":  {pki.ErrPublish, http.StatusBadGateway},
		"sign":     {pki.ErrSign, http.StatusInternalServerError},
		"internal": {errors.New("disk full"), http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			srv := httptest.NewServer(New(cfg, stubAuthority{issueErr: tc.err}, nil, nil).Handler())
			defer srv.Close()

			resp := post(t, srv.URL+"/register/car1", "")
			assert.Equal(t, tc.status, resp.StatusCode)

			resp = get(t, srv.URL+"/public-key/car1")
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

			// gateway disabled without a content store
			resp = get(t, srv.URL+"/ipfs/sha256:"+strings.Repeat("0", 64))
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := get(t, srv.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	post(t, srv.URL+"/register/car1", "")

	resp = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pki_certificates_issued_total 1")
}

func TestServerStartStops(t *testing.T) {
	fx := pkitest.NewAuthority(t)
	var cfg Config
	cfg.SetDefaults()
	cfg.ListenAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfg, fx.Authority, fx.Store, nil).Start(ctx) }()

	cancel()
	require.NoError(t, <-done)
}

func TestConfigDefaultsValidate(t *testing.T) {
	var cfg Config
	require.NoError(t, config.Load("", &cfg))
	assert.Equal(t, ":7070", cfg.ListenAddress)
	assert.Equal(t, pki.DefaultValidity, cfg.Validity)

	cfg.KeyBits = 1024
	require.Error(t, config.NewManager().Validate(&cfg))
}

func TestShippedConfigLoads(t *testing.T) {
	var cfg Config
	require.NoError(t, config.Load("../config/pki.yaml", &cfg))
	assert.Equal(t, 2*time.Minute, cfg.Validity)
	assert.Empty(t, cfg.RegisterToken)
}
