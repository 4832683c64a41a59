// Package api holds the JSON bodies exchanged with the pki server.
package api

// RegisterResponse is returned by POST /register/{deviceId}.
type RegisterResponse struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
	PublicKey   string `json:"publicKey"`
	CA          string `json:"ca"`
	IpfsHash    string `json:"ipfsHash"`
}

// PublicKeyResponse is returned by GET /public-key/{deviceId}.
type PublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
	IpfsHash  string `json:"ipfsHash"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Route paths.
const (
	RegisterPath  = "/register/{deviceId}"
	PublicKeyPath = "/public-key/{deviceId}"
	GatewayPath   = "/ipfs/{address}"
	HealthPath    = "/health"
	MetricsPath   = "/metrics"
)
