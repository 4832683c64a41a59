package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"time"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateDeviceID checks that id is usable as a certificate CN, a directory name and a URL path
// segment.
func ValidateDeviceID(id string) error {
	if !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

// ParseCertificatePEM parses the first PEM-encoded certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// EncodeCertificatePEM encodes a DER certificate as PEM.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// VerifyIssuedBy checks that cert chains to caCert and is valid for client authentication. The
// chain is evaluated at the certificate's NotBefore so that short-lived certificates can still be
// checked after they expire.
func VerifyIssuedBy(caCert, cert *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: cert.NotBefore,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate for %q not issued by %q: %w", cert.Subject.CommonName, caCert.Subject.CommonName, err)
	}
	return nil
}

// ExtractDeviceID returns the device id carried by cert: the Common Name, or else the first DNS SAN.
func ExtractDeviceID(cert *x509.Certificate) (string, error) {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName, nil
	}
	for _, name := range cert.DNSNames {
		if name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("no device ID found in certificate")
}

// Expired reports whether cert is no longer valid at now, allowing renewBefore of slack.
func Expired(cert *x509.Certificate, now time.Time, renewBefore time.Duration) bool {
	return !now.Before(cert.NotAfter.Add(-renewBefore))
}
