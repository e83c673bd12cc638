package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("mtls")

// LoadClientCert reads a PEM-encoded certificate and private key pair from disk.
func LoadClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config presenting the client certificate to
// the session authority. Returns nil if either path is empty.
func BuildTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	cert, err := LoadClientCert(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		if IsExpired(leaf.NotAfter, time.Now()) {
			log.Warn("client certificate has expired", "notAfter", leaf.NotAfter.Format(time.RFC3339))
		} else if NeedsRenewal(leaf.NotBefore, leaf.NotAfter, time.Now()) {
			log.Info("client certificate past two thirds of its lifetime", "notAfter", leaf.NotAfter.Format(time.RFC3339))
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IsExpired reports whether now is past notAfter.
func IsExpired(notAfter, now time.Time) bool {
	return now.After(notAfter)
}

// NeedsRenewal reports whether now is past 2/3 of the certificate lifetime.
func NeedsRenewal(notBefore, notAfter, now time.Time) bool {
	if !notAfter.After(notBefore) {
		return false
	}
	lifetime := notAfter.Sub(notBefore)
	return now.After(notBefore.Add(lifetime * 2 / 3))
}
