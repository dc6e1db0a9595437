package gateway

import (
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog/log"
)

// LoadServerTLS builds the HTTPS configuration from a certificate and key.
// It returns nil when both are empty. Clients are not authenticated.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	log.Info().Str("cert", certFile).Msg("Gateway TLS enabled")
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
