package bus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// LoadTLSConfig builds the client TLS configuration for the broker
// connection. It returns nil when neither a CA file nor a server name is set.
func LoadTLSConfig(caFile, serverName string) (*tls.Config, error) {
	if caFile == "" && serverName == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read broker CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse broker CA certificate")
		}
		tlsConfig.RootCAs = pool

		log.Debug().
			Str("ca_cert", caFile).
			Msg("Broker TLS enabled")
	}

	return tlsConfig, nil
}
