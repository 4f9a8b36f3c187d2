package config

import (
	"crypto/tls"
	"fmt"
)

// TLSConfig contains the settings for the TLS configuration.
type TLSConfig struct {
	// Enabled is whether TLS is enabled.
	Enabled bool `env:"ENABLED" yaml:"enabled"`
	// LocalCerts is the configuration for the local certificates.
	LocalCerts LocalCertConfig `envPrefix:"LOCAL_" yaml:"localCerts"`
}

// LocalCertConfig contains the settings for the local certificates.
type LocalCertConfig struct {
	// CertFile is the path to the certificate file.
	CertFile string `env:"CERT_FILE" yaml:"certFile"`
	// KeyFile is the path to the key file for the certificate.
	KeyFile string `env:"KEY_FILE"  yaml:"keyFile"`
}

// ServerConfig loads the local key pair. It returns nil when TLS is disabled.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.LocalCerts.CertFile == "" || c.LocalCerts.KeyFile == "" {
		return nil, fmt.Errorf("TLS is enabled but no certificate files are set")
	}
	cert, err := tls.LoadX509KeyPair(c.LocalCerts.CertFile, c.LocalCerts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
