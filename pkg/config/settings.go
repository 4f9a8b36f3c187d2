package config

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/caarlos0/env/v11"
)

// PairingSettings is the configuration for the pairing and provisioning flows.
type PairingSettings struct {
	// AppName is the name of the application.
	AppName string `env:"APP_NAME" envDefault:"pse-pairing" yaml:"appName"`
	// StateDir holds the pairing blob, the certificate chain and the OCSP cache.
	StateDir string `env:"STATE_DIR" envDefault:"/var/lib/pse-pairing" yaml:"stateDir"`
	// Logger is the configuration for the logger.
	Logger LoggerSettings `envPrefix:"LOGGER_" yaml:"logger"`
	// Backend is the configuration for the provisioning backend.
	Backend BackendSettings `envPrefix:"BACKEND_" yaml:"backend"`
	// Coprocessor is where the co-processor applet listens.
	Coprocessor CoprocessorSettings `envPrefix:"COPROC_" yaml:"coprocessor"`
	// Provisioning tunes the provisioning retries.
	Provisioning ProvisioningSettings `envPrefix:"PROVISION_" yaml:"provisioning"`
	// Trust holds the verifier's trust anchors.
	Trust TrustSettings `envPrefix:"TRUST_" yaml:"trust"`
	// Sealing holds the inputs of the sealing key.
	Sealing SealingSettings `envPrefix:"SEALING_" yaml:"sealing"`
	// TLS is the configuration of the monitoring server.
	TLS TLSConfig `envPrefix:"TLS_" yaml:"tls"`
}

// LoggerSettings is the configuration for setting up the logger.
type LoggerSettings struct {
	Level string `env:"LEVEL" envDefault:"info" yaml:"level"`
	// VsockPort sends logs to the parent instance when non-zero.
	VsockPort uint32 `env:"VSOCK_PORT" yaml:"vsockPort"`
}

// BackendSettings is the configuration for the provisioning backend client.
type BackendSettings struct {
	URL            string        `env:"URL" envDefault:"http://localhost:8080" yaml:"url"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s" yaml:"requestTimeout"`
	// RetryAttempts bounds the calls made for one request that keeps failing transiently.
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3" yaml:"retryAttempts"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"1s" yaml:"retryDelay"`
	// VsockPort routes requests through the parent instance's proxy when non-zero.
	VsockPort uint32 `env:"VSOCK_PORT" yaml:"vsockPort"`
}

// CoprocessorSettings is the configuration for reaching the co-processor.
type CoprocessorSettings struct {
	CID  uint32 `env:"CID" envDefault:"3" yaml:"cid"`
	Port uint32 `env:"PORT" envDefault:"5100" yaml:"port"`
}

// ProvisioningSettings is the configuration for the provisioning orchestrator.
type ProvisioningSettings struct {
	BusyRetryDelay time.Duration `env:"BUSY_RETRY_DELAY" envDefault:"2s" yaml:"busyRetryDelay"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3" yaml:"maxAttempts"`
}

// TrustSettings holds hex encoded keys and a PEM bundle of group issuers.
type TrustSettings struct {
	// RevocationListKeys are X||Y public keys signing SigRL and PrivRL.
	RevocationListKeys []string `env:"REVOCATION_LIST_KEYS" yaml:"revocationListKeys"`
	// PlatformInfoKey is the X||Y public key signing platform info blobs.
	PlatformInfoKey string `env:"PLATFORM_INFO_KEY" yaml:"platformInfoKey"`
	// GroupIssuersFile is a PEM file of certificates that issue group certificates.
	GroupIssuersFile string `env:"GROUP_ISSUERS_FILE" yaml:"groupIssuersFile"`
	// VerifierRootsFile is a PEM file of roots the provisioned verifier chain must lead to.
	VerifierRootsFile string `env:"VERIFIER_ROOTS_FILE" yaml:"verifierRootsFile"`
	// GroupScheme selects the group signature verifier. Only "simulated" is built in,
	// and it must be chosen explicitly.
	GroupScheme string `env:"GROUP_SCHEME" yaml:"groupScheme"`
}

// GroupSchemeSimulated selects groupsig.Simulated.
const GroupSchemeSimulated = "simulated"

// SealingSettings holds the sealing key inputs.
type SealingSettings struct {
	// RootSecret is the hex encoded platform root secret.
	RootSecret string `env:"ROOT_SECRET,unset" yaml:"-"`
	// Measurement identifies the running build and binds blobs to it.
	Measurement string `env:"MEASUREMENT" envDefault:"pse-pairing" yaml:"measurement"`
	// LocalSVN is the security version recorded in blobs this build seals.
	LocalSVN uint16 `env:"LOCAL_SVN" envDefault:"1" yaml:"localSvn"`
}

// Load parses the settings from the process environment.
func Load() (PairingSettings, error) {
	return parse(env.Options{})
}

// LoadFromMap parses the settings from environment.
func LoadFromMap(environment map[string]string) (PairingSettings, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (PairingSettings, error) {
	settings, err := env.ParseAsWithOptions[PairingSettings](opts)
	if err != nil {
		return PairingSettings{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if settings.Backend.RetryAttempts < 1 {
		return PairingSettings{}, fmt.Errorf("backend retry attempts must be positive, got %d", settings.Backend.RetryAttempts)
	}
	if settings.Provisioning.MaxAttempts < 1 {
		return PairingSettings{}, fmt.Errorf("provisioning max attempts must be positive, got %d", settings.Provisioning.MaxAttempts)
	}
	return settings, nil
}

// Anchors decodes the revocation list keys and reads the group issuers.
func (t TrustSettings) Anchors() (pairing.TrustAnchors, error) {
	var anchors pairing.TrustAnchors
	for i, s := range t.RevocationListKeys {
		key, err := parseHexKey(s)
		if err != nil {
			return pairing.TrustAnchors{}, fmt.Errorf("revocation list key %d: %w", i, err)
		}
		anchors.RevocationListKeys = append(anchors.RevocationListKeys, key)
	}
	if t.GroupIssuersFile == "" {
		return anchors, nil
	}
	data, err := os.ReadFile(t.GroupIssuersFile)
	if err != nil {
		return pairing.TrustAnchors{}, fmt.Errorf("failed to read group issuers: %w", err)
	}
	anchors.GroupIssuers, err = ParseCertificates(data)
	if err != nil {
		return pairing.TrustAnchors{}, err
	}
	return anchors, nil
}

// GroupVerifier returns the verifier named by GroupScheme.
func (t TrustSettings) GroupVerifier() (groupsig.Verifier, error) {
	switch t.GroupScheme {
	case GroupSchemeSimulated:
		return groupsig.Simulated{}, nil
	case "":
		return nil, fmt.Errorf("group signature scheme is not set")
	default:
		return nil, fmt.Errorf("unsupported group signature scheme %q", t.GroupScheme)
	}
}

// VerifierRoots reads the verifier chain roots.
func (t TrustSettings) VerifierRoots() ([]*x509.Certificate, error) {
	if t.VerifierRootsFile == "" {
		return nil, fmt.Errorf("verifier roots file is not set")
	}
	data, err := os.ReadFile(t.VerifierRootsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier roots: %w", err)
	}
	return ParseCertificates(data)
}

// PlatformInfoPublicKey decodes the platform info key. An empty setting returns nil.
func (t TrustSettings) PlatformInfoPublicKey() (*ecdsa.PublicKey, error) {
	if t.PlatformInfoKey == "" {
		return nil, nil
	}
	key, err := parseHexKey(t.PlatformInfoKey)
	if err != nil {
		return nil, fmt.Errorf("platform info key: %w", err)
	}
	return key, nil
}

func parseHexKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex: %w", err)
	}
	return primitives.ParseECDSAPublicKey(raw)
}

// ParseCertificates decodes every CERTIFICATE block in a PEM bundle.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

// KeyProvider returns the sealing key provider for these settings.
func (s SealingSettings) KeyProvider() (sealing.KeyProvider, error) {
	secret, err := hex.DecodeString(s.RootSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode root secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("root secret is not set")
	}
	return sealing.DerivedKey{RootSecret: secret, Measurement: []byte(s.Measurement)}, nil
}
