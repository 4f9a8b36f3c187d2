package provision

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
)

// Report binds a pending verifier key to the provisioning nonce for the quoting target.
type Report struct {
	TargetInfo []byte                             `cbor:"1,keyasint"`
	Nonce      [transport.ProvisionNonceSize]byte `cbor:"2,keyasint"`
	PublicKey  wire.PublicKey                     `cbor:"3,keyasint"`
}

// Quote is a report attested for a group.
type Quote struct {
	GID    uint32 `cbor:"1,keyasint"`
	Report []byte `cbor:"2,keyasint"`
}

// ParseQuote decodes a quote and the report inside it.
func ParseQuote(raw []byte) (*Quote, *Report, error) {
	var q Quote
	if err := cbor.Unmarshal(raw, &q); err != nil {
		return nil, nil, fmt.Errorf("%w: quote: %w", status.ErrMalformedRecord, err)
	}
	var r Report
	if err := cbor.Unmarshal(q.Report, &r); err != nil {
		return nil, nil, fmt.Errorf("%w: report: %w", status.ErrMalformedRecord, err)
	}
	return &q, &r, nil
}

// LocalContext is a SecureContext that keeps the pending verifier key in process memory
// and seals the provisioned key into an empty pairing blob.
type LocalContext struct {
	sealer *sealing.Sealer
	roots  []*x509.Certificate
	svn    uint16
	rand   io.Reader

	mu      sync.Mutex
	pending *ecdsa.PrivateKey
}

// NewLocalContext returns a context that accepts chains leading to one of roots.
func NewLocalContext(sealer *sealing.Sealer, roots []*x509.Certificate, svn uint16) *LocalContext {
	return &LocalContext{sealer: sealer, roots: roots, svn: svn, rand: rand.Reader}
}

// PrepareCertificateRequest creates a fresh verifier key and reports it with nonce.
func (l *LocalContext) PrepareCertificateRequest(_ context.Context, targetInfo []byte, nonce [transport.ProvisionNonceSize]byte) ([]byte, error) {
	if len(targetInfo) == 0 {
		return nil, fmt.Errorf("%w: empty target info", status.ErrParameter)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), l.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: generate verifier key: %w", status.ErrCrypto, err)
	}
	report, err := cbor.Marshal(Report{
		TargetInfo: targetInfo,
		Nonce:      nonce,
		PublicKey:  primitives.ECDSAPublicKeyBytes(&key.PublicKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	l.mu.Lock()
	l.pending = key
	l.mu.Unlock()
	return report, nil
}

// FinalizeCertificate checks chain against the pending key and returns the empty pairing blob.
func (l *LocalContext) FinalizeCertificate(_ context.Context, chain [][]byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return nil, fmt.Errorf("%w: no certificate request is pending", status.ErrCallOrder)
	}
	leaf, err := l.verifyChain(chain)
	if err != nil {
		return nil, err
	}
	if !l.pending.PublicKey.Equal(leaf.PublicKey) {
		return nil, fmt.Errorf("%w: leaf certificate does not certify the pending key", status.ErrCertificateInvalid)
	}
	id, err := sealing.NewInstanceID()
	if err != nil {
		return nil, err
	}
	blob, err := l.sealer.NewEmptyBlob(l.pending, id, l.svn)
	if err != nil {
		return nil, err
	}
	l.pending = nil
	return blob, nil
}

// verifyChain checks that chain, root first, is a signature chain from a trusted root.
func (l *LocalContext) verifyChain(chain [][]byte) (*x509.Certificate, error) {
	if len(chain) < 2 {
		return nil, fmt.Errorf("%w: chain of %d certificates", status.ErrCertificateInvalid, len(chain))
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %w", status.ErrCertificateInvalid, i, err)
		}
		certs[i] = cert
	}
	trusted := false
	for _, r := range l.roots {
		if r.Equal(certs[0]) {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, fmt.Errorf("%w: chain root is not trusted", status.ErrCertificateInvalid)
	}
	for i := 1; i < len(certs); i++ {
		if err := certs[i].CheckSignatureFrom(certs[i-1]); err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %w", status.ErrCertificateInvalid, i, err)
		}
	}
	return certs[len(certs)-1], nil
}

// Reload drops the pending key, as a restarted secure context would.
func (l *LocalContext) Reload(context.Context) error {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	return nil
}
