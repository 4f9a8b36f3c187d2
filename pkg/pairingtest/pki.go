// Package pairingtest provides a simulated co-processor and test PKI for exercising the
// pairing handshake without hardware.
package pairingtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"golang.org/x/crypto/ocsp"
)

// PKI holds every key and certificate the handshake trusts.
type PKI struct {
	// Root issues group certificates and the verifier leaf.
	RootKey *ecdsa.PrivateKey
	Root    *x509.Certificate

	// RLKey signs revocation lists.
	RLKey *ecdsa.PrivateKey
	// PlatformInfoKey signs platform info blobs.
	PlatformInfoKey *ecdsa.PrivateKey

	VerifierKey  *ecdsa.PrivateKey
	VerifierLeaf *x509.Certificate

	// OCSPURL is written into verifier leaves issued after it is set.
	OCSPURL string

	mu     sync.Mutex
	serial int64
}

// NewPKI creates a fresh root, revocation list signer, platform info signer and verifier leaf.
func NewPKI() (*PKI, error) {
	p := &PKI{}
	var err error
	if p.RootKey, err = newKey(); err != nil {
		return nil, err
	}
	if p.RLKey, err = newKey(); err != nil {
		return nil, err
	}
	if p.PlatformInfoKey, err = newKey(); err != nil {
		return nil, err
	}
	if p.VerifierKey, err = newKey(); err != nil {
		return nil, err
	}
	rootTmpl := p.template("pse-pairing test root")
	rootTmpl.IsCA = true
	rootTmpl.BasicConstraintsValid = true
	rootTmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	if p.Root, err = createCertificate(rootTmpl, rootTmpl, &p.RootKey.PublicKey, p.RootKey); err != nil {
		return nil, err
	}
	if p.VerifierLeaf, err = p.IssueVerifier(&p.VerifierKey.PublicKey); err != nil {
		return nil, err
	}
	return p, nil
}

func newKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func (p *PKI) template(cn string) *x509.Certificate {
	p.mu.Lock()
	p.serial++
	serial := p.serial
	p.mu.Unlock()
	return &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
}

func createCertificate(tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// IssueVerifier issues a verifier leaf certificate for pub.
func (p *PKI) IssueVerifier(pub *ecdsa.PublicKey) (*x509.Certificate, error) {
	tmpl := p.template("pse-pairing verifier")
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	if p.OCSPURL != "" {
		tmpl.OCSPServer = []string{p.OCSPURL}
	}
	return createCertificate(tmpl, p.Root, pub, p.RootKey)
}

// IssueGroup issues a group certificate binding gid to groupKey.
func (p *PKI) IssueGroup(gid wire.GroupID, groupKey *ecdsa.PublicKey) ([]byte, error) {
	ext, err := groupsig.GroupIDExtension(gid)
	if err != nil {
		return nil, err
	}
	tmpl := p.template(fmt.Sprintf("group %s", gid))
	tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	cert, err := createCertificate(tmpl, p.Root, groupKey, p.RootKey)
	if err != nil {
		return nil, err
	}
	return cert.Raw, nil
}

// SetOCSPResponder reissues the verifier leaf naming url as its OCSP responder.
func (p *PKI) SetOCSPResponder(url string) error {
	p.OCSPURL = url
	leaf, err := p.IssueVerifier(&p.VerifierKey.PublicKey)
	if err != nil {
		return err
	}
	p.VerifierLeaf = leaf
	return nil
}

// VerifierChain returns the verifier chain root first.
func (p *PKI) VerifierChain() [][]byte {
	return [][]byte{p.Root.Raw, p.VerifierLeaf.Raw}
}

// Anchors returns the trust anchors matching this PKI.
func (p *PKI) Anchors() pairing.TrustAnchors {
	return pairing.TrustAnchors{
		RevocationListKeys: []*ecdsa.PublicKey{&p.RLKey.PublicKey},
		GroupIssuers:       []*x509.Certificate{p.Root},
	}
}

// SignRevocationList encodes and signs a revocation list.
func (p *PKI) SignRevocationList(kind wire.RLKind, gid wire.GroupID, version uint32, entries [][]byte) ([]byte, error) {
	body, err := wire.RevocationListBody(kind, gid, version, entries)
	if err != nil {
		return nil, err
	}
	sig, err := primitives.Sign(rand.Reader, p.RLKey, body)
	if err != nil {
		return nil, err
	}
	return append(body, sig[:]...), nil
}

// SignPlatformInfo encodes and signs a version 2 platform info blob.
func (p *PKI) SignPlatformInfo(pi *wire.PlatformInfo) ([]byte, error) {
	body := wire.PlatformInfoBody(pi)
	sig, err := primitives.Sign(rand.Reader, p.PlatformInfoKey, body)
	if err != nil {
		return nil, err
	}
	return append(body, sig[:]...), nil
}

// OCSPResponse returns a good OCSP response for cert signed by the root.
func (p *PKI) OCSPResponse(cert *x509.Certificate, thisUpdate time.Time) ([]byte, error) {
	return p.OCSPResponseForSerial(cert.SerialNumber, thisUpdate)
}

// OCSPResponseForSerial returns a good OCSP response for the certificate with serial.
func (p *PKI) OCSPResponseForSerial(serial *big.Int, thisUpdate time.Time) ([]byte, error) {
	resp, err := ocsp.CreateResponse(p.Root, p.Root, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: serial,
		ThisUpdate:   thisUpdate,
		NextUpdate:   thisUpdate.Add(12 * time.Hour),
	}, p.RootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP response: %w", err)
	}
	return resp, nil
}
