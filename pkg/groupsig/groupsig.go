// Package groupsig is the boundary to the group-signature primitive used by the co-processor
// to authenticate S3, together with group certificate parsing.
package groupsig

import (
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Verdict is the outcome of a group signature verification.
type Verdict uint8

// Verdicts.
const (
	Invalid Verdict = iota
	Valid
	RevokedGroup
	RevokedPrivateKey
	RevokedSignature
)

func (v Verdict) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	case RevokedGroup:
		return "revoked by group list"
	case RevokedPrivateKey:
		return "revoked by private key list"
	case RevokedSignature:
		return "revoked by signature list"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Err maps the verdict to its error kind. Valid maps to nil.
func (v Verdict) Err() error {
	switch v {
	case Valid:
		return nil
	case RevokedGroup:
		return status.ErrGroupRevoked
	case RevokedPrivateKey:
		return status.ErrPrivateKeyRevoked
	case RevokedSignature:
		return status.ErrSignatureRevoked
	default:
		return status.ErrSignatureInvalid
	}
}

// RevocationLists are the lists consulted during verification. Either may be nil.
// Both must already be signature-checked.
type RevocationLists struct {
	SigRL  *wire.RevocationList
	PrivRL *wire.RevocationList
}

// PublicKey is a group public key taken from a group certificate.
type PublicKey struct {
	GID wire.GroupID
	Key *ecdsa.PublicKey
	// Raw is the certificate's DER SubjectPublicKeyInfo.
	Raw []byte
}

// Verifier verifies group signatures.
type Verifier interface {
	Verify(pub *PublicKey, msg, sig []byte, rls RevocationLists) (Verdict, error)
}

// OIDGroupID is the certificate extension carrying the 4-byte group identifier as an OCTET STRING.
var OIDGroupID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 9, 3}

// ParseCertificate parses a DER group certificate, checks it was issued by one of issuers,
// and extracts the group identifier and public key. Failures wrap ErrCertificateInvalid.
func ParseCertificate(der []byte, issuers []*x509.Certificate) (*PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrCertificateInvalid, err)
	}
	if !issuedByAny(cert, issuers) {
		return nil, fmt.Errorf("%w: group certificate not issued by a trusted issuer", status.ErrCertificateInvalid)
	}
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: group key has type %T", status.ErrCertificateInvalid, cert.PublicKey)
	}
	gid, err := groupID(cert)
	if err != nil {
		return nil, err
	}
	return &PublicKey{GID: gid, Key: key, Raw: cert.RawSubjectPublicKeyInfo}, nil
}

func issuedByAny(cert *x509.Certificate, issuers []*x509.Certificate) bool {
	for _, iss := range issuers {
		if cert.CheckSignatureFrom(iss) == nil {
			return true
		}
	}
	return false
}

func groupID(cert *x509.Certificate) (wire.GroupID, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDGroupID) {
			continue
		}
		var raw []byte
		rest, err := asn1.Unmarshal(ext.Value, &raw)
		if err != nil || len(rest) != 0 {
			return 0, fmt.Errorf("%w: malformed group id extension", status.ErrCertificateInvalid)
		}
		if len(raw) != wire.GIDSize {
			return 0, fmt.Errorf("%w: group id is %d bytes", status.ErrCertificateInvalid, len(raw))
		}
		gid, err := wire.NewReader(raw).Uint32()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", status.ErrCertificateInvalid, err)
		}
		return wire.GroupID(gid), nil
	}
	return 0, fmt.Errorf("%w: group certificate has no group id", status.ErrCertificateInvalid)
}

// GroupIDExtension returns the certificate extension encoding gid.
func GroupIDExtension(gid wire.GroupID) (pkix.Extension, error) {
	w := wire.NewWriter(wire.GIDSize)
	w.Uint32(uint32(gid))
	v, err := asn1.Marshal(w.Bytes())
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to encode group id: %w", err)
	}
	return pkix.Extension{Id: OIDGroupID, Value: v}, nil
}

// CheckRevocationList verifies rl's signature against keys and that it belongs to gid.
// A nil list is accepted.
func CheckRevocationList(rl *wire.RevocationList, keys []*ecdsa.PublicKey, gid wire.GroupID) error {
	if rl == nil {
		return nil
	}
	if !primitives.VerifyAny(keys, rl.Signed, rl.Signature[:]) {
		return fmt.Errorf("%w: %s signature does not verify", status.ErrRevocationListInvalid, rl.Kind)
	}
	if rl.GID != gid {
		return fmt.Errorf("%w: %s is for group %s, want %s", status.ErrGIDMismatch, rl.Kind, rl.GID, gid)
	}
	return nil
}
