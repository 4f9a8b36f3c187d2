// Package sealing seals the long-term pairing secret under a platform key.
//
// A sealed pairing blob is the wire.SealedHeader, the plaintext metadata, a GCM nonce and the
// encrypted secret with its tag. The header and metadata are authenticated as associated data.
// A blob is always replaced as a whole, never patched.
package sealing

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"slices"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/gofrs/uuid"
)

// Sealer seals and unseals pairing blobs.
type Sealer struct {
	keys KeyProvider
	rand io.Reader
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithRand sets the nonce source. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(s *Sealer) { s.rand = r }
}

// New returns a Sealer using keys for every operation.
func New(keys KeyProvider, opts ...Option) *Sealer {
	s := &Sealer{keys: keys, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sealer) aead() (cipher.AEAD, error) {
	key, err := s.keys.SealingKey()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get sealing key: %w", status.ErrCrypto, err)
	}
	defer secret.Wipe(key)
	return primitives.NewGCM(key)
}

// Seal encrypts sec and binds md as associated data.
func (s *Sealer) Seal(sec *wire.PairingSecret, md *wire.PairingMetadata) ([]byte, error) {
	plaintext, err := sec.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairing secret: %w", err)
	}
	defer secret.Wipe(plaintext)
	meta, err := md.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode pairing metadata: %w", err)
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, wire.SealedPairingSize)
	blob = append(blob, wire.SealedHeader()...)
	blob = append(blob, meta...)
	aad := slices.Clone(blob)
	nonce := make([]byte, wire.SealNonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %w", status.ErrCrypto, err)
	}
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, aad)
	return blob, nil
}

// Unseal authenticates and decrypts blob. Layout failures wrap ErrStructural and
// authentication failures wrap ErrUnsealing.
func (s *Sealer) Unseal(blob []byte) (*wire.PairingSecret, *wire.PairingMetadata, error) {
	layout, err := wire.ParseSealedLayout(blob)
	if err != nil {
		return nil, nil, err
	}
	md, err := decodeMetadata(layout.Metadata)
	if err != nil {
		return nil, nil, err
	}

	aead, err := s.aead()
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := aead.Open(nil, layout.Nonce, layout.Ciphertext, layout.AAD())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", status.ErrUnsealing, err)
	}
	defer secret.Wipe(plaintext)

	var sec wire.PairingSecret
	if err := sec.UnmarshalBinary(plaintext); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", status.ErrStructural, err)
	}
	return &sec, md, nil
}

// ReadMetadata returns the plaintext metadata of blob without authenticating it.
func ReadMetadata(blob []byte) (*wire.PairingMetadata, error) {
	layout, err := wire.ParseSealedLayout(blob)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(layout.Metadata)
}

func decodeMetadata(b []byte) (*wire.PairingMetadata, error) {
	var md wire.PairingMetadata
	if err := md.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrStructural, err)
	}
	return &md, nil
}

// NewEmptyBlob seals a provisioned blob that carries the verifier signing key and no pairing.
func (s *Sealer) NewEmptyBlob(verifierKey *ecdsa.PrivateKey, instanceID uuid.UUID, localSVN uint16) ([]byte, error) {
	if verifierKey == nil {
		return nil, fmt.Errorf("%w: verifier key is required", status.ErrParameter)
	}
	var sec wire.PairingSecret
	defer sec.Wipe()
	sec.VerifierPrivateKey = primitives.ECDSAScalar(verifierKey)
	md := wire.PairingMetadata{LocalSVN: localSVN}
	copy(md.InstanceID[:], instanceID.Bytes())
	return s.Seal(&sec, &md)
}

// NewInstanceID returns a random instance identifier for a freshly provisioned blob.
func NewInstanceID() (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: failed to generate instance id: %w", status.ErrCrypto, err)
	}
	return id, nil
}

// InstanceID returns the metadata instance identifier as a UUID.
func InstanceID(md *wire.PairingMetadata) uuid.UUID {
	return uuid.FromBytesOrNil(md.InstanceID[:])
}
