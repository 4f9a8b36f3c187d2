package wire

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// Pairing blob sizes.
const (
	IDSize                 = 32
	SymmetricKeySize       = 16
	PairingNonceSize       = 16
	InstanceIDSize         = 16
	VerifierPrivateKeySize = 32

	PairingSecretSize   = 2*IDSize + 4*SymmetricKeySize + VerifierPrivateKeySize
	PairingMetadataSize = InstanceIDSize + 2 + 2 + GIDSize + 4 + 4 + 8

	SealedHeaderSize  = 4
	SealNonceSize     = 12
	SealTagSize       = 16
	SealedPairingSize = SealedHeaderSize + PairingMetadataSize + SealNonceSize + PairingSecretSize + SealTagSize

	SealedTypePairing = 1
	SealedVersion     = 1
)

// PairingSecret is the encrypted part of the sealed pairing blob.
type PairingSecret struct {
	IDLocal      [IDSize]byte
	IDRemote     [IDSize]byte
	MK           [SymmetricKeySize]byte
	SK           [SymmetricKeySize]byte
	PairingID    [SymmetricKeySize]byte
	PairingNonce [PairingNonceSize]byte
	// VerifierPrivateKey is the big-endian P-256 scalar that signs Ga||Gb.
	VerifierPrivateKey [VerifierPrivateKeySize]byte
}

// HasPriorPairing reports whether the pairing nonce holds a value. Zero means no prior pairing.
func (s *PairingSecret) HasPriorPairing() bool {
	return !secret.IsZero(s.PairingNonce[:])
}

// MarshalBinary encodes the secret. The caller owns wiping the result.
func (s *PairingSecret) MarshalBinary() ([]byte, error) {
	w := NewWriter(PairingSecretSize)
	w.Write(s.IDLocal[:])
	w.Write(s.IDRemote[:])
	w.Write(s.MK[:])
	w.Write(s.SK[:])
	w.Write(s.PairingID[:])
	w.Write(s.PairingNonce[:])
	w.Write(s.VerifierPrivateKey[:])
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a secret of exactly PairingSecretSize bytes.
func (s *PairingSecret) UnmarshalBinary(b []byte) error {
	if len(b) != PairingSecretSize {
		return fmt.Errorf("%w: pairing secret is %d bytes, want %d", status.ErrMalformedRecord, len(b), PairingSecretSize)
	}
	r := NewReader(b)
	for _, f := range [][]byte{s.IDLocal[:], s.IDRemote[:], s.MK[:], s.SK[:], s.PairingID[:], s.PairingNonce[:], s.VerifierPrivateKey[:]} {
		if err := r.Read(f); err != nil {
			return err
		}
	}
	return nil
}

// Wipe zeroes every field.
func (s *PairingSecret) Wipe() {
	secret.Wipe(s.IDLocal[:])
	secret.Wipe(s.IDRemote[:])
	secret.Wipe(s.MK[:])
	secret.Wipe(s.SK[:])
	secret.Wipe(s.PairingID[:])
	secret.Wipe(s.PairingNonce[:])
	secret.Wipe(s.VerifierPrivateKey[:])
}

// PairingMetadata is the authenticated plaintext part of the sealed pairing blob.
type PairingMetadata struct {
	InstanceID    [InstanceIDSize]byte
	LocalSVN      uint16
	RemoteSVN     uint16
	RemoteGID     GroupID
	SigRLVersion  uint32
	PrivRLVersion uint32
}

// MarshalBinary encodes the metadata including its reserved tail.
func (m *PairingMetadata) MarshalBinary() ([]byte, error) {
	w := NewWriter(PairingMetadataSize)
	w.Write(m.InstanceID[:])
	w.Uint16(m.LocalSVN)
	w.Uint16(m.RemoteSVN)
	w.Uint32(uint32(m.RemoteGID))
	w.Uint32(m.SigRLVersion)
	w.Uint32(m.PrivRLVersion)
	w.Write(make([]byte, PairingMetadataSize-w.Len()))
	return w.Bytes(), nil
}

// UnmarshalBinary decodes metadata of exactly PairingMetadataSize bytes.
func (m *PairingMetadata) UnmarshalBinary(b []byte) error {
	if len(b) != PairingMetadataSize {
		return fmt.Errorf("%w: pairing metadata is %d bytes, want %d", status.ErrMalformedRecord, len(b), PairingMetadataSize)
	}
	r := NewReader(b)
	if err := r.Read(m.InstanceID[:]); err != nil {
		return err
	}
	var err error
	if m.LocalSVN, err = r.Uint16(); err != nil {
		return err
	}
	if m.RemoteSVN, err = r.Uint16(); err != nil {
		return err
	}
	gid, err := r.Uint32()
	if err != nil {
		return err
	}
	m.RemoteGID = GroupID(gid)
	if m.SigRLVersion, err = r.Uint32(); err != nil {
		return err
	}
	if m.PrivRLVersion, err = r.Uint32(); err != nil {
		return err
	}
	return nil
}

// SealedLayout is a structural view of a sealed pairing blob. All slices alias the input.
type SealedLayout struct {
	Type     uint8
	Version  uint8
	Header   []byte
	Metadata []byte
	Nonce    []byte
	// Ciphertext includes the trailing authentication tag.
	Ciphertext []byte
}

// AAD returns the additional authenticated data, the header followed by the metadata.
func (l *SealedLayout) AAD() []byte {
	aad := make([]byte, 0, SealedHeaderSize+PairingMetadataSize)
	aad = append(aad, l.Header...)
	return append(aad, l.Metadata...)
}

// ParseSealedLayout splits a sealed pairing blob into its parts. Failures wrap ErrStructural.
func ParseSealedLayout(b []byte) (*SealedLayout, error) {
	if len(b) != SealedPairingSize {
		return nil, fmt.Errorf("%w: sealed blob is %d bytes, want %d", status.ErrStructural, len(b), SealedPairingSize)
	}
	r := NewReader(b)
	var l SealedLayout
	l.Header, _ = r.Bytes(SealedHeaderSize)
	l.Type, l.Version = l.Header[0], l.Header[1]
	if l.Type != SealedTypePairing || l.Version != SealedVersion {
		return nil, fmt.Errorf("%w: sealed blob type %d version %d", status.ErrStructural, l.Type, l.Version)
	}
	l.Metadata, _ = r.Bytes(PairingMetadataSize)
	l.Nonce, _ = r.Bytes(SealNonceSize)
	l.Ciphertext = r.Rest()
	return &l, nil
}

// SealedHeader returns the header for the current sealed blob type and version.
func SealedHeader() []byte {
	w := NewWriter(SealedHeaderSize)
	w.Uint8(SealedTypePairing)
	w.Uint8(SealedVersion)
	w.Uint16(0)
	return w.Bytes()
}
