package sealing

import (
	"crypto/sha256"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/hkdf"
)

// SealingKeySize is the AES key size used for pairing blobs.
const SealingKeySize = 16

// KeyProvider supplies the platform-bound sealing key. Every call returns a fresh copy
// which the caller wipes after use.
type KeyProvider interface {
	SealingKey() ([]byte, error)
}

// StaticKey is a KeyProvider returning a fixed key. It is intended for tests and simulation.
type StaticKey []byte

// SealingKey returns a copy of the key.
func (k StaticKey) SealingKey() ([]byte, error) {
	if len(k) != SealingKeySize {
		return nil, fmt.Errorf("static sealing key is %d bytes, want %d", len(k), SealingKeySize)
	}
	return slices.Clone(k), nil
}

// DerivedKey derives the sealing key from a platform root secret bound to a measurement
// of the running code, so a blob sealed by one build cannot be opened by another.
type DerivedKey struct {
	RootSecret  []byte
	Measurement []byte
}

const derivedKeyInfo = "pse-pairing sealing key v1"

// SealingKey runs HKDF-SHA256 over the root secret with the measurement as salt.
func (k DerivedKey) SealingKey() ([]byte, error) {
	if len(k.RootSecret) == 0 {
		return nil, fmt.Errorf("root secret is empty")
	}
	key := make([]byte, SealingKeySize)
	r := hkdf.New(sha256.New, k.RootSecret, k.Measurement, []byte(derivedKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return key, nil
}
