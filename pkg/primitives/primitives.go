// Package primitives adapts the standard library P-256, HMAC-SHA256 and AES-GCM
// implementations to the fixed-size encodings used on the pairing wire.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

const (
	coordinateSize = 32
	uncompressed   = 0x04
)

// GenerateECDHKey returns a fresh P-256 key pair read from rand.
func GenerateECDHKey(rand io.Reader) (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate ECDH key: %w", status.ErrCrypto, err)
	}
	return key, nil
}

// PublicKeyBytes encodes pub as X||Y.
func PublicKeyBytes(pub *ecdh.PublicKey) wire.PublicKey {
	var out wire.PublicKey
	copy(out[:], pub.Bytes()[1:])
	return out
}

// ParseECDHPublicKey decodes an X||Y point. Points not on the curve are rejected with ErrParameter.
func ParseECDHPublicKey(pk wire.PublicKey) (*ecdh.PublicKey, error) {
	raw := make([]byte, 0, 1+wire.PublicKeySize)
	raw = append(raw, uncompressed)
	raw = append(raw, pk[:]...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid public key: %w", status.ErrParameter, err)
	}
	return pub, nil
}

// SharedSecret runs ECDH and returns the big-endian x-coordinate of the shared point.
// The caller must wipe the result.
func SharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	ss, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compute shared secret: %w", status.ErrParameter, err)
	}
	return ss, nil
}

// ECDSAKeyFromScalar builds a P-256 signing key from a big-endian scalar.
func ECDSAKeyFromScalar(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != coordinateSize || secret.IsZero(d) {
		return nil, fmt.Errorf("%w: invalid private scalar", status.ErrParameter)
	}
	k, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private scalar: %w", status.ErrParameter, err)
	}
	pub := k.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1 : 1+coordinateSize]),
			Y:     new(big.Int).SetBytes(pub[1+coordinateSize:]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

// WipeECDSAKey zeroes the private scalar of key, including the words backing it.
func WipeECDSAKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	clear(key.D.Bits())
	key.D.SetInt64(0)
}

// ECDSAScalar returns the big-endian private scalar of key.
func ECDSAScalar(key *ecdsa.PrivateKey) [coordinateSize]byte {
	var out [coordinateSize]byte
	key.D.FillBytes(out[:])
	return out
}

// ECDSAPublicKeyBytes encodes pub as X||Y.
func ECDSAPublicKeyBytes(pub *ecdsa.PublicKey) wire.PublicKey {
	var out wire.PublicKey
	pub.X.FillBytes(out[:coordinateSize])
	pub.Y.FillBytes(out[coordinateSize:])
	return out
}

// ParseECDSAPublicKey decodes an X||Y point into a verification key.
func ParseECDSAPublicKey(pk []byte) (*ecdsa.PublicKey, error) {
	if len(pk) != wire.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", status.ErrParameter, len(pk))
	}
	var fixed wire.PublicKey
	copy(fixed[:], pk)
	if _, err := ParseECDHPublicKey(fixed); err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pk[:coordinateSize]),
		Y:     new(big.Int).SetBytes(pk[coordinateSize:]),
	}, nil
}

// Sign returns the r||s ECDSA signature over SHA-256(msg).
func Sign(rand io.Reader, key *ecdsa.PrivateKey, msg []byte) ([wire.SignatureSize]byte, error) {
	var sig [wire.SignatureSize]byte
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand, key, digest[:])
	if err != nil {
		return sig, fmt.Errorf("%w: failed to sign: %w", status.ErrCrypto, err)
	}
	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])
	return sig, nil
}

// Verify checks an r||s ECDSA signature over SHA-256(msg).
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub == nil || len(sig) != wire.SignatureSize {
		return false
	}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:coordinateSize])
	s := new(big.Int).SetBytes(sig[coordinateSize:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// VerifyAny reports whether sig verifies under any of keys.
func VerifyAny(keys []*ecdsa.PublicKey, msg, sig []byte) bool {
	for _, k := range keys {
		if Verify(k, msg, sig) {
			return true
		}
	}
	return false
}

// HMACSHA256 returns HMAC-SHA256 over the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [sha256.Size]byte
	mac.Sum(out[:0])
	return out
}

// Equal compares a and b in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NewGCM returns an AES-GCM AEAD with the standard 12-byte nonce and 16-byte tag.
func NewGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %w", status.ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %w", status.ErrCrypto, err)
	}
	return aead, nil
}
