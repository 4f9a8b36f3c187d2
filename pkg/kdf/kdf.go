// Package kdf derives the pairing keys from an ECDH shared secret and computes the
// proof-of-relationship and identity tags.
package kdf

import (
	"crypto/sha256"
	"slices"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Tag bytes appended to derivation inputs.
const (
	tagSMK  = 0x00
	tagSKMK = 0x01

	// TagVerifier marks Pr, the verifier-side proof of relationship carried in S2.
	TagVerifier byte = 0x01
	// TagCoprocessor marks PrCSE, the co-processor proof of relationship carried in S3.
	TagCoprocessor byte = 0x02

	// TagLocal and TagRemote select the local or remote identity hash.
	TagLocal  byte = 0x01
	TagRemote byte = 0x02

	keySize = wire.SymmetricKeySize
)

var zeroKey [sha256.Size]byte

// Keys holds the symmetric keys of one handshake.
type Keys struct {
	SMK [keySize]byte
	SK  [keySize]byte
	MK  [keySize]byte
}

// Wipe zeroes all keys.
func (k *Keys) Wipe() {
	secret.Wipe(k.SMK[:])
	secret.Wipe(k.SK[:])
	secret.Wipe(k.MK[:])
}

// SharedSecretLE returns a little-endian copy of a big-endian ECDH x-coordinate.
func SharedSecretLE(x []byte) []byte {
	le := slices.Clone(x)
	slices.Reverse(le)
	return le
}

// DeriveSMK returns HMAC-SHA256(0^32, ssLE||0x00) truncated to the session MAC key size.
func DeriveSMK(ssLE []byte) [keySize]byte {
	h := primitives.HMACSHA256(zeroKey[:], ssLE, []byte{tagSMK})
	var smk [keySize]byte
	copy(smk[:], h[:keySize])
	secret.Wipe(h[:])
	return smk
}

// DeriveSKMK splits HMAC-SHA256(0^32, ssLE||0x01) into SK and MK.
func DeriveSKMK(ssLE []byte) (sk, mk [keySize]byte) {
	h := primitives.HMACSHA256(zeroKey[:], ssLE, []byte{tagSKMK})
	copy(sk[:], h[:keySize])
	copy(mk[:], h[keySize:])
	secret.Wipe(h[:])
	return sk, mk
}

// Derive computes all handshake keys from the big-endian shared secret x. Every
// intermediate copy of the secret is wiped before returning; the caller still owns x.
func Derive(x []byte) Keys {
	le := SharedSecretLE(x)
	defer secret.Wipe(le)
	var k Keys
	k.SMK = DeriveSMK(le)
	k.SK, k.MK = DeriveSKMK(le)
	return k
}

// ComputePR returns HMAC-SHA256(MK, old||tag).
func ComputePR(mk, old []byte, tag byte) [wire.PRSize]byte {
	return primitives.HMACSHA256(mk, old, []byte{tag})
}

// ComputeID returns SHA256(SK||MK||tag).
func ComputeID(sk, mk []byte, tag byte) [wire.IDSize]byte {
	buf := make([]byte, 0, len(sk)+len(mk)+1)
	buf = append(buf, sk...)
	buf = append(buf, mk...)
	buf = append(buf, tag)
	id := sha256.Sum256(buf)
	secret.Wipe(buf)
	return id
}
