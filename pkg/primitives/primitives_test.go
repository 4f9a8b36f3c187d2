package primitives_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestECDH(t *testing.T) {
	t.Parallel()
	a, err := primitives.GenerateECDHKey(rand.Reader)
	require.NoError(t, err)
	b, err := primitives.GenerateECDHKey(rand.Reader)
	require.NoError(t, err)

	pa, err := primitives.ParseECDHPublicKey(primitives.PublicKeyBytes(a.PublicKey()))
	require.NoError(t, err)
	pb, err := primitives.ParseECDHPublicKey(primitives.PublicKeyBytes(b.PublicKey()))
	require.NoError(t, err)

	ab, err := primitives.SharedSecret(a, pb)
	require.NoError(t, err)
	ba, err := primitives.SharedSecret(b, pa)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Len(t, ab, 32)

	_, err = primitives.ParseECDHPublicKey(wire.PublicKey{1, 2, 3})
	require.ErrorIs(t, err, status.ErrParameter)

	_, err = primitives.GenerateECDHKey(failingReader{})
	require.ErrorIs(t, err, status.ErrCrypto)
}

func TestECDSA(t *testing.T) {
	t.Parallel()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	scalar := primitives.ECDSAScalar(key)
	rebuilt, err := primitives.ECDSAKeyFromScalar(scalar[:])
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(&rebuilt.PublicKey))

	msg := []byte("Ga||Gb")
	sig, err := primitives.Sign(rand.Reader, rebuilt, msg)
	require.NoError(t, err)

	pk := primitives.ECDSAPublicKeyBytes(&key.PublicKey)
	pub, err := primitives.ParseECDSAPublicKey(pk[:])
	require.NoError(t, err)
	require.True(t, primitives.Verify(pub, msg, sig[:]))
	require.False(t, primitives.Verify(pub, []byte("other"), sig[:]))
	require.False(t, primitives.Verify(pub, msg, sig[:63]))

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	require.True(t, primitives.VerifyAny([]*ecdsa.PublicKey{&other.PublicKey, pub}, msg, sig[:]))
	require.False(t, primitives.VerifyAny([]*ecdsa.PublicKey{&other.PublicKey}, msg, sig[:]))

	_, err = primitives.ECDSAKeyFromScalar(make([]byte, 32))
	require.ErrorIs(t, err, status.ErrParameter)

	words := rebuilt.D.Bits()
	primitives.WipeECDSAKey(rebuilt)
	require.Zero(t, rebuilt.D.Sign())
	for _, w := range words {
		require.Zero(t, w)
	}
	primitives.WipeECDSAKey(nil)
}

func TestHMAC(t *testing.T) {
	t.Parallel()
	key := []byte("k")
	require.Equal(t,
		primitives.HMACSHA256(key, []byte("ab"), []byte("c")),
		primitives.HMACSHA256(key, []byte("abc")),
	)
	a := primitives.HMACSHA256(key, []byte("x"))
	b := primitives.HMACSHA256(key, []byte("y"))
	require.True(t, primitives.Equal(a[:], a[:]))
	require.False(t, primitives.Equal(a[:], b[:]))
}

func TestGCM(t *testing.T) {
	t.Parallel()
	aead, err := primitives.NewGCM(make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, wire.SealNonceSize, aead.NonceSize())
	require.Equal(t, wire.SealTagSize, aead.Overhead())

	_, err = primitives.NewGCM(make([]byte, 5))
	require.ErrorIs(t, err, status.ErrCrypto)
}
