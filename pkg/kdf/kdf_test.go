package kdf_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/DIMO-Network/pse-pairing/pkg/kdf"
	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/stretchr/testify/require"
)

func sharedSecret() []byte {
	x := make([]byte, 32)
	for i := range x {
		x[i] = byte(i + 1)
	}
	return x
}

func reference(ssLE []byte, tag byte) []byte {
	mac := hmac.New(sha256.New, make([]byte, 32))
	mac.Write(ssLE)
	mac.Write([]byte{tag})
	return mac.Sum(nil)
}

func TestSharedSecretLE(t *testing.T) {
	t.Parallel()
	x := sharedSecret()
	le := kdf.SharedSecretLE(x)
	require.Equal(t, byte(32), le[0])
	require.Equal(t, byte(1), le[31])
	require.Equal(t, byte(1), x[0], "input must not be modified")
}

func TestDerive(t *testing.T) {
	t.Parallel()
	x := sharedSecret()
	le := kdf.SharedSecretLE(x)

	smk := kdf.DeriveSMK(le)
	require.Equal(t, reference(le, 0x00)[:16], smk[:])

	sk, mk := kdf.DeriveSKMK(le)
	h := reference(le, 0x01)
	require.Equal(t, h[:16], sk[:])
	require.Equal(t, h[16:], mk[:])

	keys := kdf.Derive(x)
	require.Equal(t, smk, keys.SMK)
	require.Equal(t, sk, keys.SK)
	require.Equal(t, mk, keys.MK)
	require.Equal(t, sharedSecret(), x, "caller owns the shared secret")
}

func TestDeterminism(t *testing.T) {
	t.Parallel()
	first := kdf.Derive(sharedSecret())
	for range 100 {
		require.Equal(t, first, kdf.Derive(sharedSecret()))
	}
	other := sharedSecret()
	other[0] ^= 1
	require.NotEqual(t, first, kdf.Derive(other))
}

func TestKeysWipe(t *testing.T) {
	t.Parallel()
	keys := kdf.Derive(sharedSecret())
	require.False(t, secret.IsZero(keys.SMK[:]))
	keys.Wipe()
	require.True(t, secret.IsZero(keys.SMK[:]))
	require.True(t, secret.IsZero(keys.SK[:]))
	require.True(t, secret.IsZero(keys.MK[:]))
}

func TestComputePRAndID(t *testing.T) {
	t.Parallel()
	keys := kdf.Derive(sharedSecret())
	old := make([]byte, 16)

	pr := kdf.ComputePR(keys.MK[:], old, kdf.TagVerifier)
	mac := hmac.New(sha256.New, keys.MK[:])
	mac.Write(old)
	mac.Write([]byte{0x01})
	require.Equal(t, mac.Sum(nil), pr[:])
	require.NotEqual(t, pr, kdf.ComputePR(keys.MK[:], old, kdf.TagCoprocessor))

	local := kdf.ComputeID(keys.SK[:], keys.MK[:], kdf.TagLocal)
	want := sha256.Sum256(append(append(append([]byte{}, keys.SK[:]...), keys.MK[:]...), 0x01))
	require.Equal(t, want, local)
	require.NotEqual(t, local, kdf.ComputeID(keys.SK[:], keys.MK[:], kdf.TagRemote))
}
