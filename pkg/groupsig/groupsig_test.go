package groupsig_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/pairingtest"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/stretchr/testify/require"
)

const gid wire.GroupID = 0x0000_0C11

func newGroupKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func TestParseCertificate(t *testing.T) {
	t.Parallel()
	pki, err := pairingtest.NewPKI()
	require.NoError(t, err)
	groupKey := newGroupKey(t)

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		der, err := pki.IssueGroup(gid, &groupKey.PublicKey)
		require.NoError(t, err)
		pub, err := groupsig.ParseCertificate(der, []*x509.Certificate{pki.Root})
		require.NoError(t, err)
		require.Equal(t, gid, pub.GID)
		require.True(t, groupKey.PublicKey.Equal(pub.Key))
		require.NotEmpty(t, pub.Raw)
	})

	t.Run("untrusted issuer", func(t *testing.T) {
		t.Parallel()
		other, err := pairingtest.NewPKI()
		require.NoError(t, err)
		der, err := other.IssueGroup(gid, &groupKey.PublicKey)
		require.NoError(t, err)
		_, err = groupsig.ParseCertificate(der, []*x509.Certificate{pki.Root})
		require.ErrorIs(t, err, status.ErrCertificateInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := groupsig.ParseCertificate([]byte{0x30, 0x03, 0x01}, []*x509.Certificate{pki.Root})
		require.ErrorIs(t, err, status.ErrCertificateInvalid)
	})

	t.Run("missing group id", func(t *testing.T) {
		t.Parallel()
		der := selfSigned(t, groupKey, nil)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		_, err = groupsig.ParseCertificate(der, []*x509.Certificate{cert})
		require.ErrorIs(t, err, status.ErrCertificateInvalid)
	})

	t.Run("short group id", func(t *testing.T) {
		t.Parallel()
		v, err := asn1.Marshal([]byte{1, 2})
		require.NoError(t, err)
		der := selfSigned(t, groupKey, []pkix.Extension{{Id: groupsig.OIDGroupID, Value: v}})
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		_, err = groupsig.ParseCertificate(der, []*x509.Certificate{cert})
		require.ErrorIs(t, err, status.ErrCertificateInvalid)
	})
}

func selfSigned(t *testing.T, key *ecdsa.PrivateKey, exts []pkix.Extension) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "group"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtraExtensions:       exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func parseRL(t *testing.T, kind wire.RLKind, raw []byte) *wire.RevocationList {
	t.Helper()
	rl, err := wire.ParseRevocationList(kind, raw)
	require.NoError(t, err)
	return rl
}

func TestSimulatedVerify(t *testing.T) {
	t.Parallel()
	pki, err := pairingtest.NewPKI()
	require.NoError(t, err)
	groupKey := newGroupKey(t)
	member, err := groupsig.NewMember(rand.Reader, groupKey)
	require.NoError(t, err)
	bystander, err := groupsig.NewMember(rand.Reader, groupKey)
	require.NoError(t, err)
	pub := &groupsig.PublicKey{GID: gid, Key: &groupKey.PublicKey}
	msg := []byte("ga||gb")

	sig, err := member.Sign(rand.Reader, msg)
	require.NoError(t, err)
	require.Len(t, sig, groupsig.SimSigSize)

	earlier, err := member.Sign(rand.Reader, []byte("earlier"))
	require.NoError(t, err)
	memberEntry, err := groupsig.SigRLEntry(earlier)
	require.NoError(t, err)
	bystanderSig, err := bystander.Sign(rand.Reader, []byte("other"))
	require.NoError(t, err)
	bystanderEntry, err := groupsig.SigRLEntry(bystanderSig)
	require.NoError(t, err)

	rawSigRL, err := pki.SignRevocationList(wire.SigRL, gid, 1, [][]byte{bystanderEntry, memberEntry})
	require.NoError(t, err)
	rawOtherSigRL, err := pki.SignRevocationList(wire.SigRL, gid, 1, [][]byte{bystanderEntry})
	require.NoError(t, err)
	rawPrivRL, err := pki.SignRevocationList(wire.PrivRL, gid, 1, [][]byte{member.F[:]})
	require.NoError(t, err)
	rawOtherPrivRL, err := pki.SignRevocationList(wire.PrivRL, gid, 1, [][]byte{bystander.F[:]})
	require.NoError(t, err)

	tampered := append([]byte{}, sig...)
	tampered[len(tampered)-1] ^= 1
	forgedK := append([]byte{}, sig...)
	forgedK[wire.PublicKeySize] ^= 1

	tests := []struct {
		name      string
		verifier  groupsig.Simulated
		msg       []byte
		sig       []byte
		rls       groupsig.RevocationLists
		want      groupsig.Verdict
		wantError status.Kind
	}{
		{name: "valid", want: groupsig.Valid},
		{name: "other message", msg: []byte("gb||ga"), want: groupsig.Invalid, wantError: status.ErrSignatureInvalid},
		{name: "tampered", sig: tampered, want: groupsig.Invalid, wantError: status.ErrSignatureInvalid},
		{name: "forged K", sig: forgedK, want: groupsig.Invalid, wantError: status.ErrSignatureInvalid},
		{name: "short", sig: sig[:100], want: groupsig.Invalid, wantError: status.ErrSignatureInvalid},
		{
			name:      "group revoked",
			verifier:  groupsig.Simulated{RevokedGroups: []wire.GroupID{gid}},
			want:      groupsig.RevokedGroup,
			wantError: status.ErrGroupRevoked,
		},
		{
			name:      "private key revoked",
			rls:       groupsig.RevocationLists{PrivRL: parseRL(t, wire.PrivRL, rawPrivRL)},
			want:      groupsig.RevokedPrivateKey,
			wantError: status.ErrPrivateKeyRevoked,
		},
		{
			name: "other private key revoked",
			rls:  groupsig.RevocationLists{PrivRL: parseRL(t, wire.PrivRL, rawOtherPrivRL)},
			want: groupsig.Valid,
		},
		{
			name:      "signature revoked",
			rls:       groupsig.RevocationLists{SigRL: parseRL(t, wire.SigRL, rawSigRL)},
			want:      groupsig.RevokedSignature,
			wantError: status.ErrSignatureRevoked,
		},
		{
			name: "other signature revoked",
			rls:  groupsig.RevocationLists{SigRL: parseRL(t, wire.SigRL, rawOtherSigRL)},
			want: groupsig.Valid,
		},
		{
			name: "private key checked before signatures",
			rls: groupsig.RevocationLists{
				SigRL:  parseRL(t, wire.SigRL, rawSigRL),
				PrivRL: parseRL(t, wire.PrivRL, rawPrivRL),
			},
			want:      groupsig.RevokedPrivateKey,
			wantError: status.ErrPrivateKeyRevoked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.msg == nil {
				tt.msg = msg
			}
			if tt.sig == nil {
				tt.sig = sig
			}
			got, err := tt.verifier.Verify(pub, tt.msg, tt.sig, tt.rls)
			require.NoError(t, err)
			require.Equal(t, tt.want, got, got.String())
			if tt.want == groupsig.Valid {
				require.NoError(t, got.Err())
				return
			}
			require.ErrorIs(t, got.Err(), tt.wantError)
		})
	}

	_, err = groupsig.Simulated{}.Verify(nil, msg, sig, groupsig.RevocationLists{})
	require.Error(t, err)
}

func TestCheckRevocationList(t *testing.T) {
	t.Parallel()
	pki, err := pairingtest.NewPKI()
	require.NoError(t, err)
	other, err := pairingtest.NewPKI()
	require.NoError(t, err)
	keys := []*ecdsa.PublicKey{&pki.RLKey.PublicKey}

	good, err := pki.SignRevocationList(wire.PrivRL, gid, 4, nil)
	require.NoError(t, err)
	foreign, err := other.SignRevocationList(wire.PrivRL, gid, 4, nil)
	require.NoError(t, err)

	require.NoError(t, groupsig.CheckRevocationList(nil, keys, gid))
	require.NoError(t, groupsig.CheckRevocationList(parseRL(t, wire.PrivRL, good), keys, gid))
	require.ErrorIs(t, groupsig.CheckRevocationList(parseRL(t, wire.PrivRL, good), keys, gid+1), status.ErrGIDMismatch)
	require.ErrorIs(t, groupsig.CheckRevocationList(parseRL(t, wire.PrivRL, foreign), keys, gid), status.ErrRevocationListInvalid)

	// The second key in the anchor set also verifies.
	both := []*ecdsa.PublicKey{&other.RLKey.PublicKey, &pki.RLKey.PublicKey}
	require.NoError(t, groupsig.CheckRevocationList(parseRL(t, wire.PrivRL, good), both, gid))
}

func TestVerdictString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "valid", groupsig.Valid.String())
	require.Contains(t, groupsig.Verdict(99).String(), "99")
}
