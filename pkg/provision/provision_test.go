package provision_test

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/pairingtest"
	"github.com/DIMO-Network/pse-pairing/pkg/platforminfo"
	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testGID wire.GroupID = 0x0000_0C31

type testEnv struct {
	pki     *pairingtest.PKI
	backend *pairingtest.Backend
	att     *pairingtest.Attestation
	local   *provision.LocalContext
	store   *storage.MemoryStore
	sealer  *sealing.Sealer
	lock    provision.Locker
	// failKey makes writes of that key fail.
	failKey string
}

// failingStore fails every write of one key.
type failingStore struct {
	*storage.MemoryStore
	key string
}

func (f failingStore) Write(key string, value []byte) error {
	if key == f.key {
		return errors.New("disk full")
	}
	return f.MemoryStore.Write(key, value)
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	pki, err := pairingtest.NewPKI()
	require.NoError(t, err)
	backend, err := pairingtest.NewBackend(pki)
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	sealer := sealing.New(pairingtest.SealingKey)
	return &testEnv{
		pki:     pki,
		backend: backend,
		att:     pairingtest.NewAttestation(testGID),
		local:   provision.NewLocalContext(sealer, []*x509.Certificate{pki.Root}, 2),
		store:   storage.NewMemoryStore(),
		sealer:  sealer,
	}
}

func (e *testEnv) provisioner(t *testing.T, sc provision.SecureContext, reloader provision.Reloader) *provision.Provisioner {
	t.Helper()
	backend, err := transport.NewBackend(transport.NewHTTPNetwork(nil), e.backend.URL(), zerolog.Nop())
	require.NoError(t, err)
	backend.WithRetry(transport.RetryPolicy{Attempts: 3, Delay: time.Millisecond})
	var store storage.Store = e.store
	if e.failKey != "" {
		store = failingStore{MemoryStore: e.store, key: e.failKey}
	}
	if sc == nil {
		sc = e.local
	}
	if reloader == nil {
		reloader = e.local
	}
	p, err := provision.New(provision.Config{
		Attestation:     e.att,
		SecureContext:   sc,
		Reloader:        reloader,
		Backend:         backend,
		Store:           store,
		Lock:            e.lock,
		PlatformInfoKey: &e.pki.PlatformInfoKey.PublicKey,
		BusyRetryDelay:  time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

func TestProvision(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sigRL, err := e.pki.SignRevocationList(wire.SigRL, testGID, 4, nil)
	require.NoError(t, err)
	e.backend.SetRevocationList(wire.SigRL, testGID, sigRL)
	e.backend.SetPlatformInfo(&wire.PlatformInfo{GroupFlags: 1 << 2, GID: testGID})

	p := e.provisioner(t, nil, nil)
	res, err := p.Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, provision.Done, p.State())
	require.Equal(t, testGID, res.GID)
	require.Equal(t, sigRL, e.att.LastSigRL())

	chain, err := storage.LoadChain(e.store)
	require.NoError(t, err)
	require.Equal(t, res.Chain, chain)
	require.Equal(t, e.pki.Root.Raw, chain[0])
	leaf, err := x509.ParseCertificate(chain[1])
	require.NoError(t, err)

	blob, err := e.store.Read(storage.KeyPairingBlob)
	require.NoError(t, err)
	sec, md, err := e.sealer.Unseal(blob)
	require.NoError(t, err)
	require.Equal(t, uint16(2), md.LocalSVN)
	require.Zero(t, md.RemoteGID)
	require.NotEqual(t, [wire.InstanceIDSize]byte{}, md.InstanceID)
	require.Zero(t, sec.PairingID)
	key, err := primitives.ECDSAKeyFromScalar(sec.VerifierPrivateKey[:])
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(leaf.PublicKey), "blob carries the certified key")

	require.True(t, res.PlatformInfo.Valid)
	require.Equal(t, platforminfo.Provision, res.PlatformInfo.Decision())
	stored, err := e.store.Read(storage.KeyPlatformInfo)
	require.NoError(t, err)
	require.True(t, platforminfo.Verify(stored, &e.pki.PlatformInfoKey.PublicKey).Valid)
}

func TestProvisionWithoutRevocationList(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	res, err := e.provisioner(t, nil, nil).Run(t.Context())
	require.NoError(t, err)
	require.Nil(t, e.att.LastSigRL())
	require.False(t, res.PlatformInfo.Valid)
	_, err = e.store.Read(storage.KeyPlatformInfo)
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestProvisionBusyRetry(t *testing.T) {
	t.Parallel()
	t.Run("one busy reply is retried", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.att.SetBusy(1)
		_, err := e.provisioner(t, nil, nil).Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, 3, e.att.Calls())
	})
	t.Run("second busy reply fails", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.att.SetBusy(2)
		_, err := e.provisioner(t, nil, nil).Run(t.Context())
		require.ErrorIs(t, err, status.ErrBusy)
		require.Equal(t, 2, e.att.Calls())
		require.Empty(t, e.store.Snapshot())
	})
	t.Run("cancelled while waiting", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.att.SetBusy(1)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := e.provisioner(t, nil, nil).Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestProvisionBackendFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*pairingtest.Backend)
		want  error
	}{
		{
			name:  "invalid gid",
			setup: func(b *pairingtest.Backend) { b.SetStatus(transport.StatusInvalidGID) },
			want:  status.ErrBackendInvalidGID,
		},
		{
			name:  "group revoked",
			setup: func(b *pairingtest.Backend) { b.SetStatus(transport.StatusGroupRevoked) },
			want:  status.ErrBackendGroupRevoked,
		},
		{
			name:  "invalid quote",
			setup: func(b *pairingtest.Backend) { b.SetStatus(transport.StatusInvalidQuote) },
			want:  status.ErrBackendInvalidQuote,
		},
		{
			name:  "server busy",
			setup: func(b *pairingtest.Backend) { b.SetStatus(transport.StatusServerBusy) },
			want:  status.ErrServerBusy,
		},
		{
			name:  "unknown status",
			setup: func(b *pairingtest.Backend) { b.SetStatus(42) },
			want:  status.ErrBackendUnknown,
		},
		{
			name:  "unavailable",
			setup: func(b *pairingtest.Backend) { b.SetUnavailable(3) },
			want:  status.ErrNetworkUnavailable,
		},
		{
			name:  "busy past every retry",
			setup: func(b *pairingtest.Backend) { b.SetBusy(3) },
			want:  status.ErrServerBusy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			tt.setup(e.backend)
			p := e.provisioner(t, nil, nil)
			_, err := p.Run(t.Context())
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, provision.Failed, p.State())
			require.Empty(t, e.store.Snapshot())
		})
	}
}

func TestProvisionRetriesTransientBackendFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*pairingtest.Backend)
	}{
		{name: "busy", setup: func(b *pairingtest.Backend) { b.SetBusy(2) }},
		{name: "unavailable", setup: func(b *pairingtest.Backend) { b.SetUnavailable(2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			tt.setup(e.backend)
			p := e.provisioner(t, nil, nil)
			_, err := p.Run(t.Context())
			require.NoError(t, err)
			require.Equal(t, provision.Done, p.State())
			_, err = e.store.Read(storage.KeyPairingBlob)
			require.NoError(t, err)
		})
	}
}

func TestProvisionPersistFailureRestores(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, err := e.provisioner(t, nil, nil).Run(t.Context())
	require.NoError(t, err)
	before := e.store.Snapshot()

	e.backend.SetPlatformInfo(&wire.PlatformInfo{GroupFlags: 1 << 2, GID: testGID})
	e.failKey = storage.KeyPairingBlob
	_, err = e.provisioner(t, nil, nil).Run(t.Context())
	require.ErrorContains(t, err, "persist pairing blob")
	require.Equal(t, before, e.store.Snapshot())
}

func TestProvisionWaitsForSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	handle, err := pairing.NewHandle(pairing.Config{
		Anchors:  e.pki.Anchors(),
		Verifier: groupsig.Simulated{},
		Sealer:   e.sealer,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	e.lock = handle
	p := e.provisioner(t, nil, nil)

	sess, err := handle.NewSession(t.Context())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(t.Context())
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("provisioned while a pairing session was open")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, e.att.Calls())

	sess.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("provisioning did not resume after the session closed")
	}
	held, err := handle.TryNewSession()
	require.NoError(t, err, "provisioning releases the handle")
	defer held.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProvisionFailureKeepsPreviousProvisioning(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, err := e.provisioner(t, nil, nil).Run(t.Context())
	require.NoError(t, err)
	before := e.store.Snapshot()

	e.backend.SetStatus(transport.StatusGroupRevoked)
	_, err = e.provisioner(t, nil, nil).Run(t.Context())
	require.ErrorIs(t, err, status.ErrBackendGroupRevoked)
	require.Equal(t, before, e.store.Snapshot())
}

// losingContext reports the secure context lost on its first lose calls.
type losingContext struct {
	*provision.LocalContext
	lose    int
	reloads int
}

func (l *losingContext) PrepareCertificateRequest(ctx context.Context, targetInfo []byte, nonce [transport.ProvisionNonceSize]byte) ([]byte, error) {
	if l.lose > 0 {
		l.lose--
		return nil, status.ErrEnclaveLost
	}
	return l.LocalContext.PrepareCertificateRequest(ctx, targetInfo, nonce)
}

func (l *losingContext) Reload(ctx context.Context) error {
	l.reloads++
	return l.LocalContext.Reload(ctx)
}

func TestProvisionEnclaveLost(t *testing.T) {
	t.Parallel()
	t.Run("recovers within attempts", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		lc := &losingContext{LocalContext: e.local, lose: 2}
		_, err := e.provisioner(t, lc, lc).Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, lc.reloads)
	})
	t.Run("gives up after three attempts", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		lc := &losingContext{LocalContext: e.local, lose: 3}
		_, err := e.provisioner(t, lc, lc).Run(t.Context())
		require.ErrorIs(t, err, status.ErrEnclaveLost)
		require.Equal(t, 2, lc.reloads)
		require.Empty(t, e.store.Snapshot())
	})
}

func TestLocalContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	var nonce [transport.ProvisionNonceSize]byte

	_, err := e.local.FinalizeCertificate(t.Context(), e.pki.VerifierChain())
	require.ErrorIs(t, err, status.ErrCallOrder)

	_, err = e.local.PrepareCertificateRequest(t.Context(), nil, nonce)
	require.ErrorIs(t, err, status.ErrParameter)

	_, err = e.local.PrepareCertificateRequest(t.Context(), pairingtest.TargetInfo, nonce)
	require.NoError(t, err)

	// The PKI's own verifier leaf certifies a different key.
	_, err = e.local.FinalizeCertificate(t.Context(), e.pki.VerifierChain())
	require.ErrorIs(t, err, status.ErrCertificateInvalid)

	_, err = e.local.FinalizeCertificate(t.Context(), e.pki.VerifierChain()[:1])
	require.ErrorIs(t, err, status.ErrCertificateInvalid)

	other, err := pairingtest.NewPKI()
	require.NoError(t, err)
	_, err = e.local.FinalizeCertificate(t.Context(), other.VerifierChain())
	require.ErrorIs(t, err, status.ErrCertificateInvalid)

	require.NoError(t, e.local.Reload(t.Context()))
	_, err = e.local.FinalizeCertificate(t.Context(), e.pki.VerifierChain())
	require.ErrorIs(t, err, status.ErrCallOrder)
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := provision.New(provision.Config{})
	require.ErrorIs(t, err, status.ErrParameter)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "quote requested", provision.QuoteRequested.String())
	require.Equal(t, "enclave lost", provision.EnclaveLost.String())
	require.Equal(t, "unknown", provision.State(99).String())
}
