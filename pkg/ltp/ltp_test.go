package ltp_test

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/ltp"
	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/pairingtest"
	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testGID wire.GroupID = 0x0000_0D17

type testEnv struct {
	h       *pairingtest.Harness
	backend *pairingtest.Backend
	client  *transport.Backend
	store   *storage.MemoryStore
}

// newEnv returns a provisioned store next to a simulated co-processor and backend.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	h, err := pairingtest.NewHarness(testGID, zerolog.Nop())
	require.NoError(t, err)
	backend, err := pairingtest.NewBackend(h.PKI)
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	client, err := transport.NewBackend(transport.NewHTTPNetwork(nil), backend.URL(), zerolog.Nop())
	require.NoError(t, err)
	client.WithRetry(transport.RetryPolicy{Attempts: 3, Delay: time.Millisecond})

	store := storage.NewMemoryStore()
	require.NoError(t, store.Write(storage.KeyPairingBlob, h.EmptyBlob))
	require.NoError(t, storage.SaveChain(store, h.PKI.VerifierChain()))
	return &testEnv{h: h, backend: backend, client: client, store: store}
}

func (e *testEnv) pairer(t *testing.T, mutate func(*ltp.Config)) *ltp.Pairer {
	t.Helper()
	cfg := ltp.Config{
		Handle:  e.h.Handle,
		Device:  e.h.Coprocessor,
		Backend: e.client,
		Store:   e.store,
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := ltp.New(cfg)
	require.NoError(t, err)
	return p
}

func TestPair(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	p := e.pairer(t, func(c *ltp.Config) { c.Metrics = m })

	res, err := p.Pair(t.Context())
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.Equal(t, testGID, res.GID)
	require.Equal(t, testGID, res.Metadata.RemoteGID)
	first, err := e.store.Read(storage.KeyPairingBlob)
	require.NoError(t, err)
	require.NotEqual(t, e.h.EmptyBlob, first)

	res, err = p.Pair(t.Context())
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.False(t, e.h.Coprocessor.LastWasNew())

	e.h.Coprocessor.Forget()
	res, err = p.Pair(t.Context())
	require.NoError(t, err)
	require.True(t, res.IsNew)
}

func TestPairNotProvisioned(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.store = storage.NewMemoryStore()
	_, err := e.pairer(t, nil).Pair(t.Context())
	require.ErrorIs(t, err, status.ErrNotProvisioned)

	require.NoError(t, e.store.Write(storage.KeyPairingBlob, e.h.EmptyBlob))
	_, err = e.pairer(t, nil).Pair(t.Context())
	require.ErrorIs(t, err, status.ErrNotProvisioned)
}

func TestPairRevocationLists(t *testing.T) {
	t.Parallel()
	t.Run("versions recorded", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		sigRL, err := e.h.PKI.SignRevocationList(wire.SigRL, testGID, 21, nil)
		require.NoError(t, err)
		privRL, err := e.h.PKI.SignRevocationList(wire.PrivRL, testGID, 22, nil)
		require.NoError(t, err)
		e.backend.SetRevocationList(wire.SigRL, testGID, sigRL)
		e.backend.SetRevocationList(wire.PrivRL, testGID, privRL)

		res, err := e.pairer(t, nil).Pair(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint32(21), res.Metadata.SigRLVersion)
		require.Equal(t, uint32(22), res.Metadata.PrivRLVersion)
	})
	t.Run("revoked member leaves the store untouched", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		privRL, err := e.h.PKI.SignRevocationList(wire.PrivRL, testGID, 3, [][]byte{e.h.Coprocessor.Member.F[:]})
		require.NoError(t, err)
		e.backend.SetRevocationList(wire.PrivRL, testGID, privRL)
		before := e.store.Snapshot()

		_, err = e.pairer(t, nil).Pair(t.Context())
		require.ErrorIs(t, err, status.ErrPrivateKeyRevoked)
		require.Equal(t, before, e.store.Snapshot())
	})
}

func TestPairOCSP(t *testing.T) {
	t.Parallel()
	t.Run("non-cached fetches every time", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPNonCached}
		p := e.pairer(t, nil)
		_, err := p.Pair(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, e.backend.Requests("/ocsp"))
		_, err = e.store.Read(storage.KeyOCSPResponseCache)
		require.ErrorIs(t, err, status.ErrNotFound)

		e.backend.SetOCSPDown(true)
		before := e.store.Snapshot()
		_, err = p.Pair(t.Context())
		require.ErrorIs(t, err, status.ErrNetworkUnavailable)
		require.Equal(t, before, e.store.Snapshot())
	})
	t.Run("cached falls back to the cache", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPCached}
		p := e.pairer(t, nil)
		_, err := p.Pair(t.Context())
		require.NoError(t, err)
		cache, err := e.store.Read(storage.KeyOCSPResponseCache)
		require.NoError(t, err)

		e.backend.SetOCSPDown(true)
		res, err := p.Pair(t.Context())
		require.NoError(t, err)
		require.False(t, res.IsNew)
		after, err := e.store.Read(storage.KeyOCSPResponseCache)
		require.NoError(t, err)
		require.Equal(t, cache, after, "the cache is only written after a fetch")
	})
	t.Run("cached without a cache fails", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPCached}
		e.backend.SetOCSPDown(true)
		_, err := e.pairer(t, nil).Pair(t.Context())
		require.ErrorIs(t, err, status.ErrNetworkUnavailable)
	})
	t.Run("expired response", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPNonCached}
		later := func() time.Time { return time.Now().Add(13 * time.Hour) }
		_, err := e.pairer(t, func(c *ltp.Config) { c.Now = later }).Pair(t.Context())
		require.ErrorIs(t, err, status.ErrProtocolRejected)
	})
	t.Run("stale response", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPNonCached}
		_, err := e.pairer(t, func(c *ltp.Config) { c.MaxOCSPAge = time.Second }).Pair(t.Context())
		require.ErrorIs(t, err, status.ErrProtocolRejected)
	})
}

func TestPairDeletesUnusableBlob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	blob := append([]byte{}, e.h.EmptyBlob...)
	blob[len(blob)-1] ^= 1
	require.NoError(t, e.store.Write(storage.KeyPairingBlob, blob))

	_, err := e.pairer(t, nil).Pair(t.Context())
	require.ErrorIs(t, err, status.ErrPairingBlobInvalid)
	_, err = e.store.Read(storage.KeyPairingBlob)
	require.ErrorIs(t, err, status.ErrNotFound)
	_, err = storage.LoadChain(e.store)
	require.NoError(t, err, "the chain stays for the next provisioning")
}

func TestPairBackendUnavailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.backend.SetUnavailable(3)
	before := e.store.Snapshot()
	_, err := e.pairer(t, nil).Pair(t.Context())
	require.ErrorIs(t, err, status.ErrNetworkUnavailable)
	require.True(t, status.IsTransient(err))
	require.Equal(t, before, e.store.Snapshot())

	_, err = e.pairer(t, nil).Pair(t.Context())
	require.NoError(t, err, "the handle is free again")
}

func TestPairRetriesUnavailableBackend(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.backend.SetUnavailable(2)
	res, err := e.pairer(t, nil).Pair(t.Context())
	require.NoError(t, err)
	require.True(t, res.IsNew)
}

func TestProvisionThenPair(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.store = storage.NewMemoryStore()
	e.h.Coprocessor.OCSPReq = wire.OCSPRequest{Type: wire.OCSPNonCached}

	local := provision.NewLocalContext(e.h.Sealer, []*x509.Certificate{e.h.PKI.Root}, 1)
	prov, err := provision.New(provision.Config{
		Attestation:   pairingtest.NewAttestation(testGID),
		SecureContext: local,
		Reloader:      local,
		Backend:       e.client,
		Store:         e.store,
		Lock:          e.h.Handle,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	_, err = prov.Run(t.Context())
	require.NoError(t, err)

	res, err := e.pairer(t, nil).Pair(t.Context())
	require.NoError(t, err)
	require.True(t, res.IsNew)
}

func TestNew(t *testing.T) {
	t.Parallel()
	_, err := ltp.New(ltp.Config{})
	require.ErrorIs(t, err, status.ErrParameter)
}
