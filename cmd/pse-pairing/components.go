package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/DIMO-Network/pse-pairing/internal/app"
	pkgconfig "github.com/DIMO-Network/pse-pairing/pkg/config"
	"github.com/DIMO-Network/pse-pairing/pkg/coproc"
	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/ltp"
	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/rs/zerolog"
)

// components are what every mode runs against.
type components struct {
	store       storage.Store
	provisioner *provision.Provisioner
	pairer      *ltp.Pairer
	controller  *app.Controller
	closers     []func()
}

// Close releases connections and servers in reverse order of creation.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// collaborators are the environment specific inputs of assemble.
type collaborators struct {
	store           storage.Store
	anchors         pairing.TrustAnchors
	verifierRoots   []*x509.Certificate
	platformInfoKey *ecdsa.PublicKey
	sealer          *sealing.Sealer
	verifier        groupsig.Verifier
	backend         *transport.Backend
	device          coproc.Device
	quoting         provision.Attestation
}

// newComponents connects to the co-processor and the backend described by settings.
func newComponents(ctx context.Context, settings pkgconfig.PairingSettings, m *metrics.Metrics, logger zerolog.Logger) (*components, error) {
	store, err := storage.NewFileStore(settings.StateDir)
	if err != nil {
		return nil, err
	}
	anchors, err := settings.Trust.Anchors()
	if err != nil {
		return nil, err
	}
	roots, err := settings.Trust.VerifierRoots()
	if err != nil {
		return nil, err
	}
	platformInfoKey, err := settings.Trust.PlatformInfoPublicKey()
	if err != nil {
		return nil, err
	}
	if platformInfoKey == nil {
		logger.Warn().Msg("No platform info key configured; advisories will be reported invalid.")
	}
	keys, err := settings.Sealing.KeyProvider()
	if err != nil {
		return nil, err
	}
	verifier, err := settings.Trust.GroupVerifier()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: settings.Backend.RequestTimeout}
	if settings.Backend.VsockPort != 0 {
		httpClient = transport.NewVsockHTTPClient(settings.Backend.VsockPort, settings.Backend.RequestTimeout)
	}
	backend, err := newBackend(httpClient, settings.Backend.URL, settings, m, logger)
	if err != nil {
		return nil, err
	}
	device, err := coproc.DialVsock(ctx, settings.Coprocessor.CID, settings.Coprocessor.Port, logger)
	if err != nil {
		return nil, err
	}
	comps, err := assemble(collaborators{
		store:           store,
		anchors:         anchors,
		verifierRoots:   roots,
		platformInfoKey: platformInfoKey,
		sealer:          sealing.New(keys),
		verifier:        verifier,
		backend:         backend,
		device:          device,
		quoting:         device,
	}, settings, m, logger)
	if err != nil {
		device.Close() //nolint:errcheck
		return nil, err
	}
	comps.closers = append(comps.closers, func() { device.Close() }) //nolint:errcheck
	return comps, nil
}

func newBackend(client *http.Client, baseURL string, settings pkgconfig.PairingSettings, m *metrics.Metrics, logger zerolog.Logger) (*transport.Backend, error) {
	backend, err := transport.NewBackend(transport.NewHTTPNetwork(client), baseURL, logger)
	if err != nil {
		return nil, err
	}
	return backend.WithRetry(transport.RetryPolicy{
		Attempts: settings.Backend.RetryAttempts,
		Delay:    settings.Backend.RetryDelay,
		Metrics:  m,
	}), nil
}

func assemble(c collaborators, settings pkgconfig.PairingSettings, m *metrics.Metrics, logger zerolog.Logger) (*components, error) {
	handle, err := pairing.NewHandle(pairing.Config{
		Anchors:  c.anchors,
		Verifier: c.verifier,
		Sealer:   c.sealer,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing handle: %w", err)
	}
	local := provision.NewLocalContext(c.sealer, c.verifierRoots, settings.Sealing.LocalSVN)
	provisioner, err := provision.New(provision.Config{
		Attestation:     c.quoting,
		SecureContext:   local,
		Reloader:        local,
		Backend:         c.backend,
		Store:           c.store,
		Lock:            handle,
		PlatformInfoKey: c.platformInfoKey,
		BusyRetryDelay:  settings.Provisioning.BusyRetryDelay,
		MaxAttempts:     settings.Provisioning.MaxAttempts,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioner: %w", err)
	}
	pairer, err := ltp.New(ltp.Config{
		Handle:  handle,
		Device:  c.device,
		Backend: c.backend,
		Store:   c.store,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pairer: %w", err)
	}
	return &components{
		store:       c.store,
		provisioner: provisioner,
		pairer:      pairer,
		controller:  app.NewController(c.store, c.platformInfoKey, &logger),
	}, nil
}
