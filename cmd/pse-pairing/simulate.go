package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"

	pkgconfig "github.com/DIMO-Network/pse-pairing/pkg/config"
	"github.com/DIMO-Network/pse-pairing/pkg/coproc"
	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/pairingtest"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/rs/zerolog"
)

const defaultSimulatedGID wire.GroupID = 0x0000_0E01

// newSimulatedComponents runs a simulated backend and co-processor in process and connects
// to them the same way newComponents connects to the real ones.
func newSimulatedComponents(ctx context.Context, gid wire.GroupID, settings pkgconfig.PairingSettings, m *metrics.Metrics, logger zerolog.Logger) (comps *components, err error) {
	if gid == 0 {
		gid = defaultSimulatedGID
	}
	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	pki, err := pairingtest.NewPKI()
	if err != nil {
		return nil, fmt.Errorf("failed to create simulated PKI: %w", err)
	}
	backend, err := pairingtest.NewBackend(pki)
	if err != nil {
		return nil, fmt.Errorf("failed to start simulated backend: %w", err)
	}
	closers = append(closers, backend.Close)
	// The advisory recommends a performance rekey, which needs no action from the verifier.
	backend.SetPlatformInfo(&wire.PlatformInfo{GroupFlags: 1 << 1, GID: gid})

	device, err := pairingtest.NewCoprocessor(pki, gid)
	if err != nil {
		return nil, fmt.Errorf("failed to create simulated co-processor: %w", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for simulated co-processor: %w", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	closers = append(closers, cancel)
	server := coproc.NewServer(device, logger).WithQuoting(pairingtest.NewAttestation(gid))
	go server.Serve(serveCtx, listener) //nolint:errcheck

	client := coproc.DialTCP(listener.Addr().String(), logger)
	closers = append(closers, func() { client.Close() }) //nolint:errcheck

	backendClient, err := newBackend(&http.Client{Timeout: settings.Backend.RequestTimeout}, backend.URL(), settings, m, logger)
	if err != nil {
		return nil, err
	}
	comps, err = assemble(collaborators{
		store:           storage.NewMemoryStore(),
		anchors:         pki.Anchors(),
		verifierRoots:   []*x509.Certificate{pki.Root},
		platformInfoKey: &pki.PlatformInfoKey.PublicKey,
		sealer:          sealing.New(pairingtest.SealingKey),
		verifier:        groupsig.Simulated{},
		backend:         backendClient,
		device:          client,
		quoting:         client,
	}, settings, m, logger)
	if err != nil {
		return nil, err
	}
	comps.closers = closers
	logger.Info().Stringer("gid", gid).Msg("Running against a simulated co-processor and backend.")
	return comps, nil
}
