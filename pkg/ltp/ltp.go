// Package ltp runs long-term pairing with the co-processor end to end: it loads the
// provisioned blob and certificate chain, gathers revocation lists and OCSP responses from
// the backend, drives a pairing session and persists the updated blob.
package ltp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/coproc"
	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultMaxOCSPAge bounds how old a freshly fetched OCSP response may be.
const DefaultMaxOCSPAge = 24 * time.Hour

// Backend serves revocation lists and relays OCSP requests.
type Backend interface {
	RevocationList(ctx context.Context, kind wire.RLKind, gid wire.GroupID) ([]byte, error)
	OCSP(ctx context.Context, responderURL string, req []byte) ([]byte, error)
}

// Config configures a Pairer.
type Config struct {
	Handle  *pairing.Handle
	Device  coproc.Device
	Backend Backend
	Store   storage.Store

	MaxOCSPAge time.Duration
	// Now is the clock for OCSP freshness. Defaults to time.Now.
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Result describes a completed pairing.
type Result struct {
	IsNew    bool
	GID      wire.GroupID
	Metadata *wire.PairingMetadata
}

// Pairer pairs with one co-processor.
type Pairer struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and returns a Pairer.
func New(cfg Config) (*Pairer, error) {
	if cfg.Handle == nil || cfg.Device == nil || cfg.Backend == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: handle, device, backend and store are required", status.ErrParameter)
	}
	if cfg.MaxOCSPAge <= 0 {
		cfg.MaxOCSPAge = DefaultMaxOCSPAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pairer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ltp").Logger(),
	}, nil
}

// Pair runs one handshake. The stored blob changes only when the handshake succeeds, or is
// removed when it can no longer be unsealed.
func (p *Pairer) Pair(ctx context.Context) (res *Result, err error) {
	defer func() {
		p.cfg.Metrics.ObservePairing(res != nil && res.IsNew, err)
	}()

	sess, err := p.cfg.Handle.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	// Read under the session lock so a concurrent provisioning cannot swap the blob.
	blob, chain, err := p.load()
	if err != nil {
		return nil, err
	}

	rawS1, err := p.cfg.Device.S1(ctx)
	if err != nil {
		return nil, fmt.Errorf("get S1: %w", err)
	}
	s1, err := wire.ParseS1(rawS1)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With().Stringer("gid", s1.GID).Logger()

	sigRL, err := p.cfg.Backend.RevocationList(ctx, wire.SigRL, s1.GID)
	if err != nil {
		return nil, fmt.Errorf("fetch SigRL: %w", err)
	}
	privRL, err := p.cfg.Backend.RevocationList(ctx, wire.PrivRL, s1.GID)
	if err != nil {
		return nil, fmt.Errorf("fetch PrivRL: %w", err)
	}
	ocspResponses, fetched, err := p.ocspResponses(ctx, s1.OCSPReq.Type, chain)
	if err != nil {
		return nil, fmt.Errorf("gather OCSP responses: %w", err)
	}

	s2, err := sess.GenM7(rawS1, sigRL, ocspResponses, chain, blob)
	if err != nil {
		return nil, p.dropInvalidBlob(err)
	}
	s3, err := p.cfg.Device.ExchangeS2(ctx, s2)
	if err != nil {
		return nil, fmt.Errorf("exchange S2: %w", err)
	}
	updated, isNew, err := sess.VerifyM8(s3, privRL, blob)
	if err != nil {
		return nil, p.dropInvalidBlob(err)
	}
	if err := p.cfg.Store.Write(storage.KeyPairingBlob, updated); err != nil {
		return nil, fmt.Errorf("persist pairing blob: %w", err)
	}
	if fetched && s1.OCSPReq.Type == wire.OCSPCached {
		if err := p.saveOCSPCache(ocspResponses); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache OCSP responses.")
		}
	}

	md, err := sealing.ReadMetadata(updated)
	if err != nil {
		return nil, err
	}
	logger.Info().Bool("isNew", isNew).Uint16("remoteSVN", md.RemoteSVN).Msg("Long-term pairing completed.")
	return &Result{IsNew: isNew, GID: s1.GID, Metadata: md}, nil
}

func (p *Pairer) load() ([]byte, [][]byte, error) {
	blob, err := p.cfg.Store.Read(storage.KeyPairingBlob)
	if errors.Is(err, status.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: no pairing blob", status.ErrNotProvisioned)
	}
	if err != nil {
		return nil, nil, err
	}
	chain, err := storage.LoadChain(p.cfg.Store)
	if errors.Is(err, status.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: no verifier certificate chain", status.ErrNotProvisioned)
	}
	if err != nil {
		return nil, nil, err
	}
	return blob, chain, nil
}

// dropInvalidBlob deletes a blob that failed to unseal so the next provisioning starts clean.
func (p *Pairer) dropInvalidBlob(err error) error {
	if !errors.Is(err, status.ErrPairingBlobInvalid) {
		return err
	}
	p.logger.Warn().Err(err).Msg("Deleting unusable pairing blob.")
	if delErr := p.cfg.Store.Delete(storage.KeyPairingBlob); delErr != nil {
		return errors.Join(err, fmt.Errorf("failed to delete pairing blob: %w", delErr))
	}
	return err
}
