// Package pairing implements the verifier side of the SIGMA 1.1 long-term pairing handshake.
//
// A Handle stands for one physical secure context. At most one attempt runs on a Handle at
// a time: a Session holds the lock from NewSession until Close, and provisioning holds it
// through Acquire.
package pairing

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Input ceilings checked before any cryptographic work.
const (
	MaxVerifierChainSize = 8 << 10
	MaxOCSPResponsesSize = 8 << 10
)

// TrustAnchors are the fixed keys and issuers the verifier trusts.
type TrustAnchors struct {
	// RevocationListKeys sign SigRL and PrivRL.
	RevocationListKeys []*ecdsa.PublicKey
	// GroupIssuers issue group certificates.
	GroupIssuers []*x509.Certificate
}

// Config configures a Handle.
type Config struct {
	Anchors  TrustAnchors
	Verifier groupsig.Verifier
	Sealer   *sealing.Sealer
	// Rand is the entropy source for ephemeral keys, signatures and nonces. Defaults to crypto/rand.
	Rand   io.Reader
	Logger zerolog.Logger
}

// Handle serializes pairing sessions on one secure context.
type Handle struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// NewHandle validates cfg and returns a Handle.
func NewHandle(cfg Config) (*Handle, error) {
	if cfg.Sealer == nil || cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: sealer and group verifier are required", status.ErrParameter)
	}
	if len(cfg.Anchors.RevocationListKeys) == 0 || len(cfg.Anchors.GroupIssuers) == 0 {
		return nil, fmt.Errorf("%w: trust anchors are required", status.ErrParameter)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Handle{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		logger: cfg.Logger.With().Str("component", "pairing").Logger(),
	}, nil
}

// Acquire waits until no pairing or provisioning attempt holds the secure context and
// locks it. The returned func releases the lock; it is safe to call more than once.
func (h *Handle) Acquire(ctx context.Context) (func(), error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire secure context: %w", err)
	}
	return h.releaser(), nil
}

func (h *Handle) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { h.sem.Release(1) }) }
}

// NewSession waits for the handle to be free and starts a session in AwaitingGenM7.
func (h *Handle) NewSession(ctx context.Context) (*Session, error) {
	unlock, err := h.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Debug().Msg("Session started.")
	return &Session{h: h, state: AwaitingGenM7, unlock: unlock}, nil
}

// TryNewSession starts a session if the handle is free, reporting ErrBusy otherwise.
func (h *Handle) TryNewSession() (*Session, error) {
	if !h.sem.TryAcquire(1) {
		return nil, status.ErrBusy
	}
	return &Session{h: h, state: AwaitingGenM7, unlock: h.releaser()}, nil
}
