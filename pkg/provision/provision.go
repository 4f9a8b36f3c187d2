// Package provision obtains the verifier certificate chain from the provisioning backend and
// seals the certified verifier key into an empty pairing blob.
//
// One Run walks Init, QuoteRequested, ChainExchanged and Persisted to Done. Nothing is
// written to the store before the last step, and a failed write restores what the step
// overwrote, so a failed run leaves any earlier provisioning in place.
package provision

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/metrics"
	"github.com/DIMO-Network/pse-pairing/pkg/platforminfo"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// Defaults for Config.
const (
	DefaultBusyRetryDelay = 2 * time.Second
	DefaultMaxAttempts    = 3
)

// Attestation produces quotes over secure context reports. Either call may report status.ErrBusy.
type Attestation interface {
	InitQuote(ctx context.Context) (targetInfo []byte, gid wire.GroupID, err error)
	GetQuote(ctx context.Context, report, sigRL []byte) ([]byte, error)
}

// SecureContext owns the verifier key while it is being certified. Any call may report
// status.ErrEnclaveLost.
type SecureContext interface {
	PrepareCertificateRequest(ctx context.Context, targetInfo []byte, nonce [transport.ProvisionNonceSize]byte) (report []byte, err error)
	FinalizeCertificate(ctx context.Context, chain [][]byte) (pairingBlob []byte, err error)
}

// Reloader restarts a lost secure context.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Backend is the provisioning backend.
type Backend interface {
	Provision(ctx context.Context, req *transport.ProvisionRequest) (*transport.ProvisionResponse, error)
	RevocationList(ctx context.Context, kind wire.RLKind, gid wire.GroupID) ([]byte, error)
}

// Locker grants exclusive use of the stored pairing state. *pairing.Handle implements it.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Config configures a Provisioner.
type Config struct {
	Attestation   Attestation
	SecureContext SecureContext
	Reloader      Reloader
	Backend       Backend
	Store         storage.Store
	// Lock is held for a whole Run so no pairing session reads or writes the blob meanwhile.
	Lock Locker
	// PlatformInfoKey verifies the advisory in the backend response. Without it the
	// advisory is stored but reported invalid.
	PlatformInfoKey *ecdsa.PublicKey

	BusyRetryDelay time.Duration
	MaxAttempts    int
	Rand           io.Reader
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Result describes a completed provisioning.
type Result struct {
	GID          wire.GroupID
	Chain        [][]byte
	PlatformInfo platforminfo.Info
}

// Provisioner runs certificate provisioning.
type Provisioner struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// New validates cfg and returns a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Attestation == nil || cfg.SecureContext == nil || cfg.Backend == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: attestation, secure context, backend and store are required", status.ErrParameter)
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = DefaultBusyRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Provisioner{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "provision").Logger(),
	}, nil
}

// State returns the state of the current or last attempt.
func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provisioner) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger.Debug().Stringer("state", s).Msg("Provisioning state changed.")
}

// Run provisions the verifier. A lost secure context is reloaded and the run restarted from
// Init, up to MaxAttempts attempts in total.
func (p *Provisioner) Run(ctx context.Context) (res *Result, err error) {
	defer func() {
		if err != nil {
			p.setState(Failed)
		}
		p.cfg.Metrics.ObserveProvisioning(err)
	}()
	if p.cfg.Lock != nil {
		release, err := p.cfg.Lock.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	for attempt := 1; ; attempt++ {
		res, err = p.attempt(ctx)
		if !errors.Is(err, status.ErrEnclaveLost) {
			return res, err
		}
		p.setState(EnclaveLost)
		if attempt >= p.cfg.MaxAttempts {
			return nil, fmt.Errorf("provisioning failed after %d attempts: %w", attempt, err)
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Secure context lost, reloading.")
		if p.cfg.Reloader == nil {
			return nil, err
		}
		if err := p.cfg.Reloader.Reload(ctx); err != nil {
			return nil, fmt.Errorf("%w: reload secure context: %w", status.ErrEnclaveLost, err)
		}
		p.cfg.Metrics.SecureContextReloaded()
	}
}

func (p *Provisioner) attempt(ctx context.Context) (*Result, error) {
	p.setState(Init)
	var (
		targetInfo []byte
		gid        wire.GroupID
	)
	err := p.retryBusy(ctx, "init quote", func() error {
		var err error
		targetInfo, gid, err = p.cfg.Attestation.InitQuote(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("init quote: %w", err)
	}
	logger := p.logger.With().Stringer("gid", gid).Logger()

	var nonce [transport.ProvisionNonceSize]byte
	if _, err := io.ReadFull(p.cfg.Rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: provisioning nonce: %w", status.ErrCrypto, err)
	}
	report, err := p.cfg.SecureContext.PrepareCertificateRequest(ctx, targetInfo, nonce)
	if err != nil {
		return nil, fmt.Errorf("prepare certificate request: %w", err)
	}
	sigRL, err := p.cfg.Backend.RevocationList(ctx, wire.SigRL, gid)
	if err != nil {
		return nil, fmt.Errorf("fetch SigRL: %w", err)
	}
	var quote []byte
	err = p.retryBusy(ctx, "get quote", func() error {
		var err error
		quote, err = p.cfg.Attestation.GetQuote(ctx, report, sigRL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	p.setState(QuoteRequested)

	resp, err := p.cfg.Backend.Provision(ctx, &transport.ProvisionRequest{
		Nonce: nonce,
		GID:   uint32(gid),
		Quote: quote,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange for certificate chain: %w", err)
	}
	p.setState(ChainExchanged)

	info := platforminfo.Verify(resp.PlatformInfo, p.cfg.PlatformInfoKey)
	logger.Info().Bool("platformInfoValid", info.Valid).Stringer("decision", info.Decision()).Msg("Platform info evaluated.")

	blob, err := p.cfg.SecureContext.FinalizeCertificate(ctx, resp.Chain)
	if err != nil {
		return nil, fmt.Errorf("finalize certificate: %w", err)
	}
	if err := p.persist(resp, blob); err != nil {
		return nil, err
	}
	p.setState(Persisted)

	logger.Info().Int("chainLength", len(resp.Chain)).Msg("Verifier provisioned.")
	p.setState(Done)
	return &Result{GID: gid, Chain: resp.Chain, PlatformInfo: info}, nil
}

// persist writes the chain first and the blob last, so a blob is never paired with an
// older chain than the one certifying its key. A failed write restores every key persist
// may have touched.
func (p *Provisioner) persist(resp *transport.ProvisionResponse, blob []byte) error {
	keys := append(storage.ChainKeys(), storage.KeyPlatformInfo, storage.KeyPairingBlob)
	cp, err := storage.NewCheckpoint(p.cfg.Store, keys...)
	if err != nil {
		return fmt.Errorf("checkpoint provisioning state: %w", err)
	}
	if err := p.write(resp, blob); err != nil {
		if rerr := cp.Restore(); rerr != nil {
			p.logger.Error().Err(rerr).Msg("Failed to restore previous provisioning.")
		}
		return err
	}
	return nil
}

func (p *Provisioner) write(resp *transport.ProvisionResponse, blob []byte) error {
	if err := storage.SaveChain(p.cfg.Store, resp.Chain); err != nil {
		return fmt.Errorf("persist certificate chain: %w", err)
	}
	var err error
	if len(resp.PlatformInfo) > 0 {
		err = p.cfg.Store.Write(storage.KeyPlatformInfo, resp.PlatformInfo)
	} else {
		err = p.cfg.Store.Delete(storage.KeyPlatformInfo)
	}
	if err != nil {
		return fmt.Errorf("persist platform info: %w", err)
	}
	if err := p.cfg.Store.Write(storage.KeyPairingBlob, blob); err != nil {
		return fmt.Errorf("persist pairing blob: %w", err)
	}
	return nil
}

// retryBusy runs fn, waiting BusyRetryDelay and retrying exactly once on status.ErrBusy.
func (p *Provisioner) retryBusy(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(p.cfg.BusyRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, status.ErrBusy) }),
		retry.OnRetry(func(n uint, _ error) {
			if n > 0 {
				return
			}
			p.cfg.Metrics.BusyRetried()
			p.logger.Info().Str("op", op).Dur("delay", p.cfg.BusyRetryDelay).Msg("Attestation busy, retrying.")
		}),
	)
}
