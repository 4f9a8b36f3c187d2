package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// ProtocolVersion is the provisioning message version this client speaks.
const ProtocolVersion = 1

// ProvisionNonceSize is the size of the request nonce echoed by the backend.
const ProvisionNonceSize = 16

// Provisioning response status codes.
const (
	StatusOK uint8 = iota
	StatusInvalidGID
	StatusGroupRevoked
	StatusInvalidQuote
	StatusInvalidRequest
	StatusServerBusy
	StatusVersionMismatch
)

// ProvisionRequest asks the backend to certify the verifier key bound into Quote.
type ProvisionRequest struct {
	Version uint8                    `cbor:"1,keyasint"`
	Nonce   [ProvisionNonceSize]byte `cbor:"2,keyasint"`
	GID     uint32                   `cbor:"3,keyasint"`
	Quote   []byte                   `cbor:"4,keyasint"`
}

// ProvisionResponse carries the verifier certificate chain, root first, and the platform
// info advisory.
type ProvisionResponse struct {
	Version      uint8                    `cbor:"1,keyasint"`
	Status       uint8                    `cbor:"2,keyasint"`
	Nonce        [ProvisionNonceSize]byte `cbor:"3,keyasint"`
	Chain        [][]byte                 `cbor:"4,keyasint,omitempty"`
	PlatformInfo []byte                   `cbor:"5,keyasint,omitempty"`
}

// StatusError maps a provisioning status code to its error kind.
func StatusError(code uint8) error {
	switch code {
	case StatusOK:
		return nil
	case StatusInvalidGID:
		return status.ErrBackendInvalidGID
	case StatusGroupRevoked:
		return status.ErrBackendGroupRevoked
	case StatusInvalidQuote:
		return status.ErrBackendInvalidQuote
	case StatusInvalidRequest:
		return status.ErrBackendInvalidRequest
	case StatusServerBusy:
		return status.ErrServerBusy
	case StatusVersionMismatch:
		return status.ErrBackendVersionMismatch
	default:
		return fmt.Errorf("%w: status %d", status.ErrBackendUnknown, code)
	}
}

// Backend is a client for the provisioning backend.
type Backend struct {
	net     Network
	baseURL string
	retry   RetryPolicy
	logger  zerolog.Logger
}

// NewBackend returns a client for the backend at baseURL. Transient failures are retried
// DefaultRetryAttempts times in total; see WithRetry.
func NewBackend(network Network, baseURL string, logger zerolog.Logger) (*Backend, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("%w: invalid backend URL %q", status.ErrParameter, baseURL)
	}
	return &Backend{
		net:     network,
		baseURL: baseURL,
		retry:   RetryPolicy{Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay},
		logger:  logger.With().Str("component", "backend").Logger(),
	}, nil
}

// Provision performs the certificate exchange. The response must echo the request nonce.
func (b *Backend) Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResponse, error) {
	path, err := url.JoinPath(b.baseURL, "v1", "provision")
	if err != nil {
		return nil, fmt.Errorf("%w: create provision URL: %w", status.ErrParameter, err)
	}
	req.Version = ProtocolVersion
	reqBytes, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provision request: %w", err)
	}
	resp, err := doWithRetry(ctx, b, "provision", func() (*ProvisionResponse, error) {
		return b.exchange(ctx, path, reqBytes, req.GID)
	})
	if err != nil {
		return nil, err
	}
	if resp.Nonce != req.Nonce {
		return nil, fmt.Errorf("%w: provision response nonce does not match request", status.ErrProtocolRejected)
	}
	if len(resp.Chain) == 0 {
		return nil, fmt.Errorf("%w: provision response carries no certificates", status.ErrMalformedRecord)
	}
	return resp, nil
}

// exchange posts one provisioning request. A busy status is returned as status.ErrServerBusy
// so it is retried like an unreachable backend.
func (b *Backend) exchange(ctx context.Context, path string, reqBytes []byte, gid uint32) (*ProvisionResponse, error) {
	respBytes, err := b.net.SendReceive(ctx, path, http.MethodPost, reqBytes, false)
	if err != nil {
		return nil, err
	}
	var resp ProvisionResponse
	if err := cbor.Unmarshal(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal provision response: %w", status.ErrMalformedRecord, err)
	}
	if resp.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: backend speaks version %d", status.ErrBackendVersionMismatch, resp.Version)
	}
	if err := StatusError(resp.Status); err != nil {
		b.logger.Warn().Err(err).Uint32("gid", gid).Msg("Provisioning rejected.")
		return nil, err
	}
	return &resp, nil
}

// RevocationList fetches the current list of the given kind for gid. A list the backend
// does not have is reported as nil without error.
func (b *Backend) RevocationList(ctx context.Context, kind wire.RLKind, gid wire.GroupID) ([]byte, error) {
	path, err := url.JoinPath(b.baseURL, "v1", strings.ToLower(kind.String()), gid.String())
	if err != nil {
		return nil, fmt.Errorf("%w: create revocation list URL: %w", status.ErrParameter, err)
	}
	rl, err := doWithRetry(ctx, b, "fetch "+kind.String(), func() ([]byte, error) {
		return b.net.SendReceive(ctx, path, http.MethodGet, nil, false)
	})
	if errors.Is(err, status.ErrNotFound) {
		b.logger.Debug().Stringer("gid", gid).Stringer("kind", kind).Msg("No revocation list published.")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rl, nil
}

// OCSP posts a DER OCSP request to responderURL.
func (b *Backend) OCSP(ctx context.Context, responderURL string, req []byte) ([]byte, error) {
	return doWithRetry(ctx, b, "ocsp", func() ([]byte, error) {
		return b.net.SendReceive(ctx, responderURL, http.MethodPost, req, true)
	})
}
