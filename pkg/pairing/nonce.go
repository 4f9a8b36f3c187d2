package pairing

import (
	"fmt"
	"io"

	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// maxNonceAttempts bounds regeneration of an all-zero pairing nonce.
const maxNonceAttempts = 8

// NewPairingNonce draws a pairing nonce from r. The all-zero value marks "no prior pairing"
// and is never returned; a zero draw is discarded and redrawn.
func NewPairingNonce(r io.Reader) ([wire.PairingNonceSize]byte, error) {
	var n [wire.PairingNonceSize]byte
	for i := 0; i < maxNonceAttempts; i++ {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return n, fmt.Errorf("%w: failed to read pairing nonce: %w", status.ErrCrypto, err)
		}
		if !secret.IsZero(n[:]) {
			return n, nil
		}
	}
	return n, fmt.Errorf("%w: random source returned %d zero nonces", status.ErrCrypto, maxNonceAttempts)
}
