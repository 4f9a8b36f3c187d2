package pairingtest

import (
	"bytes"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/rs/zerolog"
)

// SealingKey is the fixed sealing key used by harnesses.
var SealingKey = sealing.StaticKey(bytes.Repeat([]byte{0x5A}, sealing.SealingKeySize))

// Harness wires a simulated co-processor to a verifier handle.
type Harness struct {
	PKI         *PKI
	Coprocessor *Coprocessor
	Verifier    *groupsig.Simulated
	Sealer      *sealing.Sealer
	Handle      *pairing.Handle
	// EmptyBlob is the provisioned blob holding the verifier key and no pairing.
	EmptyBlob []byte
}

// NewHarness builds a PKI, a co-processor in group gid and a handle trusting the PKI.
func NewHarness(gid wire.GroupID, logger zerolog.Logger) (*Harness, error) {
	pki, err := NewPKI()
	if err != nil {
		return nil, err
	}
	cp, err := NewCoprocessor(pki, gid)
	if err != nil {
		return nil, err
	}
	verifier := &groupsig.Simulated{}
	sealer := sealing.New(SealingKey)
	handle, err := pairing.NewHandle(pairing.Config{
		Anchors:  pki.Anchors(),
		Verifier: verifier,
		Sealer:   sealer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	id, err := sealing.NewInstanceID()
	if err != nil {
		return nil, err
	}
	blob, err := sealer.NewEmptyBlob(pki.VerifierKey, id, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create empty blob: %w", err)
	}
	return &Harness{
		PKI:         pki,
		Coprocessor: cp,
		Verifier:    verifier,
		Sealer:      sealer,
		Handle:      handle,
		EmptyBlob:   blob,
	}, nil
}
