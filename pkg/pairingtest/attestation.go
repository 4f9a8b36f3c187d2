package pairingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
)

// TargetInfo is what the simulated attestation reports as its quoting target.
var TargetInfo = []byte("pse-pairing simulated quoting target")

// Attestation is a provision.Attestation that wraps reports in an unsigned quote.
type Attestation struct {
	GID wire.GroupID

	mu        sync.Mutex
	busy      int
	lastSigRL []byte
	calls     int
}

// NewAttestation returns an attestation for group gid.
func NewAttestation(gid wire.GroupID) *Attestation {
	return &Attestation{GID: gid}
}

// SetBusy makes the next n calls report status.ErrBusy.
func (a *Attestation) SetBusy(n int) {
	a.mu.Lock()
	a.busy = n
	a.mu.Unlock()
}

func (a *Attestation) enter() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.busy > 0 {
		a.busy--
		return status.ErrBusy
	}
	return nil
}

// Calls returns the number of calls made, busy replies included.
func (a *Attestation) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// LastSigRL returns the SigRL passed to the last GetQuote.
func (a *Attestation) LastSigRL() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSigRL
}

// InitQuote returns the quoting target and the group.
func (a *Attestation) InitQuote(context.Context) ([]byte, wire.GroupID, error) {
	if err := a.enter(); err != nil {
		return nil, 0, err
	}
	return TargetInfo, a.GID, nil
}

// GetQuote wraps report for the group.
func (a *Attestation) GetQuote(_ context.Context, report, sigRL []byte) ([]byte, error) {
	if err := a.enter(); err != nil {
		return nil, err
	}
	if len(report) == 0 {
		return nil, fmt.Errorf("%w: empty report", status.ErrParameter)
	}
	a.mu.Lock()
	a.lastSigRL = sigRL
	a.mu.Unlock()
	quote, err := cbor.Marshal(provision.Quote{GID: uint32(a.GID), Report: report})
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote: %w", err)
	}
	return quote, nil
}
