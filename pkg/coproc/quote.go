package coproc

import (
	"context"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
)

// QuotingService produces quotes for the verifier's reports. Calls may report status.ErrBusy.
type QuotingService interface {
	InitQuote(ctx context.Context) (targetInfo []byte, gid wire.GroupID, err error)
	GetQuote(ctx context.Context, report, sigRL []byte) (quote []byte, err error)
}

type quoteTarget struct {
	TargetInfo []byte `cbor:"1,keyasint"`
	GID        uint32 `cbor:"2,keyasint"`
}

type quoteRequest struct {
	Report []byte `cbor:"1,keyasint"`
	SigRL  []byte `cbor:"2,keyasint,omitempty"`
}

// InitQuote implements QuotingService.
func (c *Client) InitQuote(ctx context.Context) ([]byte, wire.GroupID, error) {
	body, err := c.roundTrip(ctx, OpInitQuote, nil)
	if err != nil {
		return nil, 0, err
	}
	var target quoteTarget
	if err := cbor.Unmarshal(body, &target); err != nil {
		return nil, 0, fmt.Errorf("%w: quoting target: %w", status.ErrMalformedRecord, err)
	}
	return target.TargetInfo, wire.GroupID(target.GID), nil
}

// GetQuote implements QuotingService.
func (c *Client) GetQuote(ctx context.Context, report, sigRL []byte) ([]byte, error) {
	req, err := cbor.Marshal(quoteRequest{Report: report, SigRL: sigRL})
	if err != nil {
		return nil, fmt.Errorf("failed to encode quote request: %w", err)
	}
	return c.roundTrip(ctx, OpGetQuote, req)
}

// WithQuoting makes s answer quoting requests with q.
func (s *Server) WithQuoting(q QuotingService) *Server {
	s.quoting = q
	return s
}

func (s *Server) handleQuote(ctx context.Context, op Op, body []byte) ([]byte, error) {
	if s.quoting == nil {
		return nil, fmt.Errorf("%s is not served", op)
	}
	if op == OpInitQuote {
		targetInfo, gid, err := s.quoting.InitQuote(ctx)
		if err != nil {
			return nil, err
		}
		return cbor.Marshal(quoteTarget{TargetInfo: targetInfo, GID: uint32(gid)})
	}
	var req quoteRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed quote request: %w", err)
	}
	return s.quoting.GetQuote(ctx, req.Report, req.SigRL)
}
