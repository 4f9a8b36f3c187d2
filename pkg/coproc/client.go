package coproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"
)

// Device is the prover side of the handshake.
type Device interface {
	// S1 starts a handshake.
	S1(ctx context.Context) ([]byte, error)
	// ExchangeS2 delivers S2 and returns S3.
	ExchangeS2(ctx context.Context, s2 []byte) ([]byte, error)
}

// ErrClosed is returned by a Client whose connection was closed or abandoned.
var ErrClosed = errors.New("co-processor connection closed")

// DialFunc opens a connection to the co-processor service.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client is a Device reached over a framed connection. Calls are serialized.
// A Client with a DialFunc replaces a connection dropped after a failed or abandoned request
// on the next call.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	dial   DialFunc
	closed bool
	logger zerolog.Logger
}

// NewClient returns a Client using conn. It stops working once conn is dropped.
func NewClient(conn net.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With().Str("component", "coproc-client").Logger(),
	}
}

// NewDialingClient returns a Client that dials on first use and after every dropped connection.
func NewDialingClient(dial DialFunc, logger zerolog.Logger) *Client {
	return &Client{
		dial:   dial,
		logger: logger.With().Str("component", "coproc-client").Logger(),
	}
}

// DialTCP returns a dialing Client for a co-processor service at addr.
func DialTCP(addr string, logger zerolog.Logger) *Client {
	var d net.Dialer
	return NewDialingClient(func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}, logger)
}

// DialVsock connects to a co-processor service listening on cid:port. The connection is
// re-established whenever it drops.
func DialVsock(ctx context.Context, cid, port uint32, logger zerolog.Logger) (*Client, error) {
	c := NewDialingClient(func(context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}, logger)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// S1 implements Device.
func (c *Client) S1(ctx context.Context) ([]byte, error) {
	return c.roundTrip(ctx, OpGetS1, nil)
}

// ExchangeS2 implements Device.
func (c *Client) ExchangeS2(ctx context.Context, s2 []byte) ([]byte, error) {
	return c.roundTrip(ctx, OpExchangeS2, s2)
}

// Close closes the connection. A closed Client does not dial again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeLocked()
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	if c.dial == nil {
		return fmt.Errorf("%w: %w", status.ErrNetworkUnavailable, ErrClosed)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: failed to dial co-processor: %w", status.ErrNetworkUnavailable, err)
	}
	c.logger.Debug().Msg("Connected to co-processor.")
	c.conn = conn
	return nil
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type reply struct {
	op   Op
	body []byte
}

func (c *Client) roundTrip(ctx context.Context, op Op, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	conn := c.conn
	r, err := doWithContext(ctx, func() (reply, error) {
		if err := WriteFrame(conn, op, body); err != nil {
			return reply{}, err
		}
		rop, rbody, err := ReadFrame(conn)
		return reply{rop, rbody}, err
	})
	if err != nil {
		// The stream is out of step once a request fails or is abandoned.
		c.closeLocked() //nolint:errcheck
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		if status.KindOf(err) != status.ErrUnknown {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", status.ErrNetworkUnavailable, op, err)
	}
	switch r.op {
	case op:
		c.logger.Trace().Stringer("op", op).Int("bytes", len(r.body)).Msg("Co-processor replied.")
		return r.body, nil
	case OpBusy:
		return nil, fmt.Errorf("%w: %s", status.ErrBusy, op)
	case OpError:
		return nil, fmt.Errorf("%w: co-processor rejected %s: %s", status.ErrProtocolRejected, op, r.body)
	default:
		c.closeLocked() //nolint:errcheck
		return nil, fmt.Errorf("%w: %s answered with %s", status.ErrMalformedRecord, op, r.op)
	}
}
