package coproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/rs/zerolog"
)

// Server exposes a Device over framed connections.
type Server struct {
	dev     Device
	quoting QuotingService
	logger  zerolog.Logger
}

// NewServer returns a Server for dev.
func NewServer(dev Device, logger zerolog.Logger) *Server {
	return &Server{dev: dev, logger: logger.With().Str("component", "coproc-server").Logger()}
}

// Serve accepts connections until ctx is done. It closes listener on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close() //nolint:errcheck
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("Failed to accept connection.")
			continue
		}
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn answers frames on conn until it closes or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() //nolint:errcheck
		case <-done:
		}
	}()
	for {
		op, body, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Connection ended.")
			}
			return
		}
		out, err := s.handle(ctx, op, body)
		if err != nil {
			reply, msg := OpError, []byte(err.Error())
			if errors.Is(err, status.ErrBusy) {
				reply, msg = OpBusy, nil
			} else {
				s.logger.Warn().Err(err).Stringer("op", op).Msg("Request failed.")
			}
			if err := WriteFrame(conn, reply, msg); err != nil {
				return
			}
			continue
		}
		if err := WriteFrame(conn, op, out); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to write reply.")
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, op Op, body []byte) ([]byte, error) {
	switch op {
	case OpGetS1:
		return s.dev.S1(ctx)
	case OpExchangeS2:
		return s.dev.ExchangeS2(ctx, body)
	case OpInitQuote, OpGetQuote:
		return s.handleQuote(ctx, op, body)
	default:
		return nil, fmt.Errorf("unsupported op %s", op)
	}
}
