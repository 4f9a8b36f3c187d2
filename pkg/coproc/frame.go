// Package coproc carries handshake messages between the verifier and the security
// co-processor over a framed byte stream.
//
// Each frame is op (u8) | length (u32, big-endian) | body. A request frame is answered by a
// frame with the same op, by OpBusy, or by OpError whose body is a message.
package coproc

import (
	"context"
	"fmt"
	"io"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Op identifies a frame.
type Op uint8

// Frame ops.
const (
	OpGetS1      Op = 1
	OpExchangeS2 Op = 2
	OpInitQuote  Op = 3
	OpGetQuote   Op = 4
	// OpBusy answers a request the service cannot take now.
	OpBusy  Op = 0xFE
	OpError Op = 0xFF
)

func (o Op) String() string {
	switch o {
	case OpGetS1:
		return "get-s1"
	case OpExchangeS2:
		return "exchange-s2"
	case OpInitQuote:
		return "init-quote"
	case OpGetQuote:
		return "get-quote"
	case OpBusy:
		return "busy"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// MaxFrameSize bounds a frame body.
const MaxFrameSize = 64 << 10

const frameHeaderSize = 5

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, op Op, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame body of %d bytes", status.ErrParameter, len(body))
	}
	fw := wire.NewWriter(frameHeaderSize + len(body))
	fw.Uint8(uint8(op))
	fw.Uint32(uint32(len(body)))
	fw.Write(body)
	if _, err := w.Write(fw.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", op, err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before the header is io.EOF.
func ReadFrame(r io.Reader) (Op, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	hr := wire.NewReader(hdr[:])
	op, _ := hr.Uint8()
	n, _ := hr.Uint32()
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %s frame declares %d bytes", status.ErrMalformedRecord, Op(op), n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("%w: short %s frame: %w", status.ErrMalformedRecord, Op(op), err)
	}
	return Op(op), body, nil
}

// doWithContext runs fn and returns its result, or the context error if ctx ends first.
// fn keeps running after cancellation; callers must make its side effects harmless.
func doWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	// Buffered so the goroutine never blocks after the caller has gone.
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}
