package coproc_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/coproc"
	"github.com/DIMO-Network/pse-pairing/pkg/pairing"
	"github.com/DIMO-Network/pse-pairing/pkg/pairingtest"
	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, coproc.WriteFrame(&buf, coproc.OpExchangeS2, []byte("payload")))
	require.NoError(t, coproc.WriteFrame(&buf, coproc.OpGetS1, nil))
	require.Equal(t, []byte{2, 0, 0, 0, 7}, buf.Bytes()[:5])

	op, body, err := coproc.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, coproc.OpExchangeS2, op)
	require.Equal(t, []byte("payload"), body)
	op, body, err = coproc.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, coproc.OpGetS1, op)
	require.Empty(t, body)

	require.ErrorIs(t, coproc.WriteFrame(&buf, coproc.OpGetS1, make([]byte, coproc.MaxFrameSize+1)), status.ErrParameter)

	_, _, err = coproc.ReadFrame(bytes.NewReader([]byte{1, 0xFF, 0xFF, 0xFF, 0xFF}))
	require.ErrorIs(t, err, status.ErrMalformedRecord)
	_, _, err = coproc.ReadFrame(bytes.NewReader([]byte{1, 0, 0, 0, 9, 1, 2}))
	require.ErrorIs(t, err, status.ErrMalformedRecord)
}

func pipe(t *testing.T, dev coproc.Device) *coproc.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go coproc.NewServer(dev, zerolog.Nop()).ServeConn(t.Context(), serverConn)
	client := coproc.NewClient(clientConn, zerolog.Nop())
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return client
}

func TestHandshakeOverFrames(t *testing.T) {
	t.Parallel()
	h, err := pairingtest.NewHarness(0x00AB_CDEF, zerolog.Nop())
	require.NoError(t, err)
	client := pipe(t, h.Coprocessor)

	blob := h.EmptyBlob
	for i := range 2 {
		sess, err := h.Handle.NewSession(t.Context())
		require.NoError(t, err)
		s1, err := client.S1(t.Context())
		require.NoError(t, err)
		require.Len(t, s1, wire.S1Size)
		s2, err := sess.GenM7(s1, nil, nil, h.PKI.VerifierChain(), blob)
		require.NoError(t, err)
		s3, err := client.ExchangeS2(t.Context(), s2)
		require.NoError(t, err)
		blob, _, err = sess.VerifyM8(s3, nil, blob)
		require.NoError(t, err, "handshake %d", i)
		require.Equal(t, pairing.Done, sess.State())
		sess.Close()
	}
	require.False(t, h.Coprocessor.LastWasNew())
}

type failingDevice struct{}

func (failingDevice) S1(context.Context) ([]byte, error) {
	return nil, errors.New("applet unavailable")
}

func (failingDevice) ExchangeS2(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("bad S2")
}

func TestErrorFrame(t *testing.T) {
	t.Parallel()
	client := pipe(t, failingDevice{})

	_, err := client.S1(t.Context())
	require.ErrorIs(t, err, status.ErrProtocolRejected)
	require.Contains(t, err.Error(), "applet unavailable")

	// An error reply leaves the stream usable.
	_, err = client.ExchangeS2(t.Context(), []byte{1})
	require.ErrorIs(t, err, status.ErrProtocolRejected)
	require.Contains(t, err.Error(), "bad S2")
}

func TestAbandonedRequestClosesClient(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close() //nolint:errcheck
	// Read the request but never answer.
	go func() {
		_, _, _ = coproc.ReadFrame(serverConn)
	}()
	client := coproc.NewClient(clientConn, zerolog.Nop())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := client.S1(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = client.S1(t.Context())
	require.ErrorIs(t, err, coproc.ErrClosed)
	require.ErrorIs(t, err, status.ErrNetworkUnavailable)
}

func TestDialingClientReconnects(t *testing.T) {
	t.Parallel()
	h, err := pairingtest.NewHarness(7, zerolog.Nop())
	require.NoError(t, err)
	server := coproc.NewServer(h.Coprocessor, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() }) //nolint:errcheck
	go func() {
		// The first connection swallows its request.
		first, err := listener.Accept()
		if err != nil {
			return
		}
		defer first.Close() //nolint:errcheck
		_, _, _ = coproc.ReadFrame(first)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(t.Context(), conn)
		}
	}()

	client := coproc.DialTCP(listener.Addr().String(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = client.S1(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s1, err := client.S1(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, s1)

	require.NoError(t, client.Close())
	_, err = client.S1(t.Context())
	require.ErrorIs(t, err, coproc.ErrClosed)
	require.False(t, status.IsTransient(err))
}

func TestServeConnReturnsWhenPeerCloses(t *testing.T) {
	t.Parallel()
	h, err := pairingtest.NewHarness(7, zerolog.Nop())
	require.NoError(t, err)
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		coproc.NewServer(h.Coprocessor, zerolog.Nop()).ServeConn(t.Context(), serverConn)
		close(done)
	}()

	client := coproc.NewClient(clientConn, zerolog.Nop())
	_, err = client.S1(t.Context())
	require.NoError(t, err)
	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn kept running after the peer closed")
	}
}

func TestDialingClientUnreachable(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("no route")
	client := coproc.NewDialingClient(func(context.Context) (net.Conn, error) {
		return nil, dialErr
	}, zerolog.Nop())

	_, err := client.S1(t.Context())
	require.ErrorIs(t, err, dialErr)
	require.ErrorIs(t, err, status.ErrNetworkUnavailable)
}

func TestBrokenStream(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	require.NoError(t, serverConn.Close())
	client := coproc.NewClient(clientConn, zerolog.Nop())

	_, err := client.S1(t.Context())
	require.ErrorIs(t, err, status.ErrNetworkUnavailable)
	require.True(t, status.IsTransient(err))
}

func TestServe(t *testing.T) {
	t.Parallel()
	h, err := pairingtest.NewHarness(7, zerolog.Nop())
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- coproc.NewServer(h.Coprocessor, zerolog.Nop()).Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	client := coproc.NewClient(conn, zerolog.Nop())
	defer client.Close() //nolint:errcheck

	s1, err := client.S1(t.Context())
	require.NoError(t, err)
	parsed, err := wire.ParseS1(s1)
	require.NoError(t, err)
	require.Equal(t, wire.GroupID(7), parsed.GID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestQuotingOverFrames(t *testing.T) {
	t.Parallel()
	att := pairingtest.NewAttestation(0x0000_0E02)
	clientConn, serverConn := net.Pipe()
	go coproc.NewServer(failingDevice{}, zerolog.Nop()).WithQuoting(att).ServeConn(t.Context(), serverConn)
	client := coproc.NewClient(clientConn, zerolog.Nop())
	defer client.Close() //nolint:errcheck

	att.SetBusy(1)
	_, _, err := client.InitQuote(t.Context())
	require.ErrorIs(t, err, status.ErrBusy)

	targetInfo, gid, err := client.InitQuote(t.Context())
	require.NoError(t, err)
	require.Equal(t, pairingtest.TargetInfo, targetInfo)
	require.Equal(t, wire.GroupID(0x0E02), gid)

	raw, err := client.GetQuote(t.Context(), []byte("report"), []byte("sigrl"))
	require.NoError(t, err)
	var quote provision.Quote
	require.NoError(t, cbor.Unmarshal(raw, &quote))
	require.Equal(t, uint32(0x0E02), quote.GID)
	require.Equal(t, []byte("report"), quote.Report)
	require.Equal(t, []byte("sigrl"), att.LastSigRL())
	require.Equal(t, 3, att.Calls())
}

func TestQuotingNotServed(t *testing.T) {
	t.Parallel()
	client := pipe(t, failingDevice{})
	_, _, err := client.InitQuote(t.Context())
	require.ErrorIs(t, err, status.ErrProtocolRejected)
	require.Contains(t, err.Error(), "init-quote is not served")
}
