package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultHostCID is the context ID of the parent instance.
const DefaultHostCID = 3

// NewVsockHTTPClient returns an http.Client whose connections leave the secure context over
// vsock. Each connection announces its target address on its first line so the host side
// can forward it.
func NewVsockHTTPClient(port uint32, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, addr string) (net.Conn, error) {
				vsockConn, err := vsock.Dial(DefaultHostCID, port, nil)
				if err != nil {
					return nil, fmt.Errorf("failed to dial vsock: %w", err)
				}
				if _, err = vsockConn.Write([]byte(addr + "\n")); err != nil {
					vsockConn.Close() //nolint:errcheck
					return nil, fmt.Errorf("failed to write to vsock: %w", err)
				}
				return vsockConn, nil
			},
		},
	}
}
