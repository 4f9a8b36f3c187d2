// Package transport carries requests to the provisioning backend and OCSP responders.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// MaxResponseSize bounds any response body read from the network.
const MaxResponseSize = 1 << 20

// Content types.
const (
	ContentTypeCBOR         = "application/cbor"
	ContentTypeOCSPRequest  = "application/ocsp-request"
	ContentTypeOCSPResponse = "application/ocsp-response"
)

// Network sends one request and returns the response body.
//
// Transport failures and 5xx responses wrap status.ErrNetworkUnavailable. A 404 wraps
// status.ErrNotFound. Any other non-2xx response wraps status.ErrProtocolRejected.
type Network interface {
	SendReceive(ctx context.Context, url, method string, body []byte, isOCSP bool) ([]byte, error)
}

// HTTPNetwork is a Network over an http.Client.
type HTTPNetwork struct {
	client *http.Client
}

// NewHTTPNetwork returns a Network using client, or http.DefaultClient when nil.
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNetwork{client: client}
}

// SendReceive implements Network.
func (n *HTTPNetwork) SendReceive(ctx context.Context, url, method string, body []byte, isOCSP bool) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", status.ErrParameter, err)
	}
	if isOCSP {
		req.Header.Set("Content-Type", ContentTypeOCSPRequest)
		req.Header.Set("Accept", ContentTypeOCSPResponse)
	} else {
		req.Header.Set("Content-Type", ContentTypeCBOR)
		req.Header.Set("Accept", ContentTypeCBOR)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send %s %s: %w", status.ErrNetworkUnavailable, method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // ignore error

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", status.ErrNetworkUnavailable, err)
	}
	if len(respBytes) > MaxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", status.ErrProtocolRejected, MaxResponseSize)
	}
	return respBytes, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: http status %d", status.ErrNotFound, code)
	case code >= 500:
		return fmt.Errorf("%w: http status %d", status.ErrNetworkUnavailable, code)
	default:
		return fmt.Errorf("%w: http status %d", status.ErrProtocolRejected, code)
	}
}
