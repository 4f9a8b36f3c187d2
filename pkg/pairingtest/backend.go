package pairingtest

import (
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/provision"
	"github.com/DIMO-Network/pse-pairing/pkg/transport"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"golang.org/x/crypto/ocsp"
)

type rlKey struct {
	kind string
	gid  wire.GroupID
}

// Backend is an in-process provisioning backend and OCSP responder backed by a PKI.
type Backend struct {
	PKI *PKI

	server *httptest.Server

	mu           sync.Mutex
	status       uint8
	busy         int
	unavailable  int
	ocspDown     bool
	platformInfo *wire.PlatformInfo
	rls          map[rlKey][]byte
	requests     map[string]int
}

// NewBackend starts a backend and points the PKI's OCSP responder at it.
func NewBackend(pki *PKI) (*Backend, error) {
	b := &Backend{
		PKI:      pki,
		rls:      map[rlKey][]byte{},
		requests: map[string]int{},
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(b.count)
	app.Post("/v1/provision", b.provision)
	app.Get("/v1/:kind/:gid", b.revocationList)
	app.Post("/ocsp", b.ocsp)
	b.server = httptest.NewServer(adaptor.FiberApp(app))
	if err := pki.SetOCSPResponder(b.OCSPURL()); err != nil {
		b.server.Close()
		return nil, err
	}
	return b, nil
}

// URL is the backend base URL.
func (b *Backend) URL() string { return b.server.URL }

// OCSPURL is the OCSP responder URL.
func (b *Backend) OCSPURL() string { return b.server.URL + "/ocsp" }

// Close stops the server.
func (b *Backend) Close() { b.server.Close() }

// SetStatus makes provisioning answer with code instead of a chain.
func (b *Backend) SetStatus(code uint8) {
	b.mu.Lock()
	b.status = code
	b.mu.Unlock()
}

// SetBusy makes the next n provisioning requests answer StatusServerBusy.
func (b *Backend) SetBusy(n int) {
	b.mu.Lock()
	b.busy = n
	b.mu.Unlock()
}

// SetUnavailable makes the next n requests fail with 503.
func (b *Backend) SetUnavailable(n int) {
	b.mu.Lock()
	b.unavailable = n
	b.mu.Unlock()
}

// SetOCSPDown makes the OCSP responder fail with 503 until reset.
func (b *Backend) SetOCSPDown(down bool) {
	b.mu.Lock()
	b.ocspDown = down
	b.mu.Unlock()
}

// SetPlatformInfo attaches a signed advisory built from pi to provisioning responses.
func (b *Backend) SetPlatformInfo(pi *wire.PlatformInfo) {
	b.mu.Lock()
	b.platformInfo = pi
	b.mu.Unlock()
}

// SetRevocationList publishes raw as the list of kind for gid.
func (b *Backend) SetRevocationList(kind wire.RLKind, gid wire.GroupID, raw []byte) {
	b.mu.Lock()
	b.rls[rlKey{kind: strings.ToLower(kind.String()), gid: gid}] = raw
	b.mu.Unlock()
}

// Requests returns how many requests reached path.
func (b *Backend) Requests(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[path]
}

func (b *Backend) count(c *fiber.Ctx) error {
	b.mu.Lock()
	b.requests[c.Path()]++
	unavailable := b.unavailable > 0
	if unavailable {
		b.unavailable--
	}
	b.mu.Unlock()
	if unavailable {
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}
	return c.Next()
}

func (b *Backend) provision(c *fiber.Ctx) error {
	var req transport.ProvisionRequest
	if err := cbor.Unmarshal(c.Body(), &req); err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	b.mu.Lock()
	code := b.status
	if b.busy > 0 {
		b.busy--
		code = transport.StatusServerBusy
	}
	pi := b.platformInfo
	b.mu.Unlock()

	resp := transport.ProvisionResponse{
		Version: transport.ProtocolVersion,
		Status:  code,
		Nonce:   req.Nonce,
	}
	if code == transport.StatusOK {
		var err error
		resp.Status, resp.Chain, err = b.certify(&req)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}
	if resp.Status == transport.StatusOK && pi != nil {
		signed, err := b.PKI.SignPlatformInfo(pi)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		resp.PlatformInfo = signed
	}
	out, err := cbor.Marshal(resp)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	c.Set(fiber.HeaderContentType, transport.ContentTypeCBOR)
	return c.Send(out)
}

// certify checks the quote against the request and issues a chain for the reported key.
func (b *Backend) certify(req *transport.ProvisionRequest) (uint8, [][]byte, error) {
	quote, report, err := provision.ParseQuote(req.Quote)
	if err != nil {
		return transport.StatusInvalidQuote, nil, nil
	}
	if quote.GID != req.GID {
		return transport.StatusInvalidGID, nil, nil
	}
	if report.Nonce != req.Nonce {
		return transport.StatusInvalidQuote, nil, nil
	}
	pub, err := primitives.ParseECDSAPublicKey(report.PublicKey[:])
	if err != nil {
		return transport.StatusInvalidQuote, nil, nil
	}
	leaf, err := b.PKI.IssueVerifier(pub)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to issue verifier certificate: %w", err)
	}
	return transport.StatusOK, [][]byte{b.PKI.Root.Raw, leaf.Raw}, nil
}

func (b *Backend) revocationList(c *fiber.Ctx) error {
	gid, err := strconv.ParseUint(c.Params("gid"), 16, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid gid")
	}
	b.mu.Lock()
	raw, ok := b.rls[rlKey{kind: c.Params("kind"), gid: wire.GroupID(gid)}]
	b.mu.Unlock()
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return c.Send(raw)
}

func (b *Backend) ocsp(c *fiber.Ctx) error {
	b.mu.Lock()
	down := b.ocspDown
	b.mu.Unlock()
	if down {
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}
	req, err := ocsp.ParseRequest(c.Body())
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	resp, err := b.PKI.OCSPResponseForSerial(req.SerialNumber, time.Now().Add(-time.Minute))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	c.Set(fiber.HeaderContentType, transport.ContentTypeOCSPResponse)
	return c.Send(resp)
}
