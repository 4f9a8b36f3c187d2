package ltp

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/storage"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/ocsp"
)

type ocspCache struct {
	Responses [][]byte `cbor:"1,keyasint"`
	FetchedAt int64    `cbor:"2,keyasint"`
}

// ocspResponses returns the responses the co-processor asked for in S1. fetched is set
// when the responses came from the responders rather than the cache.
func (p *Pairer) ocspResponses(ctx context.Context, typ wire.OCSPRequestType, chain [][]byte) (responses [][]byte, fetched bool, err error) {
	if typ == wire.OCSPNone {
		return nil, false, nil
	}
	certs, err := parseChain(chain)
	if err != nil {
		return nil, false, err
	}
	responses, err = p.fetchOCSP(ctx, certs)
	if err == nil {
		return responses, true, nil
	}
	if typ != wire.OCSPCached || !status.IsTransient(err) {
		return nil, false, err
	}
	cached, cacheErr := p.cachedOCSP(certs)
	if cacheErr != nil {
		p.logger.Warn().Err(cacheErr).Msg("No usable cached OCSP responses.")
		return nil, false, err
	}
	p.cfg.Metrics.OCSPCacheUsed()
	p.logger.Info().Err(err).Msg("OCSP responder unreachable, using cached responses.")
	return cached, false, nil
}

func parseChain(chain [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: stored certificate %d: %w", status.ErrCertificateInvalid, i, err)
		}
		certs[i] = cert
	}
	return certs, nil
}

// fetchOCSP queries the responder of every non-root certificate that names one.
func (p *Pairer) fetchOCSP(ctx context.Context, certs []*x509.Certificate) ([][]byte, error) {
	var out [][]byte
	for i := 1; i < len(certs); i++ {
		cert, issuer := certs[i], certs[i-1]
		if len(cert.OCSPServer) == 0 {
			continue
		}
		req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
		if err != nil {
			return nil, fmt.Errorf("%w: create OCSP request: %w", status.ErrParameter, err)
		}
		raw, err := p.cfg.Backend.OCSP(ctx, cert.OCSPServer[0], req)
		if err != nil {
			return nil, fmt.Errorf("fetch OCSP response for %s: %w", cert.Subject.CommonName, err)
		}
		if err := p.checkOCSP(raw, cert, issuer, true); err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no certificate in the verifier chain names an OCSP responder", status.ErrCertificateInvalid)
	}
	return out, nil
}

// checkOCSP requires a good status that has not expired. Fresh responses must also be
// younger than MaxOCSPAge.
func (p *Pairer) checkOCSP(raw []byte, cert, issuer *x509.Certificate, fresh bool) error {
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return fmt.Errorf("%w: OCSP response: %w", status.ErrProtocolRejected, err)
	}
	if resp.Status != ocsp.Good {
		return fmt.Errorf("%w: certificate %s has OCSP status %d", status.ErrCertificateInvalid, cert.SerialNumber, resp.Status)
	}
	now := p.cfg.Now()
	if !resp.NextUpdate.IsZero() && now.After(resp.NextUpdate) {
		return fmt.Errorf("%w: OCSP response expired at %s", status.ErrProtocolRejected, resp.NextUpdate)
	}
	if fresh && now.Sub(resp.ThisUpdate) > p.cfg.MaxOCSPAge {
		return fmt.Errorf("%w: OCSP response from %s is stale", status.ErrProtocolRejected, resp.ThisUpdate)
	}
	return nil
}

func (p *Pairer) cachedOCSP(certs []*x509.Certificate) ([][]byte, error) {
	raw, err := p.cfg.Store.Read(storage.KeyOCSPResponseCache)
	if err != nil {
		return nil, err
	}
	var cache ocspCache
	if err := cbor.Unmarshal(raw, &cache); err != nil {
		return nil, fmt.Errorf("%w: OCSP cache: %w", status.ErrMalformedRecord, err)
	}
	if len(cache.Responses) == 0 {
		return nil, errors.New("OCSP cache is empty")
	}
	// Cached responses are matched against the chain the same way fresh ones are.
	n := 0
	for i := 1; i < len(certs) && n < len(cache.Responses); i++ {
		if len(certs[i].OCSPServer) == 0 {
			continue
		}
		if err := p.checkOCSP(cache.Responses[n], certs[i], certs[i-1], false); err != nil {
			return nil, err
		}
		n++
	}
	if n != len(cache.Responses) {
		return nil, fmt.Errorf("%w: OCSP cache does not match the verifier chain", status.ErrMalformedRecord)
	}
	return cache.Responses, nil
}

func (p *Pairer) saveOCSPCache(responses [][]byte) error {
	raw, err := cbor.Marshal(ocspCache{Responses: responses, FetchedAt: p.cfg.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to encode OCSP cache: %w", err)
	}
	return p.cfg.Store.Write(storage.KeyOCSPResponseCache, raw)
}
