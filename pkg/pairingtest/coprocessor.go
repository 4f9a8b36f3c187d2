package pairingtest

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/kdf"
	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Coprocessor simulates the prover side of the handshake. It keeps its own long-term
// pairing state across handshakes the way the real co-processor does.
type Coprocessor struct {
	GID       wire.GroupID
	Member    *groupsig.Member
	GroupCert []byte
	SVN       uint16
	OCSPReq   wire.OCSPRequest
	// Trusted verifies the verifier chain's root.
	Trusted *x509.Certificate

	// MutateS3 edits S3 before its Icv is computed.
	MutateS3 func(*wire.S3)
	// TamperS3 edits the encoded S3 after its Icv is computed.
	TamperS3 func([]byte)

	Rand io.Reader

	mu         sync.Mutex
	a          *ecdh.PrivateKey
	ga         wire.PublicKey
	pairedSK   [wire.SymmetricKeySize]byte
	pairingID  [wire.SymmetricKeySize]byte
	hasPairing bool
	lastNew    bool
}

// NewCoprocessor returns a co-processor in group gid with a group certificate issued by pki.
func NewCoprocessor(pki *PKI, gid wire.GroupID) (*Coprocessor, error) {
	groupKey, err := newKey()
	if err != nil {
		return nil, err
	}
	member, err := groupsig.NewMember(rand.Reader, groupKey)
	if err != nil {
		return nil, err
	}
	cert, err := pki.IssueGroup(gid, &groupKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Coprocessor{
		GID:       gid,
		Member:    member,
		GroupCert: cert,
		SVN:       1,
		Trusted:   pki.Root,
		Rand:      rand.Reader,
	}, nil
}

func (c *Coprocessor) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

// S1 starts a handshake with a fresh ephemeral key.
func (c *Coprocessor) S1(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := primitives.GenerateECDHKey(c.rand())
	if err != nil {
		return nil, err
	}
	c.a = a
	c.ga = primitives.PublicKeyBytes(a.PublicKey())
	m := wire.S1{Ga: c.ga, GID: c.GID, OCSPReq: c.OCSPReq}
	return m.MarshalBinary()
}

// ExchangeS2 checks S2 and answers with S3.
func (c *Coprocessor) ExchangeS2(_ context.Context, rawS2 []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.a == nil {
		return nil, errors.New("no handshake in progress")
	}
	a := c.a
	c.a = nil

	s2, err := wire.ParseS2(rawS2)
	if err != nil {
		return nil, err
	}
	gb, err := primitives.ParseECDHPublicKey(s2.Gb)
	if err != nil {
		return nil, err
	}
	ss, err := primitives.SharedSecret(a, gb)
	if err != nil {
		return nil, err
	}
	keys := kdf.Derive(ss)
	defer keys.Wipe()

	data, err := s2.Data()
	if err != nil {
		return nil, err
	}
	icv := primitives.HMACSHA256(keys.SMK[:], s2.MACData(data))
	if !bytes.Equal(icv[:], s2.Icv[:]) {
		return nil, errors.New("S2 icv mismatch")
	}
	verifierKey, err := c.verifierKey(s2.VerifierChain)
	if err != nil {
		return nil, err
	}
	if c.OCSPReq.Type != wire.OCSPNone && len(s2.OCSPResponses) == 0 {
		return nil, fmt.Errorf("%s OCSP responses requested but none supplied", c.OCSPReq.Type)
	}
	gaGb := append(append([]byte{}, c.ga[:]...), s2.Gb[:]...)
	if !primitives.Verify(verifierKey, gaGb, s2.SigGaGb[:]) {
		return nil, errors.New("S2 signature does not verify")
	}

	m := wire.S3{
		TaskInfo:  wire.NewTaskInfo(c.SVN),
		Ga:        c.ga,
		GroupCert: c.GroupCert,
	}
	expectedPr := kdf.ComputePR(keys.MK[:], c.pairedSK[:], kdf.TagVerifier)
	continuing := c.hasPairing && s2.PR == expectedPr
	if continuing {
		m.PrCSE = kdf.ComputePR(keys.MK[:], c.pairingID[:], kdf.TagCoprocessor)
	} else {
		c.pairingID = keys.SK
	}
	c.pairedSK = keys.SK
	c.hasPairing = true
	c.lastNew = !continuing

	if m.GroupSig, err = c.Member.Sign(c.rand(), gaGb); err != nil {
		return nil, err
	}
	if c.MutateS3 != nil {
		c.MutateS3(&m)
	}
	signed, err := m.SignedData()
	if err != nil {
		return nil, err
	}
	m.Icv = primitives.HMACSHA256(keys.SMK[:], signed)
	out, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if c.TamperS3 != nil {
		c.TamperS3(out)
	}
	return out, nil
}

// LastWasNew reports whether the co-processor treated the last handshake as a new pairing.
func (c *Coprocessor) LastWasNew() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNew
}

// Forget drops the co-processor's pairing state, as after a co-processor reset.
func (c *Coprocessor) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPairing = false
	c.pairedSK = [wire.SymmetricKeySize]byte{}
	c.pairingID = [wire.SymmetricKeySize]byte{}
}

func (c *Coprocessor) verifierKey(chain []byte) (*ecdsa.PublicKey, error) {
	certs, err := x509.ParseCertificates(chain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse verifier chain: %w", err)
	}
	if len(certs) < 2 || !certs[0].Equal(c.Trusted) {
		return nil, errors.New("verifier chain does not start at the trusted root")
	}
	for i := 1; i < len(certs); i++ {
		if err := certs[i].CheckSignatureFrom(certs[i-1]); err != nil {
			return nil, fmt.Errorf("verifier chain broken at %d: %w", i, err)
		}
	}
	key, ok := certs[len(certs)-1].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("verifier leaf key is not ECDSA")
	}
	return key, nil
}
