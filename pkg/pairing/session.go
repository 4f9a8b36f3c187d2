package pairing

import (
	"bytes"
	"crypto/ecdh"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/groupsig"
	"github.com/DIMO-Network/pse-pairing/pkg/kdf"
	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/secret"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Session is one pairing attempt. GenM7 and VerifyM8 must each be called once, in order.
// The handle stays locked until Close, so the caller persists the updated blob inside the
// attempt. A Session is not safe for concurrent use.
type Session struct {
	h      *Handle
	state  State
	unlock func()

	local      *ecdh.PrivateKey
	s1         *wire.S1
	gb         wire.PublicKey
	keys       kdf.Keys
	sigRL      *wire.RevocationList
	instanceID [wire.InstanceIDSize]byte
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Close discards an unfinished session and releases the handle. Calling it again is a no-op.
func (s *Session) Close() {
	if !s.state.Terminal() {
		s.state = Error
		s.h.logger.Debug().Msg("Session discarded.")
	}
	s.finish()
	s.unlock()
}

// finish drops the session keys. The handle remains locked.
func (s *Session) finish() {
	s.keys.Wipe()
	s.local = nil
}

func (s *Session) fail(op string, err error) error {
	s.state = Error
	s.finish()
	s.h.logger.Warn().Err(err).Str("op", op).Msg("Pairing session failed.")
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) callOrder(op string) error {
	return fmt.Errorf("%s: %w: session is %s", op, status.ErrCallOrder, s.state)
}

// GenM7 processes S1 and returns S2. verifierChain is ordered root first.
// sigRL and ocspResponses may be empty.
func (s *Session) GenM7(s1, sigRL []byte, ocspResponses, verifierChain [][]byte, pairingBlob []byte) ([]byte, error) {
	const op = "gen m7"
	if s.state != AwaitingGenM7 {
		return nil, s.callOrder(op)
	}
	out, err := s.genM7(s1, sigRL, ocspResponses, verifierChain, pairingBlob)
	if err != nil {
		return nil, s.fail(op, err)
	}
	s.state = AwaitingVerifyM8
	return out, nil
}

func (s *Session) genM7(rawS1, rawSigRL []byte, ocspResponses, verifierChain [][]byte, pairingBlob []byte) ([]byte, error) {
	chain, err := joinBounded(verifierChain, MaxVerifierChainSize, "verifier certificate chain")
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: verifier certificate chain is empty", status.ErrParameter)
	}
	if _, err := joinBounded(ocspResponses, MaxOCSPResponsesSize, "OCSP responses"); err != nil {
		return nil, err
	}
	s1, err := wire.ParseS1(rawS1)
	if err != nil {
		return nil, err
	}
	if s1.OCSPReq.Type == wire.OCSPNone && len(ocspResponses) > 0 {
		return nil, fmt.Errorf("%w: OCSP responses supplied but none requested", status.ErrParameter)
	}
	var (
		sigRL      *wire.RevocationList
		ownedSigRL []byte
	)
	if len(rawSigRL) > 0 {
		ownedSigRL = bytes.Clone(rawSigRL)
		if sigRL, err = wire.ParseRevocationList(wire.SigRL, ownedSigRL); err != nil {
			return nil, err
		}
		if err := groupsig.CheckRevocationList(sigRL, s.h.cfg.Anchors.RevocationListKeys, s1.GID); err != nil {
			return nil, err
		}
	}

	ga, err := primitives.ParseECDHPublicKey(s1.Ga)
	if err != nil {
		return nil, err
	}
	local, err := primitives.GenerateECDHKey(s.h.cfg.Rand)
	if err != nil {
		return nil, err
	}
	ss, err := primitives.SharedSecret(local, ga)
	if err != nil {
		return nil, err
	}
	s.keys = kdf.Derive(ss)
	secret.Wipe(ss)

	sec, md, err := s.h.cfg.Sealer.Unseal(pairingBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrPairingBlobInvalid, err)
	}
	defer sec.Wipe()
	if secret.IsZero(sec.VerifierPrivateKey[:]) {
		return nil, fmt.Errorf("%w: pairing blob carries no verifier key", status.ErrNotProvisioned)
	}
	verifierKey, err := primitives.ECDSAKeyFromScalar(sec.VerifierPrivateKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrPairingBlobInvalid, err)
	}
	defer primitives.WipeECDSAKey(verifierKey)

	m := wire.S2{
		Gb:            primitives.PublicKeyBytes(local.PublicKey()),
		OCSPReq:       s1.OCSPReq,
		VerifierChain: chain,
		SigRL:         ownedSigRL,
		OCSPResponses: ocspResponses,
	}
	if sec.HasPriorPairing() {
		m.PR = kdf.ComputePR(s.keys.MK[:], sec.SK[:], kdf.TagVerifier)
	}
	data, err := m.Data()
	if err != nil {
		return nil, err
	}
	m.Icv = primitives.HMACSHA256(s.keys.SMK[:], m.MACData(data))
	if m.SigGaGb, err = primitives.Sign(s.h.cfg.Rand, verifierKey, concat(s1.Ga[:], m.Gb[:])); err != nil {
		return nil, err
	}
	out, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}

	s.local = local
	s.s1 = s1
	s.gb = m.Gb
	s.sigRL = sigRL
	s.instanceID = md.InstanceID
	s.h.logger.Debug().
		Stringer("gid", s1.GID).
		Bool("priorPairing", sec.HasPriorPairing()).
		Bool("sigRL", sigRL != nil).
		Int("ocspResponses", len(ocspResponses)).
		Msg("Generated S2.")
	return out, nil
}

// VerifyM8 processes S3 and returns the re-sealed pairing blob. privRL may be empty.
// pairingBlob must be the blob passed to GenM7.
func (s *Session) VerifyM8(s3, privRL, pairingBlob []byte) (updatedBlob []byte, isNewPairing bool, err error) {
	const op = "verify m8"
	if s.state != AwaitingVerifyM8 {
		return nil, false, s.callOrder(op)
	}
	updatedBlob, isNewPairing, err = s.verifyM8(s3, privRL, pairingBlob)
	if err != nil {
		return nil, false, s.fail(op, err)
	}
	s.state = Done
	s.finish()
	return updatedBlob, isNewPairing, nil
}

func (s *Session) verifyM8(rawS3, rawPrivRL, pairingBlob []byte) ([]byte, bool, error) {
	var privRL *wire.RevocationList
	if len(rawPrivRL) > 0 {
		var err error
		if privRL, err = wire.ParseRevocationList(wire.PrivRL, rawPrivRL); err != nil {
			return nil, false, err
		}
		if err := groupsig.CheckRevocationList(privRL, s.h.cfg.Anchors.RevocationListKeys, s.s1.GID); err != nil {
			return nil, false, err
		}
	}
	m, err := wire.ParseS3(rawS3)
	if err != nil {
		return nil, false, err
	}

	icv := primitives.HMACSHA256(s.keys.SMK[:], m.MACData())
	if !primitives.Equal(icv[:], m.Icv[:]) {
		return nil, false, status.ErrHMACMismatch
	}
	if m.Ga != s.s1.Ga {
		return nil, false, status.ErrPublicKeyMismatch
	}
	if !m.TaskInfo.IsExpected() {
		return nil, false, fmt.Errorf("%w: task %d subtask %d type %d length %d", status.ErrTaskInfo,
			m.TaskInfo.TaskID, m.TaskInfo.SubTaskID, m.TaskInfo.Type, m.TaskInfo.Length)
	}

	groupKey, err := groupsig.ParseCertificate(m.GroupCert, s.h.cfg.Anchors.GroupIssuers)
	if err != nil {
		return nil, false, err
	}
	verdict, err := s.h.cfg.Verifier.Verify(groupKey, concat(s.s1.Ga[:], s.gb[:]), m.GroupSig,
		groupsig.RevocationLists{SigRL: s.sigRL, PrivRL: privRL})
	if err != nil {
		return nil, false, fmt.Errorf("%w: group signature verification: %w", status.ErrCrypto, err)
	}
	if err := verdict.Err(); err != nil {
		return nil, false, err
	}
	if groupKey.GID != s.s1.GID {
		return nil, false, fmt.Errorf("%w: certificate group %s, S1 group %s", status.ErrGIDMismatch, groupKey.GID, s.s1.GID)
	}

	sec, md, err := s.h.cfg.Sealer.Unseal(pairingBlob)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", status.ErrPairingBlobInvalid, err)
	}
	defer sec.Wipe()
	if md.InstanceID != s.instanceID {
		return nil, false, fmt.Errorf("%w: pairing blob instance changed since GenM7", status.ErrParameter)
	}

	expected := kdf.ComputePR(s.keys.MK[:], sec.PairingID[:], kdf.TagCoprocessor)
	isNew := !sec.HasPriorPairing() || !primitives.Equal(m.PrCSE[:], expected[:])
	if isNew {
		if sec.PairingNonce, err = NewPairingNonce(s.h.cfg.Rand); err != nil {
			return nil, false, err
		}
		sec.PairingID = s.keys.SK
	}
	sec.SK = s.keys.SK
	sec.MK = s.keys.MK
	sec.IDLocal = kdf.ComputeID(s.keys.SK[:], s.keys.MK[:], kdf.TagLocal)
	sec.IDRemote = kdf.ComputeID(s.keys.SK[:], s.keys.MK[:], kdf.TagRemote)

	md.RemoteSVN = m.TaskInfo.SVN
	md.RemoteGID = s.s1.GID
	if s.sigRL != nil {
		md.SigRLVersion = s.sigRL.Version
	}
	if privRL != nil {
		md.PrivRLVersion = privRL.Version
	}
	blob, err := s.h.cfg.Sealer.Seal(sec, md)
	if err != nil {
		return nil, false, err
	}
	s.h.logger.Debug().Stringer("gid", s.s1.GID).Bool("newPairing", isNew).Msg("Verified S3.")
	return blob, isNew, nil
}

func joinBounded(parts [][]byte, limit int, what string) ([]byte, error) {
	total := 0
	for _, p := range parts {
		total += len(p)
		if total > limit {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", status.ErrParameter, what, limit)
		}
	}
	return bytes.Join(parts, nil), nil
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
