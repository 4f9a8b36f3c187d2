package groupsig

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/DIMO-Network/pse-pairing/pkg/primitives"
	"github.com/DIMO-Network/pse-pairing/pkg/wire"
)

// Simulated signature layout: B | K | C | ECDSA(group key, msg||B||K||C).
// C commits to the member secret f as SHA-256(f), and K is bound to B and C so that a
// signature-list entry (B', K') revokes exactly the members whose C maps B' to K'.
const (
	simBSize   = wire.PublicKeySize
	simKSize   = wire.PublicKeySize
	simCSize   = sha256.Size
	SimSigSize = simBSize + simKSize + simCSize + wire.SignatureSize
)

// Simulated is a Verifier for the simulation scheme used in tests and the simulate mode.
// It is not a zero-knowledge scheme and offers no anonymity.
type Simulated struct {
	// RevokedGroups lists groups whose every signature is rejected.
	RevokedGroups []wire.GroupID
}

type simSig struct {
	b, k, c []byte
	ecdsa   []byte
}

func parseSimSig(sig []byte) (simSig, bool) {
	if len(sig) != SimSigSize {
		return simSig{}, false
	}
	r := wire.NewReader(sig)
	b, _ := r.Bytes(simBSize)
	k, _ := r.Bytes(simKSize)
	c, _ := r.Bytes(simCSize)
	return simSig{b: b, k: k, c: c, ecdsa: r.Rest()}, true
}

func kFor(b, c []byte) []byte {
	h := sha512.New()
	h.Write(b)
	h.Write(c)
	return h.Sum(nil)
}

func signedInput(msg, b, k, c []byte) []byte {
	out := make([]byte, 0, len(msg)+len(b)+len(k)+len(c))
	out = append(out, msg...)
	out = append(out, b...)
	out = append(out, k...)
	return append(out, c...)
}

// Verify checks validity first, then the group list, the private key list and the signature list.
func (s Simulated) Verify(pub *PublicKey, msg, sig []byte, rls RevocationLists) (Verdict, error) {
	if pub == nil || pub.Key == nil {
		return Invalid, fmt.Errorf("group public key is required")
	}
	p, ok := parseSimSig(sig)
	if !ok {
		return Invalid, nil
	}
	if !primitives.Equal(p.k, kFor(p.b, p.c)) {
		return Invalid, nil
	}
	if !primitives.Verify(pub.Key, signedInput(msg, p.b, p.k, p.c), p.ecdsa) {
		return Invalid, nil
	}
	for _, g := range s.RevokedGroups {
		if g == pub.GID {
			return RevokedGroup, nil
		}
	}
	if rl := rls.PrivRL; rl != nil {
		for i := 0; i < int(rl.Count); i++ {
			f := sha256.Sum256(rl.Entry(i))
			if primitives.Equal(f[:], p.c) {
				return RevokedPrivateKey, nil
			}
		}
	}
	if rl := rls.SigRL; rl != nil {
		for i := 0; i < int(rl.Count); i++ {
			b, k := wire.SigRLEntry(rl.Entry(i))
			if primitives.Equal(k, kFor(b, p.c)) {
				return RevokedSignature, nil
			}
		}
	}
	return Valid, nil
}

// Member holds a simulated group member's signing material.
type Member struct {
	GroupKey *ecdsa.PrivateKey
	// F is the member secret listed in a PrivRL to revoke this member.
	F [32]byte
}

// NewMember returns a member of the group signing with groupKey and a random secret.
func NewMember(rand io.Reader, groupKey *ecdsa.PrivateKey) (*Member, error) {
	m := &Member{GroupKey: groupKey}
	if _, err := io.ReadFull(rand, m.F[:]); err != nil {
		return nil, fmt.Errorf("failed to generate member secret: %w", err)
	}
	return m, nil
}

// Sign produces a simulated group signature over msg.
func (m *Member) Sign(rand io.Reader, msg []byte) ([]byte, error) {
	b := make([]byte, simBSize)
	if _, err := io.ReadFull(rand, b); err != nil {
		return nil, fmt.Errorf("failed to generate basename point: %w", err)
	}
	c := sha256.Sum256(m.F[:])
	k := kFor(b, c[:])
	sig, err := primitives.Sign(rand, m.GroupKey, signedInput(msg, b, k, c[:]))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SimSigSize)
	out = append(out, b...)
	out = append(out, k...)
	out = append(out, c[:]...)
	return append(out, sig[:]...), nil
}

// SigRLEntry returns a signature-list entry that revokes the member that produced sig.
func SigRLEntry(sig []byte) ([]byte, error) {
	p, ok := parseSimSig(sig)
	if !ok {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(sig), SimSigSize)
	}
	entry := make([]byte, 0, wire.SigRLEntrySize)
	entry = append(entry, p.b...)
	return append(entry, p.k...), nil
}
