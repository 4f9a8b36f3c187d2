package wire

import (
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// RLKind distinguishes the two revocation list formats.
type RLKind uint8

// Revocation list kinds.
const (
	SigRL RLKind = iota + 1
	PrivRL
)

// Revocation list layout constants.
const (
	RLSchemaVersion  = 2
	SigRLBlobID      = 0x000E
	PrivRLBlobID     = 0x000D
	MaxSigRLEntries  = 100
	MaxPrivRLEntries = 2000
	SigRLEntrySize   = 2 * PublicKeySize
	PrivRLEntrySize  = 32

	rlHeaderSize = 2 + 2 + GIDSize + 4 + 4
)

func (k RLKind) String() string {
	switch k {
	case SigRL:
		return "SigRL"
	case PrivRL:
		return "PrivRL"
	default:
		return fmt.Sprintf("RLKind(%d)", uint8(k))
	}
}

func (k RLKind) blobID() uint16 {
	if k == SigRL {
		return SigRLBlobID
	}
	return PrivRLBlobID
}

// MaxEntries returns the entry count ceiling for the kind.
func (k RLKind) MaxEntries() uint32 {
	if k == SigRL {
		return MaxSigRLEntries
	}
	return MaxPrivRLEntries
}

// EntrySize returns the size of one entry for the kind.
func (k RLKind) EntrySize() int {
	if k == SigRL {
		return SigRLEntrySize
	}
	return PrivRLEntrySize
}

// RevocationList is a decoded SigRL or PrivRL. Entries and Signed are views into the
// buffer passed to ParseRevocationList.
type RevocationList struct {
	Kind    RLKind
	GID     GroupID
	Version uint32
	Count   uint32

	entries []byte
	// Signed is the header and entries, the input to the list signature.
	Signed    []byte
	Signature [SignatureSize]byte
}

// Entry returns a view of entry i.
func (rl *RevocationList) Entry(i int) []byte {
	size := rl.Kind.EntrySize()
	return rl.entries[i*size : (i+1)*size : (i+1)*size]
}

// SigRLEntry splits a SigRL entry into its B and K points.
func SigRLEntry(e []byte) (b, k []byte) {
	return e[:PublicKeySize], e[PublicKeySize:]
}

// ParseRevocationList decodes a list of the given kind. The entry count is checked against
// the kind's ceiling before it is used in any size computation.
func ParseRevocationList(kind RLKind, b []byte) (*RevocationList, error) {
	r := NewReader(b)
	sver, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	blobID, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if sver != RLSchemaVersion || blobID != kind.blobID() {
		return nil, fmt.Errorf("%w: %s has version %d and blob id %#04x", status.ErrMalformedRecord, kind, sver, blobID)
	}
	gid, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	version, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if count > kind.MaxEntries() {
		return nil, fmt.Errorf("%w: %s declares %d entries, ceiling %d", status.ErrEntryCountExceeded, kind, count, kind.MaxEntries())
	}
	entrySize := int(count) * kind.EntrySize()
	if r.Len() != entrySize+SignatureSize {
		return nil, fmt.Errorf("%w: %s with %d entries has %d body bytes", status.ErrMalformedRecord, kind, count, r.Len())
	}
	entries, _ := r.Bytes(entrySize)
	rl := &RevocationList{
		Kind:    kind,
		GID:     GroupID(gid),
		Version: version,
		Count:   count,
		entries: entries,
		Signed:  b[:r.Offset()],
	}
	if err := r.Read(rl.Signature[:]); err != nil {
		return nil, err
	}
	return rl, nil
}

// RevocationListBody encodes the signed portion of a revocation list.
func RevocationListBody(kind RLKind, gid GroupID, version uint32, entries [][]byte) ([]byte, error) {
	if uint64(len(entries)) > uint64(kind.MaxEntries()) {
		return nil, fmt.Errorf("%w: %d %s entries", status.ErrEntryCountExceeded, len(entries), kind)
	}
	w := NewWriter(rlHeaderSize + len(entries)*kind.EntrySize() + SignatureSize)
	w.Uint16(RLSchemaVersion)
	w.Uint16(kind.blobID())
	w.Uint32(uint32(gid))
	w.Uint32(version)
	w.Uint32(uint32(len(entries)))
	for _, e := range entries {
		if len(e) != kind.EntrySize() {
			return nil, fmt.Errorf("%w: %s entry of %d bytes", status.ErrParameter, kind, len(e))
		}
		w.Write(e)
	}
	return w.Bytes(), nil
}
