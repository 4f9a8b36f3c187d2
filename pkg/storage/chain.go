package storage

import (
	"errors"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/fxamacker/cbor/v2"
)

// maxChainEntries bounds the number of certificates in a persisted chain.
const maxChainEntries = 16

type chainIndex struct {
	Count int `cbor:"1,keyasint"`
}

// SaveChain persists certs root first. Entries are written before the index so a reader never
// sees an index pointing at missing entries; stale entries past the new count are removed.
// An unreadable old index clears every slot past the new count.
func SaveChain(s Store, certs [][]byte) error {
	if len(certs) == 0 || len(certs) > maxChainEntries {
		return fmt.Errorf("%w: chain of %d certificates", status.ErrParameter, len(certs))
	}
	var old chainIndex
	if raw, err := s.Read(KeyChainIndex); err == nil {
		if err := cbor.Unmarshal(raw, &old); err != nil {
			old.Count = maxChainEntries
		}
	}
	for i, c := range certs {
		if err := s.Write(ChainEntryKey(i), c); err != nil {
			return err
		}
	}
	idx, err := cbor.Marshal(chainIndex{Count: len(certs)})
	if err != nil {
		return fmt.Errorf("failed to encode chain index: %w", err)
	}
	if err := s.Write(KeyChainIndex, idx); err != nil {
		return err
	}
	for i := len(certs); i < old.Count && i < maxChainEntries; i++ {
		if err := s.Delete(ChainEntryKey(i)); err != nil {
			return err
		}
	}
	return nil
}

// LoadChain reads a chain saved by SaveChain, root first.
func LoadChain(s Store) ([][]byte, error) {
	raw, err := s.Read(KeyChainIndex)
	if err != nil {
		return nil, err
	}
	var idx chainIndex
	if err := cbor.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("%w: chain index: %w", status.ErrMalformedRecord, err)
	}
	if idx.Count <= 0 || idx.Count > maxChainEntries {
		return nil, fmt.Errorf("%w: chain index count %d", status.ErrMalformedRecord, idx.Count)
	}
	certs := make([][]byte, 0, idx.Count)
	for i := 0; i < idx.Count; i++ {
		c, err := s.Read(ChainEntryKey(i))
		if errors.Is(err, status.ErrNotFound) {
			return nil, fmt.Errorf("%w: chain entry %d missing", status.ErrMalformedRecord, i)
		}
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// ChainKeys returns the index key and every entry slot SaveChain may write.
func ChainKeys() []string {
	keys := make([]string, 0, maxChainEntries+1)
	keys = append(keys, KeyChainIndex)
	for i := 0; i < maxChainEntries; i++ {
		keys = append(keys, ChainEntryKey(i))
	}
	return keys
}
