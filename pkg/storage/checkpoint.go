package storage

import (
	"errors"
	"fmt"

	"github.com/DIMO-Network/pse-pairing/pkg/status"
)

// Checkpoint holds the values a set of keys had when it was taken.
type Checkpoint struct {
	store  Store
	keys   []string
	values map[string][]byte
}

// NewCheckpoint records the current value of each key in s. Missing keys are recorded as absent.
func NewCheckpoint(s Store, keys ...string) (*Checkpoint, error) {
	cp := &Checkpoint{store: s, keys: keys, values: make(map[string][]byte, len(keys))}
	for _, k := range keys {
		v, err := s.Read(k)
		if errors.Is(err, status.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", k, err)
		}
		cp.values[k] = v
	}
	return cp, nil
}

// Restore writes back every recorded value and deletes keys that were absent. It keeps going
// after a failure and returns all errors joined.
func (c *Checkpoint) Restore() error {
	var errs []error
	for _, k := range c.keys {
		var err error
		if v, ok := c.values[k]; ok {
			err = c.store.Write(k, v)
		} else {
			err = c.store.Delete(k)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
