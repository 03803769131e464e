package policystore

import (
	"errors"
	"sync/atomic"

	"idsync/pkg/policydsl"
)

// Holder publishes the active Store. Readers take a snapshot with Load and keep
// using it for the whole run even if a reload swaps in a newer one.
type Holder struct {
	current atomic.Pointer[Store]
}

func NewHolder(s *Store) *Holder {
	h := &Holder{}
	if s != nil {
		h.current.Store(s)
	}
	return h
}

// Load returns the active store, or nil before the first Swap.
func (h *Holder) Load() *Store { return h.current.Load() }

// Swap installs s and returns the store it replaced.
func (h *Holder) Swap(s *Store) (*Store, error) {
	if s == nil {
		return nil, errors.New("policystore: refusing to install nil store")
	}
	return h.current.Swap(s), nil
}

// ReloadFile parses and validates path, then swaps it in. On error the active
// store is left untouched.
func (h *Holder) ReloadFile(path string) (*Store, error) {
	ir, err := policydsl.LoadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ir)
	if err != nil {
		return nil, err
	}
	if _, err := h.Swap(s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile is a convenience for callers that only need a single snapshot.
func LoadFile(path string) (*Store, error) {
	ir, err := policydsl.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(ir)
}
