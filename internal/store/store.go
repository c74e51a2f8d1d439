package store

import (
	"sync/atomic"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/builder"
)

// Store holds the single current bundle. The rebuild coordinator is the sole
// writer; HTTP handlers and anything else only read. Replacement is one
// pointer swap, so readers never observe a partially built bundle, and a
// bundle handed out by Current stays valid and immutable for as long as the
// reader holds it.
type Store struct {
	current atomic.Pointer[builder.Bundle]
}

func New() *Store {
	return &Store{}
}

// Publish atomically replaces the current bundle.
func (s *Store) Publish(b *builder.Bundle) {
	s.current.Store(b)
}

// Current returns the current bundle, or false if nothing has been built yet.
func (s *Store) Current() (*builder.Bundle, bool) {
	b := s.current.Load()
	return b, b != nil
}
