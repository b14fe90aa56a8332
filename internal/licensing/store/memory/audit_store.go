package memory

import (
	"context"
	"sync"

	"github.com/neovend/licensegate/internal/licensing/store"
)

// AuditStore is an in-memory append-only audit log.
// It is intended for use in tests and dev environments.
type AuditStore struct {
	mu          sync.Mutex
	validations []store.ValidationRecord
	activations []store.ActivationRecord
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) RecordValidation(_ context.Context, rec store.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations = append(s.validations, rec)
	return nil
}

func (s *AuditStore) RecordActivation(_ context.Context, rec store.ActivationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations = append(s.activations, rec)
	return nil
}

// Validations returns a copy of all recorded validations.  Test-only helper.
func (s *AuditStore) Validations() []store.ValidationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ValidationRecord, len(s.validations))
	copy(out, s.validations)
	return out
}

// Activations returns a copy of all recorded activations.  Test-only helper.
func (s *AuditStore) Activations() []store.ActivationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ActivationRecord, len(s.activations))
	copy(out, s.activations)
	return out
}
