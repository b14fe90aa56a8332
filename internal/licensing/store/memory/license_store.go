package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neovend/licensegate/internal/licensing/store"
)

// LicenseStore is an in-memory license table with the same uniqueness
// guarantees as the SQL schema: one license per key, one license per
// bound device. It is intended for dev environments and tests.
type LicenseStore struct {
	mu       sync.RWMutex
	byID     map[string]store.License
	byKey    map[string]string // key -> id
	byDevice map[string]string // device_id -> id
}

func NewLicenseStore() *LicenseStore {
	return &LicenseStore{
		byID:     make(map[string]store.License),
		byKey:    make(map[string]string),
		byDevice: make(map[string]string),
	}
}

// Put inserts or replaces a license, enforcing key and device uniqueness.
// Issuance is external to the validation core; Put exists for seeding.
func (s *LicenseStore) Put(lic store.License) error {
	if lic.ID == "" || lic.Key == "" {
		return fmt.Errorf("put license: id and key are required")
	}
	if lic.Key != strings.ToUpper(lic.Key) {
		return fmt.Errorf("put license: key %q must be upper case", lic.Key)
	}
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[lic.Key]; ok && id != lic.ID {
		return fmt.Errorf("put license: duplicate key %q", lic.Key)
	}
	if lic.DeviceID != "" {
		if id, ok := s.byDevice[lic.DeviceID]; ok && id != lic.ID {
			return store.ErrDeviceConflict
		}
	}

	if prev, ok := s.byID[lic.ID]; ok {
		delete(s.byKey, prev.Key)
		if prev.DeviceID != "" {
			delete(s.byDevice, prev.DeviceID)
		}
	}

	s.byID[lic.ID] = lic
	s.byKey[lic.Key] = lic.ID
	if lic.DeviceID != "" {
		s.byDevice[lic.DeviceID] = lic.ID
	}
	return nil
}

func (s *LicenseStore) GetByKey(_ context.Context, key string) (store.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return store.License{}, store.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *LicenseStore) GetByID(_ context.Context, id string) (store.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.byID[id]
	if !ok {
		return store.License{}, store.ErrNotFound
	}
	return lic, nil
}

func (s *LicenseStore) GetLatestByDevice(_ context.Context, deviceID string) (store.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  store.License
		found bool
	)
	// Scan rather than trusting byDevice so that the "latest wins" rule
	// holds even for rows that were Put around the index.
	for _, lic := range s.byID {
		if lic.DeviceID != deviceID || !lic.Status.Bindable() {
			continue
		}
		if !found || lic.CreatedAt.After(best.CreatedAt) {
			best, found = lic, true
		}
	}
	if !found {
		return store.License{}, store.ErrNotFound
	}
	return best, nil
}

func (s *LicenseStore) BindIfUnbound(_ context.Context, p store.BindParams) (store.License, error) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.byID[p.LicenseID]
	if !ok || lic.Bound() || !lic.Status.Bindable() {
		return store.License{}, store.ErrNotUnbound
	}
	if owner, taken := s.byDevice[p.DeviceID]; taken && owner != lic.ID {
		return store.License{}, store.ErrDeviceConflict
	}

	lic.DeviceID = p.DeviceID
	lic.DeviceModel = p.DeviceModel
	lic.Status = store.StatusUsed
	if lic.ActivatedAt == nil {
		lic.ActivatedAt = &at
	}

	s.byID[lic.ID] = lic
	s.byDevice[lic.DeviceID] = lic.ID
	return lic, nil
}
