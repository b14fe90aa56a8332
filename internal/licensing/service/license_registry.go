package service

import (
	"context"
	"errors"

	"github.com/neovend/licensegate/internal/licensing/store"
)

// LicenseRegistry resolves the license a request refers to. A miss is not
// an error: it comes back as a nil license so Decide reports NotFound.
type LicenseRegistry struct {
	store store.LicenseStore
}

func NewLicenseRegistry(st store.LicenseStore) *LicenseRegistry {
	return &LicenseRegistry{store: st}
}

// Resolve looks the license up by key, or by device when no key is given
// (device-only recovery).
func (r *LicenseRegistry) Resolve(ctx context.Context, key, deviceID string) (*store.License, error) {
	if key != "" {
		return found(r.store.GetByKey(ctx, key))
	}
	return found(r.store.GetLatestByDevice(ctx, deviceID))
}

// Reload re-reads a license after a lost bind.
func (r *LicenseRegistry) Reload(ctx context.Context, id string) (*store.License, error) {
	return found(r.store.GetByID(ctx, id))
}

func found(lic store.License, err error) (*store.License, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}
