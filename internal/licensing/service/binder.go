package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neovend/licensegate/internal/licensing/store"
)

var (
	// ErrDeviceBoundElsewhere: the device already holds a different license.
	ErrDeviceBoundElsewhere = errors.New("device already bound to a different license")

	// ErrBindLost: the license stopped being unbound before the update
	// landed, usually because a concurrent request bound it first.
	ErrBindLost = errors.New("license bind lost to a concurrent update")
)

// Binder performs the one mutating step of validation. It never reads
// before writing; the store's conditional update is the only arbiter.
type Binder struct {
	store store.LicenseStore
	now   func() time.Time
}

func NewBinder(st store.LicenseStore) *Binder {
	return &Binder{store: st, now: func() time.Time { return time.Now().UTC() }}
}

func (b *Binder) Bind(ctx context.Context, licenseID, deviceID, deviceModel string) (store.License, error) {
	lic, err := b.store.BindIfUnbound(ctx, store.BindParams{
		LicenseID:   licenseID,
		DeviceID:    deviceID,
		DeviceModel: deviceModel,
		At:          b.now(),
	})
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, store.ErrDeviceConflict):
		return store.License{}, ErrDeviceBoundElsewhere
	case errors.Is(err, store.ErrNotUnbound):
		return store.License{}, ErrBindLost
	default:
		return store.License{}, fmt.Errorf("bind license %s: %w", licenseID, err)
	}
}
