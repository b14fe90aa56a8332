package store

import (
	"context"
	"errors"
	"time"
)

// LicenseStatus is the persisted lifecycle state of a license. "expired" is
// never stored; it is derived from ExpiresAt at evaluation time.
type LicenseStatus string

const (
	StatusActive  LicenseStatus = "active"
	StatusUsed    LicenseStatus = "used"
	StatusRevoked LicenseStatus = "revoked"
)

// Bindable reports whether a license in this status may receive a device.
func (s LicenseStatus) Bindable() bool {
	return s == StatusActive || s == StatusUsed
}

// LicenseType is informational issuance metadata.
type LicenseType string

const (
	TypeLifetime     LicenseType = "lifetime"
	TypeSubscription LicenseType = "subscription"
	TypeTrial        LicenseType = "trial"
)

var (
	// ErrNotFound is returned by lookups that match no license.
	ErrNotFound = errors.New("license not found")

	// ErrNotUnbound is returned by BindIfUnbound when the license was no
	// longer unbound (or no longer bindable) at the moment of the update.
	ErrNotUnbound = errors.New("license is not unbound")

	// ErrDeviceConflict is returned by BindIfUnbound when the device is
	// already bound to a different license.
	ErrDeviceConflict = errors.New("device already bound to another license")
)

type License struct {
	ID          string
	Key         string
	Status      LicenseStatus
	Type        LicenseType
	DeviceID    string // empty = unbound
	DeviceModel string
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	CreatedBy   string
}

func (l License) Bound() bool { return l.DeviceID != "" }

// ExpiredAt reports whether the license has an expiry strictly before now.
func (l License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// BindParams describes a compare-and-set binding of a device to a license.
type BindParams struct {
	LicenseID   string
	DeviceID    string
	DeviceModel string
	At          time.Time // activated_at when not already set
}

// LicenseStore is the read and conditional-write contract the validation
// core needs from persistence. Implementations must make BindIfUnbound a
// single atomic conditional update; callers never read-then-write.
type LicenseStore interface {
	GetByKey(ctx context.Context, key string) (License, error)
	GetByID(ctx context.Context, id string) (License, error)

	// GetLatestByDevice returns the most recently created license bound to
	// deviceID whose status is active or used.
	GetLatestByDevice(ctx context.Context, deviceID string) (License, error)

	BindIfUnbound(ctx context.Context, p BindParams) (License, error)
}
