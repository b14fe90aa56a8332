package store

import (
	"context"
	"time"
)

// ValidationRecord captures one validation attempt, allowed or not.
// LicenseID is empty when no license was resolved.
type ValidationRecord struct {
	ID          string
	LicenseID   string
	DeviceID    string
	DeviceModel string
	Allowed     bool
	Status      string
	Reason      string
	SourceIP    string
	RequestID   string
	CreatedAt   time.Time
}

// ActivationRecord is written once per license, when it first binds.
type ActivationRecord struct {
	ID          string
	LicenseID   string
	Key         string
	DeviceID    string
	DeviceModel string
	Status      LicenseStatus
	ActivatedAt time.Time
	Reason      string
}

// AuditStore persists validation and activation records as an append-only
// audit log.
type AuditStore interface {
	RecordValidation(ctx context.Context, rec ValidationRecord) error
	RecordActivation(ctx context.Context, rec ActivationRecord) error
}
