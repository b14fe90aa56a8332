package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neovend/licensegate/internal/licensing/store"
)

type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) RecordValidation(ctx context.Context, rec store.ValidationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO license_validations(
  id, license_id, device_id, device_model, allowed,
  status, reason, source_ip, request_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, nullString(rec.LicenseID), rec.DeviceID, nullString(rec.DeviceModel), rec.Allowed,
		rec.Status, rec.Reason, nullString(rec.SourceIP), nullString(rec.RequestID),
		rec.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("RecordValidation insert: %w", err)
	}
	return nil
}

func (s *AuditStore) RecordActivation(ctx context.Context, rec store.ActivationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO license_activations(
  id, license_id, key, device_id, device_model,
  status, activated_at, reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.LicenseID, rec.Key, rec.DeviceID, nullString(rec.DeviceModel),
		string(rec.Status), rec.ActivatedAt.UTC(), rec.Reason,
	); err != nil {
		return fmt.Errorf("RecordActivation insert: %w", err)
	}
	return nil
}

var (
	_ store.LicenseStore = (*LicenseStore)(nil)
	_ store.AuditStore   = (*AuditStore)(nil)
)
