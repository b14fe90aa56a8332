package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/neovend/licensegate/internal/db"
	"github.com/neovend/licensegate/internal/licensing/store"
)

type AuditStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAuditStore(db *sql.DB, writer *dbpkg.Worker) *AuditStore {
	return &AuditStore{db: db, writer: writer}
}

func (s *AuditStore) RecordValidation(ctx context.Context, rec store.ValidationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var allowed int
	if rec.Allowed {
		allowed = 1
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO license_validations(
  id, license_id, device_id, device_model, allowed,
  status, reason, source_ip, request_id, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.ID, nullString(rec.LicenseID), rec.DeviceID, nullString(rec.DeviceModel), allowed,
			rec.Status, rec.Reason, nullString(rec.SourceIP), nullString(rec.RequestID),
			rec.CreatedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("RecordValidation insert: %w", err)
		}
		return nil
	})
}

func (s *AuditStore) RecordActivation(ctx context.Context, rec store.ActivationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO license_activations(
  id, license_id, key, device_id, device_model,
  status, activated_at_ms, reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.ID, rec.LicenseID, rec.Key, rec.DeviceID, nullString(rec.DeviceModel),
			string(rec.Status), rec.ActivatedAt.UTC().UnixMilli(), rec.Reason,
		); err != nil {
			return fmt.Errorf("RecordActivation insert: %w", err)
		}
		return nil
	})
}
