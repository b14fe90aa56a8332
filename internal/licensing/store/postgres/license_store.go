// Package postgres implements the license and audit stores on PostgreSQL
// through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/neovend/licensegate/internal/licensing/store"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = pq.ErrorCode("23505")

const licenseColumns = `
  id, key, status, type, device_id, device_model,
  activated_at, expires_at, created_at, created_by`

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (store.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+licenseColumns+` FROM licenses WHERE key = $1`, key)
	lic, err := scanLicense(row)
	if err != nil {
		return store.License{}, fmt.Errorf("GetByKey: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id string) (store.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+licenseColumns+` FROM licenses WHERE id = $1`, id)
	lic, err := scanLicense(row)
	if err != nil {
		return store.License{}, fmt.Errorf("GetByID: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) GetLatestByDevice(ctx context.Context, deviceID string) (store.License, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT`+licenseColumns+`
FROM licenses
WHERE device_id = $1 AND status IN ('active', 'used')
ORDER BY created_at DESC
LIMIT 1`, deviceID)
	lic, err := scanLicense(row)
	if err != nil {
		return store.License{}, fmt.Errorf("GetLatestByDevice: %w", err)
	}
	return lic, nil
}

// BindIfUnbound is a single conditional UPDATE ... RETURNING. No row back
// means the precondition failed; a unique_violation means the device is
// already bound to another license.
func (s *LicenseStore) BindIfUnbound(ctx context.Context, p store.BindParams) (store.License, error) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
UPDATE licenses
SET device_id = $2,
    device_model = $3,
    status = 'used',
    activated_at = COALESCE(activated_at, $4)
WHERE id = $1 AND device_id IS NULL AND status IN ('active', 'used')
RETURNING`+licenseColumns,
		p.LicenseID, p.DeviceID, nullString(p.DeviceModel), at.UTC())

	lic, err := scanLicense(row)
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, store.ErrNotFound):
		return store.License{}, store.ErrNotUnbound
	case isUniqueViolation(err):
		return store.License{}, store.ErrDeviceConflict
	default:
		return store.License{}, fmt.Errorf("BindIfUnbound: %w", err)
	}
}

func scanLicense(row *sql.Row) (store.License, error) {
	var (
		lic         store.License
		status      string
		typ         string
		deviceID    sql.NullString
		deviceModel sql.NullString
		activatedAt sql.NullTime
		expiresAt   sql.NullTime
		createdBy   sql.NullString
	)
	err := row.Scan(&lic.ID, &lic.Key, &status, &typ, &deviceID, &deviceModel,
		&activatedAt, &expiresAt, &lic.CreatedAt, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return store.License{}, store.ErrNotFound
	}
	if err != nil {
		return store.License{}, err
	}

	lic.Status = store.LicenseStatus(status)
	lic.Type = store.LicenseType(typ)
	lic.DeviceID = deviceID.String
	lic.DeviceModel = deviceModel.String
	lic.ActivatedAt = timePtr(activatedAt)
	lic.ExpiresAt = timePtr(expiresAt)
	lic.CreatedAt = lic.CreatedAt.UTC()
	lic.CreatedBy = createdBy.String
	return lic, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
