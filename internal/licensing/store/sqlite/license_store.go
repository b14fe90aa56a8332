package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	dbpkg "github.com/neovend/licensegate/internal/db"
	"github.com/neovend/licensegate/internal/licensing/store"
)

const licenseColumns = `
  id, key, status, type, device_id, device_model,
  activated_at_ms, expires_at_ms, created_at_ms, created_by`

type LicenseStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLicenseStore(db *sql.DB, writer *dbpkg.Worker) *LicenseStore {
	return &LicenseStore{db: db, writer: writer}
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (store.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+licenseColumns+` FROM licenses WHERE key = ?;`, key)
	lic, err := scanLicense(row)
	if err != nil {
		return store.License{}, fmt.Errorf("GetByKey: %w", err)
	}
	return lic, nil
}

func (s *LicenseStore) GetByID(ctx context.Context, id string) (store.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+licenseColumns+` FROM licenses WHERE id = ?;`, id)
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
WHERE device_id = ? AND status IN ('active', 'used')
ORDER BY created_at_ms DESC
LIMIT 1;`, deviceID)
	lic, err := scanLicense(row)
	if err != nil {
		return store.License{}, fmt.Errorf("GetLatestByDevice: %w", err)
	}
	return lic, nil
}

// BindIfUnbound applies the compare-and-set binding in one UPDATE. The WHERE
// clause is the precondition; the partial unique index on device_id guards
// against a device binding two licenses.
func (s *LicenseStore) BindIfUnbound(ctx context.Context, p store.BindParams) (store.License, error) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var bound store.License
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE licenses
SET device_id = ?,
    device_model = ?,
    status = 'used',
    activated_at_ms = COALESCE(activated_at_ms, ?)
WHERE id = ? AND device_id IS NULL AND status IN ('active', 'used');
`, p.DeviceID, nullString(p.DeviceModel), at.UTC().UnixMilli(), p.LicenseID)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDeviceConflict
			}
			return fmt.Errorf("BindIfUnbound update: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("BindIfUnbound rows: %w", err)
		}
		if n == 0 {
			return store.ErrNotUnbound
		}

		row := tx.QueryRowContext(ctx,
			`SELECT`+licenseColumns+` FROM licenses WHERE id = ?;`, p.LicenseID)
		bound, err = scanLicense(row)
		if err != nil {
			return fmt.Errorf("BindIfUnbound reload: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.License{}, err
	}
	return bound, nil
}

func scanLicense(row *sql.Row) (store.License, error) {
	var (
		lic         store.License
		status      string
		typ         string
		deviceID    sql.NullString
		deviceModel sql.NullString
		activatedMs sql.NullInt64
		expiresMs   sql.NullInt64
		createdMs   int64
		createdBy   sql.NullString
	)
	err := row.Scan(&lic.ID, &lic.Key, &status, &typ, &deviceID, &deviceModel,
		&activatedMs, &expiresMs, &createdMs, &createdBy)
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
	lic.ActivatedAt = msPtr(activatedMs)
	lic.ExpiresAt = msPtr(expiresMs)
	lic.CreatedAt = time.UnixMilli(createdMs).UTC()
	lic.CreatedBy = createdBy.String
	return lic, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. The driver reports extended result codes, but fall back to the
// primary code plus message in case a build does not.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(se.Error(), "UNIQUE")
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
