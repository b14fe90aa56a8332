package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SeedDevOptions struct {
	// CreatedBy is stamped on every seeded license. Defaults to "dev-seed".
	CreatedBy string
	// Now anchors created_at and expiry offsets. Defaults to time.Now().
	Now time.Time
}

// DevLicense is one row inserted by SeedDev.
type DevLicense struct {
	Key       string
	Status    string
	Type      string
	ExpiresIn time.Duration // 0 = never; negative = already expired
}

// DevLicenses are the demo licenses inserted by SeedDev. Keys are stable so
// a local device can be pointed at them across restarts.
var DevLicenses = []DevLicense{
	{Key: "NEO-DEMO-0001-LIFE", Status: "active", Type: "lifetime"},
	{Key: "NEO-DEMO-0002-LIFE", Status: "active", Type: "lifetime"},
	{Key: "NEO-DEMO-0003-TRIA", Status: "active", Type: "trial", ExpiresIn: 14 * 24 * time.Hour},
	{Key: "NEO-DEMO-0004-SUBX", Status: "active", Type: "subscription", ExpiresIn: -24 * time.Hour},
	{Key: "NEO-DEMO-0005-REVK", Status: "revoked", Type: "lifetime"},
}

// SeedDev inserts DevLicenses, leaving existing keys untouched.
func SeedDev(ctx context.Context, db *sql.DB, dialect Dialect, opt SeedDevOptions) error {
	if opt.CreatedBy == "" {
		opt.CreatedBy = "dev-seed"
	}
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var q string
	switch dialect {
	case DialectSQLite:
		q = `
INSERT INTO licenses(id, key, status, type, expires_at_ms, created_at_ms, created_by)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO NOTHING;`
	case DialectPostgres:
		q = `
INSERT INTO licenses(id, key, status, type, expires_at, created_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(key) DO NOTHING;`
	default:
		return fmt.Errorf("seed: unknown dialect %q", dialect)
	}

	for i, l := range DevLicenses {
		// Stagger created_at so device-only lookups have a stable order.
		created := now.Add(time.Duration(i) * time.Second)

		var expires, createdArg any
		if dialect == DialectSQLite {
			createdArg = created.UnixMilli()
			if l.ExpiresIn != 0 {
				expires = now.Add(l.ExpiresIn).UnixMilli()
			}
		} else {
			createdArg = created
			if l.ExpiresIn != 0 {
				expires = now.Add(l.ExpiresIn)
			}
		}

		if _, err := db.ExecContext(ctx, q,
			uuid.NewString(), l.Key, l.Status, l.Type, expires, createdArg, opt.CreatedBy,
		); err != nil {
			return fmt.Errorf("seed license %s: %w", l.Key, err)
		}
	}

	return nil
}
