package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/neovend/licensegate/internal/db"
	"github.com/neovend/licensegate/internal/licensing/store"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared cache keeps the named in-memory database alive for as long as
	// the pool holds a connection.
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		strings.ReplaceAll(t.Name(), "/", "_"),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn, db.DialectSQLite); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn, 64)
	t.Cleanup(w.Close)
	return w
}

// seedLicense inserts a license row directly; issuance is not part of the
// store contract.
func seedLicense(t *testing.T, conn *sql.DB, lic store.License) {
	t.Helper()

	if lic.Status == "" {
		lic.Status = store.StatusActive
	}
	if lic.Type == "" {
		lic.Type = store.TypeLifetime
	}
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}

	var deviceID, activated, expires any
	if lic.DeviceID != "" {
		deviceID = lic.DeviceID
	}
	if lic.ActivatedAt != nil {
		activated = lic.ActivatedAt.UnixMilli()
	}
	if lic.ExpiresAt != nil {
		expires = lic.ExpiresAt.UnixMilli()
	}

	_, err := conn.ExecContext(context.Background(), `
INSERT INTO licenses(id, key, status, type, device_id, activated_at_ms, expires_at_ms, created_at_ms, created_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		lic.ID, lic.Key, string(lic.Status), string(lic.Type), deviceID,
		activated, expires, lic.CreatedAt.UnixMilli(), "test",
	)
	if err != nil {
		t.Fatalf("seedLicense(%s): %v", lic.ID, err)
	}
}
