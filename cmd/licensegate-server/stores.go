package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/neovend/licensegate/internal/config"
	"github.com/neovend/licensegate/internal/db"
	"github.com/neovend/licensegate/internal/licensing/store"
	"github.com/neovend/licensegate/internal/licensing/store/memory"
	"github.com/neovend/licensegate/internal/licensing/store/postgres"
	"github.com/neovend/licensegate/internal/licensing/store/sqlite"
)

// stores bundles the selected backend and whatever must be closed with it.
type stores struct {
	licenses store.LicenseStore
	audit    store.AuditStore
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case "memory":
		ls := memory.NewLicenseStore()
		if cfg.Store.SeedDev {
			if err := seedMemory(ls, time.Now().UTC()); err != nil {
				return nil, err
			}
			logger.InfoContext(ctx, "seeded dev licenses", "driver", "memory", "count", len(db.DevLicenses))
		}
		return &stores{licenses: ls, audit: memory.NewAuditStore()}, nil

	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.Store.DBPath, Env: cfg.Env})
		if err != nil {
			return nil, err
		}
		if err := seedSQL(ctx, cfg, conn, db.DialectSQLite, logger); err != nil {
			_ = conn.Close()
			return nil, err
		}
		writer := db.NewWorker(conn, 256)
		return &stores{
			licenses: sqlite.NewLicenseStore(conn, writer),
			audit:    sqlite.NewAuditStore(conn, writer),
			closers:  []func(){func() { _ = conn.Close() }, writer.Close},
		}, nil

	case "postgres":
		conn, err := db.OpenPostgres(ctx, db.PostgresConfig{URL: cfg.Store.DatabaseURL, MaxConns: cfg.Store.MaxDBConns})
		if err != nil {
			return nil, err
		}
		if err := seedSQL(ctx, cfg, conn, db.DialectPostgres, logger); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &stores{
			licenses: postgres.NewLicenseStore(conn),
			audit:    postgres.NewAuditStore(conn),
			closers:  []func(){func() { _ = conn.Close() }},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func seedSQL(ctx context.Context, cfg config.Config, conn *sql.DB, dialect db.Dialect, logger *slog.Logger) error {
	if !cfg.Store.SeedDev {
		return nil
	}
	if err := db.SeedDev(ctx, conn, dialect, db.SeedDevOptions{}); err != nil {
		return err
	}
	logger.InfoContext(ctx, "seeded dev licenses", "driver", string(dialect), "count", len(db.DevLicenses))
	return nil
}

func seedMemory(ls *memory.LicenseStore, now time.Time) error {
	for i, l := range db.DevLicenses {
		lic := store.License{
			ID:        uuid.NewString(),
			Key:       l.Key,
			Status:    store.LicenseStatus(l.Status),
			Type:      store.LicenseType(l.Type),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			CreatedBy: "dev-seed",
		}
		if l.ExpiresIn != 0 {
			exp := now.Add(l.ExpiresIn)
			lic.ExpiresAt = &exp
		}
		if err := ls.Put(lic); err != nil {
			return fmt.Errorf("seed %s: %w", l.Key, err)
		}
	}
	return nil
}
