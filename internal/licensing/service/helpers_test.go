package service_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/licensing/store"
	"github.com/neovend/licensegate/internal/licensing/store/memory"
)

// stubLicenseStore wraps a real store and injects failures.
type stubLicenseStore struct {
	store.LicenseStore

	getErr  error // returned by GetByKey and GetLatestByDevice
	bindErr error // returned by BindIfUnbound instead of binding

	// beforeBind runs ahead of the wrapped BindIfUnbound, e.g. to let a
	// competing request win the race.
	beforeBind func()

	mu    sync.Mutex
	calls int // store calls of any kind
}

func (s *stubLicenseStore) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *stubLicenseStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubLicenseStore) GetByKey(ctx context.Context, key string) (store.License, error) {
	s.count()
	if s.getErr != nil {
		return store.License{}, s.getErr
	}
	return s.LicenseStore.GetByKey(ctx, key)
}

func (s *stubLicenseStore) GetLatestByDevice(ctx context.Context, deviceID string) (store.License, error) {
	s.count()
	if s.getErr != nil {
		return store.License{}, s.getErr
	}
	return s.LicenseStore.GetLatestByDevice(ctx, deviceID)
}

func (s *stubLicenseStore) GetByID(ctx context.Context, id string) (store.License, error) {
	s.count()
	return s.LicenseStore.GetByID(ctx, id)
}

func (s *stubLicenseStore) BindIfUnbound(ctx context.Context, p store.BindParams) (store.License, error) {
	s.count()
	if s.beforeBind != nil {
		s.beforeBind()
	}
	if s.bindErr != nil {
		return store.License{}, s.bindErr
	}
	return s.LicenseStore.BindIfUnbound(ctx, p)
}

// failingAuditStore rejects every write.
type failingAuditStore struct {
	mu    sync.Mutex
	tries int
}

func (f *failingAuditStore) RecordValidation(context.Context, store.ValidationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries++
	return context.DeadlineExceeded
}

func (f *failingAuditStore) RecordActivation(context.Context, store.ActivationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries++
	return context.DeadlineExceeded
}

func (f *failingAuditStore) Tries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tries
}

// blockingAuditStore holds every write until release is closed.
type blockingAuditStore struct {
	memory.AuditStore
	release chan struct{}
}

func (b *blockingAuditStore) RecordValidation(ctx context.Context, rec store.ValidationRecord) error {
	<-b.release
	return b.AuditStore.RecordValidation(ctx, rec)
}

// fixture is a ValidationService wired to in-memory stores.
type fixture struct {
	svc      *service.ValidationService
	licenses *memory.LicenseStore
	audit    *memory.AuditStore
	logger   *service.AuditLogger
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil)
}

// newFixtureWith lets a test wrap the license store or replace the audit
// store. Either may be nil.
func newFixtureWith(t *testing.T, wrap func(store.LicenseStore) store.LicenseStore, auditStore store.AuditStore) *fixture {
	t.Helper()

	f := &fixture{
		licenses: memory.NewLicenseStore(),
		audit:    memory.NewAuditStore(),
		logs:     &bytes.Buffer{},
	}

	var ls store.LicenseStore = f.licenses
	if wrap != nil {
		ls = wrap(ls)
	}
	var as store.AuditStore = f.audit
	if auditStore != nil {
		as = auditStore
	}

	logger := slog.New(slog.NewJSONHandler(&lockedWriter{buf: f.logs}, nil))
	f.logger = service.NewAuditLogger(as, service.AuditLoggerConfig{
		QueueSize:    256,
		WriteTimeout: time.Second,
		Logger:       logger,
	})
	t.Cleanup(func() { _ = f.logger.Close(context.Background()) })

	f.svc = service.NewValidationService(
		service.NewLicenseRegistry(ls),
		service.NewBinder(ls),
		f.logger,
		service.ValidationServiceConfig{Logger: logger},
	)
	return f
}

func (f *fixture) put(t *testing.T, lic store.License) {
	t.Helper()
	if lic.Status == "" {
		lic.Status = store.StatusActive
	}
	if lic.Type == "" {
		lic.Type = store.TypeLifetime
	}
	require.NoError(t, f.licenses.Put(lic))
}

// flush drains the audit queue so records can be inspected.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.logger.Close(ctx))
}

// lockedWriter serialises log writes from the audit goroutine and tests.
type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
