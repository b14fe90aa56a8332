package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neovend/licensegate/internal/licensing/store"
)

const (
	auditKindValidation = "validation"
	auditKindActivation = "activation"
	auditKindEvent      = "activation_event"
)

// ActivationPublisher is an optional second sink for activation records,
// e.g. a message broker.
type ActivationPublisher interface {
	PublishActivation(ctx context.Context, rec store.ActivationRecord) error
}

type AuditLoggerConfig struct {
	QueueSize    int           // default 1024
	WriteTimeout time.Duration // per sink write, default 5s
	Publisher    ActivationPublisher
	Logger       *slog.Logger
	Metrics      *Metrics
}

type auditEntry struct {
	validation *store.ValidationRecord
	activation *store.ActivationRecord
}

func (e auditEntry) kind() string {
	if e.activation != nil {
		return auditKindActivation
	}
	return auditKindValidation
}

// AuditLogger writes audit records off the request path. Records go onto
// a bounded queue drained by one goroutine; when the queue is full the
// record is dropped and counted. Sink errors are logged, never returned.
type AuditLogger struct {
	store        store.AuditStore
	publisher    ActivationPublisher
	logger       *slog.Logger
	metrics      *Metrics
	writeTimeout time.Duration

	// mu orders sends against Close: once closed is set no sender can be
	// mid-send, so the final drain sees every accepted record.
	mu     sync.RWMutex
	closed bool
	queue  chan auditEntry
	quit   chan struct{}
	done   chan struct{}
}

func NewAuditLogger(st store.AuditStore, cfg AuditLoggerConfig) *AuditLogger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}

	a := &AuditLogger{
		store:        st,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger.With("component", "audit"),
		metrics:      cfg.Metrics,
		writeTimeout: cfg.WriteTimeout,
		queue:        make(chan auditEntry, cfg.QueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AuditLogger) RecordValidation(rec store.ValidationRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	a.enqueue(auditEntry{validation: &rec})
}

func (a *AuditLogger) RecordActivation(rec store.ActivationRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = time.Now().UTC()
	}
	a.enqueue(auditEntry{activation: &rec})
}

func (a *AuditLogger) enqueue(e auditEntry) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.drop(e, "closed")
		return
	}
	select {
	case a.queue <- e:
		a.mu.RUnlock()
	default:
		a.mu.RUnlock()
		a.drop(e, "queue full")
	}
}

func (a *AuditLogger) drop(e auditEntry, why string) {
	ctx := context.Background()
	a.metrics.auditDrop(ctx, e.kind())
	a.logger.WarnContext(ctx, "audit record dropped", "kind", e.kind(), "reason", why)
}

// Close stops intake and waits until queued records are written or ctx
// expires.
func (a *AuditLogger) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.quit)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditLogger) loop() {
	defer close(a.done)

	for {
		select {
		case e := <-a.queue:
			a.write(e)
		case <-a.quit:
			for {
				select {
				case e := <-a.queue:
					a.write(e)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLogger) write(e auditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	if e.validation != nil {
		if err := a.store.RecordValidation(ctx, *e.validation); err != nil {
			a.failed(ctx, auditKindValidation, err, "record_id", e.validation.ID)
		}
		return
	}

	rec := *e.activation
	if err := a.store.RecordActivation(ctx, rec); err != nil {
		a.failed(ctx, auditKindActivation, err, "record_id", rec.ID, "license_id", rec.LicenseID)
	}
	if a.publisher != nil {
		if err := a.publisher.PublishActivation(ctx, rec); err != nil {
			a.failed(ctx, auditKindEvent, err, "record_id", rec.ID, "license_id", rec.LicenseID)
		}
	}
}

func (a *AuditLogger) failed(ctx context.Context, kind string, err error, attrs ...any) {
	a.metrics.auditFailed(ctx, kind)
	a.logger.ErrorContext(ctx, "audit write failed",
		append([]any{"kind", kind, "error", err}, attrs...)...)
}
