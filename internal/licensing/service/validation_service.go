package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neovend/licensegate/internal/licensing/store"
	"github.com/neovend/licensegate/internal/licensing/types"
)

const tracerName = "github.com/neovend/licensegate/internal/licensing/service"

// Response messages. Devices in the field match on some of these.
const (
	MsgMissingInput   = "Missing device identifier"
	MsgInvalidInput   = "Invalid key or device identifier"
	MsgNotFound       = "License not found"
	MsgExpired        = "License is expired"
	MsgRevoked        = "License is revoked"
	MsgMismatch       = "License bound to a different device"
	MsgBoundElsewhere = "Device already bound to a different license"
	MsgActivated      = "License activated and bound to device"
	MsgValid          = "License valid"
	MsgUnexpected     = "Unexpected error"
)

// Class is the error taxonomy of a validation. None of these escape the
// service as Go errors; transports map them to status codes.
type Class string

const (
	ClassAllowed        Class = "allowed"
	ClassMissingInput   Class = "missing_input"
	ClassNotFound       Class = "not_found"
	ClassExpired        Class = "expired"
	ClassRevoked        Class = "revoked"
	ClassMismatch       Class = "mismatch"
	ClassBoundElsewhere Class = "device_already_bound_elsewhere"
	ClassInternal       Class = "internal_failure"
)

// Result classifies a response for the transport.
type Result struct {
	Class      Class
	HTTPStatus int
}

// ValidationService answers "may this device use this license" and binds
// unbound licenses on first use. It holds no mutable state; correctness
// under concurrency comes from the store's conditional update.
type ValidationService struct {
	registry *LicenseRegistry
	binder   *Binder
	audit    *AuditLogger
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type ValidationServiceConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

func NewValidationService(reg *LicenseRegistry, b *Binder, audit *AuditLogger, cfg ValidationServiceConfig) *ValidationService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	return &ValidationService{
		registry: reg,
		binder:   b,
		audit:    audit,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger.With("component", "validation"),
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs one request through lookup, decision and (if needed)
// binding. Exactly one validation record is audited per call.
func (s *ValidationService) Validate(ctx context.Context, req types.ValidateRequest) (types.ValidateResponse, Result) {
	ctx, span := s.tracer.Start(ctx, "ValidationService.Validate",
		trace.WithAttributes(attribute.Bool("license.by_key", req.Key != "")))
	defer span.End()

	start := time.Now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}

	o := s.evaluate(ctx, req)

	s.audit.RecordValidation(store.ValidationRecord{
		LicenseID:   o.licenseID(),
		DeviceID:    req.DeviceID,
		DeviceModel: req.DeviceModel,
		Allowed:     o.resp.Allowed,
		Status:      o.resp.Status,
		Reason:      o.resp.Message,
		SourceIP:    req.SourceIP,
		RequestID:   req.RequestID,
		CreatedAt:   req.RequestedAt,
	})

	s.metrics.validationDone(ctx, o.resp.Status, time.Since(start))
	span.SetAttributes(attribute.String("license.result", string(o.result.Class)))
	if o.result.Class == ClassInternal {
		span.SetStatus(codes.Error, "internal failure")
	}

	return o.resp, o.result
}

// outcome is the rendered decision plus the license it was reached on.
type outcome struct {
	resp    types.ValidateResponse
	result  Result
	license *store.License
}

func (o outcome) licenseID() string {
	if o.license == nil {
		return ""
	}
	return o.license.ID
}

func (s *ValidationService) evaluate(ctx context.Context, req types.ValidateRequest) outcome {
	if req.DeviceID == "" {
		return missingInput(MsgMissingInput)
	}
	if err := s.validate.Struct(req); err != nil {
		return missingInput(MsgInvalidInput)
	}

	lic, err := s.registry.Resolve(ctx, req.Key, req.DeviceID)
	if err != nil {
		return s.internal(ctx, req, nil, "resolve license", err)
	}

	d := Decide(lic, req.DeviceID, req.RequestedAt)
	if d.Outcome != OutcomeNeedsBinding {
		return render(d)
	}
	return s.bind(ctx, req, d)
}

func (s *ValidationService) bind(ctx context.Context, req types.ValidateRequest, d Decision) outcome {
	bound, err := s.binder.Bind(ctx, d.License.ID, req.DeviceID, req.DeviceModel)
	switch {
	case err == nil:
		s.audit.RecordActivation(store.ActivationRecord{
			LicenseID:   bound.ID,
			Key:         bound.Key,
			DeviceID:    bound.DeviceID,
			DeviceModel: bound.DeviceModel,
			Status:      bound.Status,
			ActivatedAt: activatedAt(bound, req.RequestedAt),
			Reason:      MsgActivated,
		})
		s.metrics.activated(ctx)
		return allowed(&bound, MsgActivated)

	case errors.Is(err, ErrDeviceBoundElsewhere):
		return denied(d.License, types.StatusMismatch, MsgBoundElsewhere,
			ClassBoundElsewhere, http.StatusConflict)

	case errors.Is(err, ErrBindLost):
		// Someone changed the row between our read and the update. Re-read
		// and decide once more; a second NeedsBinding means the store is
		// not honouring its contract.
		fresh, err := s.registry.Reload(ctx, d.License.ID)
		if err != nil {
			return s.internal(ctx, req, d.License, "reload after lost bind", err)
		}
		d2 := Decide(fresh, req.DeviceID, req.RequestedAt)
		if d2.Outcome == OutcomeNeedsBinding {
			return s.internal(ctx, req, fresh, "license still unbound after lost bind", ErrBindLost)
		}
		return render(d2)

	default:
		return s.internal(ctx, req, d.License, "bind license", err)
	}
}

func (s *ValidationService) internal(ctx context.Context, req types.ValidateRequest, lic *store.License, op string, err error) outcome {
	s.logger.ErrorContext(ctx, "validation failed",
		"op", op,
		"error", err,
		"request_id", req.RequestID,
		"device_id", req.DeviceID,
	)
	return outcome{
		resp:    types.ValidateResponse{Status: types.StatusNotFound, Message: MsgUnexpected},
		result:  Result{Class: ClassInternal, HTTPStatus: http.StatusInternalServerError},
		license: lic,
	}
}

// render maps every non-binding decision to its response.
func render(d Decision) outcome {
	switch d.Outcome {
	case OutcomeNotFound:
		return outcome{
			resp:   types.ValidateResponse{Status: types.StatusNotFound, Message: MsgNotFound},
			result: Result{Class: ClassNotFound, HTTPStatus: http.StatusNotFound},
		}
	case OutcomeExpired:
		return denied(d.License, types.StatusExpired, MsgExpired, ClassExpired, http.StatusForbidden)
	case OutcomeRevoked:
		return denied(d.License, types.StatusRevoked, MsgRevoked, ClassRevoked, http.StatusForbidden)
	case OutcomeMismatch:
		return denied(d.License, types.StatusMismatch, MsgMismatch, ClassMismatch, http.StatusConflict)
	default:
		return allowed(d.License, MsgValid)
	}
}

func allowed(lic *store.License, msg string) outcome {
	return outcome{
		resp: types.ValidateResponse{
			Allowed: true,
			Status:  string(lic.Status),
			Message: msg,
			License: publicLicense(lic),
		},
		result:  Result{Class: ClassAllowed, HTTPStatus: http.StatusOK},
		license: lic,
	}
}

func denied(lic *store.License, status, msg string, class Class, code int) outcome {
	return outcome{
		resp: types.ValidateResponse{
			Status:  status,
			Message: msg,
			License: publicLicense(lic),
		},
		result:  Result{Class: class, HTTPStatus: code},
		license: lic,
	}
}

func missingInput(msg string) outcome {
	return outcome{
		resp:   types.ValidateResponse{Status: types.StatusNotFound, Message: msg},
		result: Result{Class: ClassMissingInput, HTTPStatus: http.StatusBadRequest},
	}
}

// RejectMalformed renders a request whose body could not be decoded. It is
// audited like any other validation.
func (s *ValidationService) RejectMalformed(ctx context.Context, req types.ValidateRequest) (types.ValidateResponse, Result) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	o := missingInput(MsgMissingInput)
	s.audit.RecordValidation(store.ValidationRecord{
		DeviceID:  req.DeviceID,
		Allowed:   false,
		Status:    o.resp.Status,
		Reason:    "Malformed request body",
		SourceIP:  req.SourceIP,
		RequestID: req.RequestID,
		CreatedAt: req.RequestedAt,
	})
	s.metrics.validationDone(ctx, o.resp.Status, 0)
	return o.resp, o.result
}

func publicLicense(lic *store.License) *types.PublicLicense {
	if lic == nil {
		return nil
	}
	return types.NewPublicLicense(lic.Key, string(lic.Status), string(lic.Type),
		lic.DeviceID, lic.ActivatedAt, lic.ExpiresAt)
}

func activatedAt(lic store.License, fallback time.Time) time.Time {
	if lic.ActivatedAt != nil {
		return *lic.ActivatedAt
	}
	return fallback
}
