package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/neovend/licensegate/internal/clientip"
	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/licensing/types"
	"github.com/neovend/licensegate/internal/telemetry"
	"github.com/neovend/licensegate/internal/throttle"
)

const (
	PathValidate       = "/v1/licenses/validate"
	PathValidateLegacy = "/functions/v1/validate-license"
)

// Validator is the validation core as the transport sees it.
type Validator interface {
	Validate(ctx context.Context, req types.ValidateRequest) (types.ValidateResponse, service.Result)
	RejectMalformed(ctx context.Context, req types.ValidateRequest) (types.ValidateResponse, service.Result)
}

type Dependencies struct {
	Logger         *slog.Logger
	Addr           string
	Validation     Validator
	Limiter        throttle.Limiter // nil disables throttling
	MetricsHandler http.Handler     // nil disables /metrics
	AllowedOrigins []string
	TrustedProxies clientip.Proxies // peers whose forwarding headers key the throttle
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	validation Validator
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")

	s := &Server{
		logger:     logger,
		validation: d.Validation,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(structuredLogger(logger))
	r.Use(recoverer(logger))
	r.Use(cors(d.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(throttled(d.Limiter, d.TrustedProxies, logger))
		}
		for _, p := range []string{PathValidate, PathValidateLegacy} {
			r.Post(p, s.handleValidate)
			r.Options(p, handlePreflight)
		}
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	asProto := isProtobuf(r)

	var (
		resp types.ValidateResponse
		res  service.Result
	)

	fields, err := readFields(w, r, asProto)
	if err != nil {
		s.logger.DebugContext(ctx, "malformed request body", "error", err, "protobuf", asProto)
		resp, res = s.validation.RejectMalformed(ctx, s.requestMeta(r, types.ValidateRequest{}))
	} else {
		resp, res = s.validation.Validate(ctx, s.requestMeta(r, types.RequestFromFields(fields)))
	}

	if asProto {
		writeProto(w, res.HTTPStatus, resp)
		return
	}
	render.Status(r, res.HTTPStatus)
	render.JSON(w, r, resp)
}

func (s *Server) requestMeta(r *http.Request, req types.ValidateRequest) types.ValidateRequest {
	req.SourceIP = sourceIP(r)
	req.RequestID = telemetry.RequestIDFrom(r.Context())
	return req
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
