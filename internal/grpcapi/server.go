// Package grpcapi serves license validation over gRPC. Messages are
// google.protobuf.Struct values carrying the same fields as the JSON API.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/neovend/licensegate/internal/clientip"
	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/licensing/types"
	"github.com/neovend/licensegate/internal/telemetry"
)

const (
	ServiceName    = "licensegate.v1.LicenseValidation"
	MethodValidate = "/" + ServiceName + "/Validate"
)

type Validator interface {
	Validate(ctx context.Context, req types.ValidateRequest) (types.ValidateResponse, service.Result)
}

// LicenseValidationServer is the handler type the service descriptor binds.
type LicenseValidationServer interface {
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Register adds the LicenseValidation service to server.
func Register(server grpc.ServiceRegistrar, svc LicenseValidationServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*LicenseValidationServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Validate", Handler: validateHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "licensegate/v1/license_validation.proto",
	}, svc)
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(LicenseValidationServer)
	if interceptor == nil {
		return svc.Validate(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodValidate}
	handler := func(ctx context.Context, req any) (any, error) {
		typed, ok := req.(*structpb.Struct)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "invalid request type")
		}
		return svc.Validate(ctx, typed)
	}
	return interceptor(ctx, req, info, handler)
}

// Handler adapts the validation core to LicenseValidationServer.
type Handler struct {
	validation Validator
	proxies    clientip.Proxies
}

// NewHandler builds a Handler. x-forwarded-for metadata is believed only
// from peers in proxies.
func NewHandler(v Validator, proxies clientip.Proxies) *Handler {
	return &Handler{validation: v, proxies: proxies}
}

func (h *Handler) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	vreq := types.RequestFromFields(req.AsMap())
	vreq.SourceIP = sourceIP(ctx, h.proxies)
	vreq.RequestID = telemetry.RequestIDFrom(ctx)

	resp, res := h.validation.Validate(ctx, vreq)

	switch res.Class {
	case service.ClassMissingInput:
		return nil, status.Error(codes.InvalidArgument, resp.Message)
	case service.ClassInternal:
		return nil, status.Error(codes.Internal, service.MsgUnexpected)
	}

	out, err := structpb.NewStruct(resp.Fields())
	if err != nil {
		return nil, status.Error(codes.Internal, service.MsgUnexpected)
	}
	return out, nil
}

type Dependencies struct {
	Logger         *slog.Logger
	Addr           string
	Validation     Validator
	TrustedProxies clientip.Proxies
}

type Server struct {
	addr    string
	logger  *slog.Logger
	proxies clientip.Proxies
	grpc    *grpc.Server
	health  *health.Server
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:    d.Addr,
		logger:  logger.With("component", "grpcapi"),
		proxies: d.TrustedProxies,
		health:  health.NewServer(),
	}

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.requestScope, s.recoverer))
	Register(s.grpc, NewHandler(d.Validation, d.TrustedProxies))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Shutdown marks the service NOT_SERVING and drains in-flight calls,
// stopping hard if ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// requestScope attaches a request id and logs each call.
func (s *Server) requestScope(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	id := firstMetadata(ctx, "x-request-id")
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	ctx = telemetry.WithRequestID(ctx, id)
	_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))

	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.InfoContext(ctx, "rpc completed",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"source_ip", sourceIP(ctx, s.proxies),
		"duration", time.Since(start).String(),
	)
	return resp, err
}

func (s *Server) recoverer(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			s.logger.ErrorContext(ctx, "panic recovered",
				"panic", rvr,
				"stack", string(debug.Stack()),
				"method", info.FullMethod,
			)
			resp, err = nil, status.Error(codes.Internal, service.MsgUnexpected)
		}
	}()
	return handler(ctx, req)
}

// sourceIP is the transport peer, or the first-hop x-forwarded-for value
// when the peer is one of proxies.
func sourceIP(ctx context.Context, proxies clientip.Proxies) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return proxies.Resolve(p.Addr.String(), firstMetadata(ctx, "x-forwarded-for"), firstMetadata(ctx, "x-real-ip"))
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
