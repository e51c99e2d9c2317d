package httpapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"leora.app/internal/auth"
	"leora.app/internal/guard"
	"leora.app/internal/obs"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer hosts the standard health service and guards every other
// method with the auth interceptors.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer builds the server. perms maps full method names to the
// permission they require; unlisted methods only require authentication.
func NewGRPCServer(g *guard.Guard, r readinessChecker, perms map[string]string, opts ...grpc.ServerOption) *GRPCServer {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(g, perms)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(g, perms)),
	)
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Server exposes the underlying server so callers can register services.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Serve blocks serving lis.
func (s *GRPCServer) Serve(lis net.Listener) error { return s.server.Serve(lis) }

// GracefulStop marks the server as not serving and drains calls.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// RefreshHealth publishes the readiness result to the health service.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	var err error
	if s.readiness != nil {
		err = s.readiness.Check(ctx)
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// UnaryAuthInterceptor authenticates unary calls from the "authorization"
// and "x-tenant-slug" metadata keys.
func UnaryAuthInterceptor(g *guard.Guard, perms map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		ac, err := authorizeCall(ctx, g, info.FullMethod, perms)
		if err != nil {
			return nil, err
		}
		return handler(ac.WithContext(ctx), req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(g *guard.Guard, perms map[string]string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		ac, err := authorizeCall(ss.Context(), g, info.FullMethod, perms)
		if err != nil {
			return err
		}
		return handler(srv, &authStream{ServerStream: ss, ctx: ac.WithContext(ss.Context())})
	}
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context { return s.ctx }

func authorizeCall(ctx context.Context, g *guard.Guard, method string, perms map[string]string) (*guard.AuthContext, error) {
	creds := credentialsFromMetadata(ctx)
	var (
		ac  *guard.AuthContext
		err error
	)
	if perm, ok := perms[method]; ok {
		ac, err = g.RequireAuthWithPermission(ctx, creds, perm)
	} else {
		ac, err = g.RequireAuth(ctx, creds)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return ac, nil
}

func credentialsFromMetadata(ctx context.Context) auth.Credentials {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.Credentials{}
	}
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return auth.Credentials{
		AccessToken: auth.BearerToken(first("authorization")),
		TenantSlug:  auth.NormalizeSlug(first(strings.ToLower(auth.TenantHeader))),
	}
}

// grpcError maps guard outcomes onto gRPC status codes.
func grpcError(err error) error {
	if d, ok := auth.AsDenial(err); ok {
		switch d.Reason {
		case auth.ReasonPermissionDenied, auth.ReasonTenantMismatch:
			return status.Error(codes.PermissionDenied, string(d.Reason))
		case auth.ReasonRateLimited, auth.ReasonAccountLocked:
			return status.Error(codes.ResourceExhausted, string(d.Reason))
		default:
			return status.Error(codes.Unauthenticated, string(d.Reason))
		}
	}
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "service unavailable")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "tenant not found")
	default:
		obs.Logger().WithError(err).Error("grpc_auth_error")
		return status.Error(codes.Internal, "internal error")
	}
}
