package server

import (
	"CandleLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server runs the gRPC service and the HTTP gateway side by side.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// NewServer registers ledger on a new gRPC server. The health service
// reports NOT_SERVING until SetReady(true).
func NewServer(grpcAddr, httpAddr string, ledger LedgerServer, httpHandler http.Handler) *Server {
	logger := observability.NewLogger("server")

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	RegisterLedgerServer(grpcServer, ledger)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           httpHandler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		health:   healthServer,
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   logger,
	}
}

// SetReady flips the gRPC health status.
func (s *Server) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// GRPC exposes the underlying server, e.g. for serving on a custom listener.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

const httpShutdownTimeout = 30 * time.Second

// StartGRPC serves gRPC until ctx is cancelled (blocking). It returns only
// after GracefulStop has let pending RPCs finish.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves gRPC on lis; see StartGRPC.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	err := s.grpcServer.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
	}
	return err
}

// StartHTTP serves the gateway until ctx is cancelled (blocking). It
// returns only after Shutdown has drained the active handlers.
func (s *Server) StartHTTP(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.ServeGateway(ctx, lis)
}

// ServeGateway serves the gateway on lis; see StartHTTP.
func (s *Server) ServeGateway(ctx context.Context, lis net.Listener) error {
	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		shutdown <- s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP gateway listening")
	if err := s.httpServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-shutdown; err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Info().Str("code", status.Code(err).String()).Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("caller", callerFrom(ctx).Caller).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}
