package system

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ReplSetService is the health service name reporting whether the replica
// set topology can currently serve operations.
const ReplSetService = "replset"

type SystemOptions struct {
	Logger *zap.Logger
}

type System struct {
	logger *zap.Logger

	healthServer *health.Server
	grpcServer   *grpc.Server

	lock    sync.Mutex
	serving bool
}

func NewSystem(opts *SystemOptions) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recoveryHandler := func(p any) (err error) {
		logger.Error("a panic has been triggered", zap.Any("error: ", p))
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recovery.UnaryServerInterceptor(
			recovery.WithRecoveryHandler(recoveryHandler),
		)),
		grpc.ChainStreamInterceptor(recovery.StreamServerInterceptor(
			recovery.WithRecoveryHandler(recoveryHandler),
		)),
	}

	switch otel.GetMeterProvider().(type) {
	case noop.MeterProvider:
	default:
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	grpcSrv := grpc.NewServer(serverOpts...)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ReplSetService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthServer)

	return &System{
		logger:       logger,
		healthServer: healthServer,
		grpcServer:   grpcSrv,
	}, nil
}

// SetServing mirrors the topology's connectivity into the health service.
func (s *System) SetServing(serving bool) {
	s.lock.Lock()
	changed := s.serving != serving
	s.serving = serving
	s.lock.Unlock()

	if !changed {
		return
	}

	healthStatus := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		healthStatus = grpc_health_v1.HealthCheckResponse_SERVING
	}

	s.logger.Info("updating health status", zap.Stringer("status", healthStatus))

	s.healthServer.SetServingStatus("", healthStatus)
	s.healthServer.SetServingStatus(ReplSetService, healthStatus)
}

func (s *System) IsServing() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.serving
}

func (s *System) Serve(ctx context.Context, l *Listeners) error {
	if l.healthListener == nil {
		<-ctx.Done()
		return nil
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	err := s.grpcServer.Serve(l.healthListener)
	if err != nil {
		s.logger.Warn("health server serve failed", zap.Error(err))
		return err
	}

	return nil
}

// Shutdown reports NOT_SERVING to any health watchers and closes the
// server.
func (s *System) Shutdown() {
	s.healthServer.Shutdown()
	s.grpcServer.Stop()
}
