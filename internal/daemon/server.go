package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health protocol on a Unix domain
// socket. The empty service name reports the daemon itself; each session
// id is a service that is SERVING only while the session is connected.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	events     <-chan bus.Event
	unsub      func()
	logger     *zap.Logger
	done       chan struct{}
}

// NewHealthServer binds socketPath and subscribes to session events. A
// stale socket left by a previous run is removed first.
func NewHealthServer(socketPath string, b *bus.Bus, logger *zap.Logger) (*HealthServer, error) {
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	events, unsub := b.Subscribe("session.", 64)
	return &HealthServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		events:     events,
		unsub:      unsub,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start follows session status changes and serves until Stop. It blocks.
func (s *HealthServer) Start() error {
	go func() {
		defer s.unsub()
		for {
			select {
			case <-s.done:
				return
			case evt := <-s.events:
				s.apply(evt)
			}
		}
	}()

	s.logger.Info("health server starting", zap.String("socket", s.socketPath))
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *HealthServer) apply(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSessionStatus:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok {
			return
		}
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if change.To == status.Connected {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(evt.Session, st)
	case bus.KindSessionDeleted:
		s.health.SetServingStatus(evt.Session, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	}
}

// Stop marks everything NOT_SERVING, drains in-flight calls and removes
// the socket file.
func (s *HealthServer) Stop(_ context.Context) {
	s.logger.Info("health server stopping")
	close(s.done)
	s.unsub()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
