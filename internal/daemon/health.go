package daemon

import (
	"context"
	"net"
	"os"

	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/session"
	"github.com/matheus3301/tandem/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service on its own socket.
// The overall status is SERVING while the realtime channel is connected.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHealthServer binds the health service to the session's health socket.
func NewHealthServer(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) (*HealthServer, error) {
	socketPath := p.HealthPath
	if socketPath == "" {
		socketPath = session.HealthSocketPath(p.SessionName)
	}
	listener, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthServer{
		ctx:        ctx,
		cancel:     cancel,
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		bus:        b,
		machine:    machine,
		logger:     logger,
	}, nil
}

// Start mirrors channel state into the health service and serves. Blocks
// until stopped.
func (h *HealthServer) Start() error {
	ch, unsub := h.bus.Subscribe(bus.KindChannelState, 16)
	h.set(h.machine.Current())
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					h.set(change.To)
				}
			case <-h.ctx.Done():
				return
			}
		}
	}()

	h.logger.Info("health server starting", zap.String("socket", h.socketPath))
	return h.grpcServer.Serve(h.listener)
}

func (h *HealthServer) set(state status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if state == status.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", st)
}

// Stop shuts the health service down and removes the socket file.
func (h *HealthServer) Stop() {
	h.cancel()
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
	_ = os.Remove(h.socketPath)
}
