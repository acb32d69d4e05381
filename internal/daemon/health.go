package daemon

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/conn"
)

// RealtimeService is the health service name that reports SERVING while
// the realtime connection is authenticated. The empty service name reports
// the daemon process itself.
const RealtimeService = "speakjerr.realtime"

// HealthReporter mirrors connection state changes into the health server.
type HealthReporter struct {
	hs     *health.Server
	bus    *bus.Bus
	logger *zap.Logger
	unsub  func()
	done   chan struct{}
}

// NewHealthReporter creates a reporter for hs.
func NewHealthReporter(hs *health.Server, b *bus.Bus, logger *zap.Logger) *HealthReporter {
	return &HealthReporter{hs: hs, bus: b, logger: logger}
}

// Start marks the daemon as serving and follows connection state changes.
func (h *HealthReporter) Start() {
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.hs.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_NOT_SERVING)

	ch, unsub := h.bus.Subscribe("connection.", 32)
	h.unsub = unsub
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		for evt := range ch {
			change, ok := evt.Payload.(conn.StateChange)
			if !ok {
				continue
			}
			h.hs.SetServingStatus(RealtimeService, ServingStatus(change.To))
			h.logger.Debug("realtime health updated", zap.String("state", string(change.To)))
		}
	}()
}

// Stop unsubscribes and flips every service to NOT_SERVING.
func (h *HealthReporter) Stop() {
	if h.unsub != nil {
		h.unsub()
		<-h.done
	}
	h.hs.Shutdown()
}

// ServingStatus maps a connection state to a health status.
func ServingStatus(s conn.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == conn.Authenticated {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
