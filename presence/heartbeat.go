package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultHeartbeatInterval keeps server-side presence fresh without
// hammering the API.
const defaultHeartbeatInterval = 2 * time.Minute

// HeartbeatAPI is the slice of the transport client the scheduler uses.
type HeartbeatAPI interface {
	SendHeartbeat(ctx context.Context, deviceID string) error
}

// Heartbeat emits periodic liveness signals while the session is active.
// The first beat fires immediately on Start so the user appears online
// right away, not one interval later.
type Heartbeat struct {
	api      HeartbeatAPI
	interval time.Duration
	device   string
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

type HeartbeatOption func(*Heartbeat)

func WithHeartbeatLogger(logger *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) {
		h.logger = logger
	}
}

func WithInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		h.interval = d
	}
}

func NewHeartbeat(api HeartbeatAPI, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		api:      api,
		interval: defaultHeartbeatInterval,
		device:   uuid.NewString(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Device is the id this client session beats under. It lets the backend
// track several sessions of the same user independently.
func (h *Heartbeat) Device() string {
	return h.device
}

// Start begins the heartbeat loop. Calling Start on a running scheduler is
// a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stop = make(chan struct{})
	stop := h.stop
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.beat(ctx)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit. Signalling the server that
// the user went offline is the caller's responsibility (see Client.Logout);
// Stop itself performs no network calls.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.api.SendHeartbeat(ctx, h.device); err != nil {
		h.logger.Warn("heartbeat", slog.String("error", err.Error()))
	}
}
