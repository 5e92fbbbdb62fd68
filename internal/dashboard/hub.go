package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/policy"
)

var eventCounter atomic.Uint64

const writeTimeout = 5 * time.Second

// Hub manages WebSocket clients, event broadcasting, and stats.
type Hub struct {
	events   *Ring[*DashboardEvent]
	stats    *Stats
	policies policy.Lister
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a new dashboard hub. policies serves the policy view and
// may be nil.
func NewHub(policies policy.Lister, logger zerolog.Logger) *Hub {
	return &Hub{
		events:   NewRing[*DashboardEvent](recentDecisions),
		stats:    NewStats(),
		policies: policies,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// OnDecision is the observer callback to register with the engine.
func (h *Hub) OnDecision(d pipeline.Decision) {
	event := &DashboardEvent{
		ID:       fmt.Sprintf("evt-%d", eventCounter.Add(1)),
		Decision: d,
	}

	h.events.Push(event)
	h.stats.Record(event)

	h.broadcast(WSMessage{Type: "event", Payload: event})
}

// Register adds a WebSocket client and sends it the initial state.
func (h *Hub) Register(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	initial := WSMessage{
		Type: "initial_state",
		Payload: InitialState{
			Events:   h.events.Snapshot(),
			Stats:    h.stats.Snapshot(),
			Policies: h.Policies(ctx),
		},
	}

	data, err := jsonutil.Marshal(initial)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, data)
}

// Unregister removes a WebSocket client.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends a message to all connected clients.
func (h *Hub) broadcast(msg WSMessage) {
	data, err := jsonutil.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug().Err(err).Msg("dropping dashboard client")
			h.Unregister(c)
		}
	}
}

// StartStatsBroadcast pushes stats snapshots to all clients every interval.
func (h *Hub) StartStatsBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(WSMessage{Type: "stats_update", Payload: h.stats.Snapshot()})
		}
	}
}

// Events returns up to limit of the newest decisions, oldest first. A
// non-empty disposition keeps only decisions that ended that way.
func (h *Hub) Events(limit int, disposition string) []*DashboardEvent {
	var keep func(*DashboardEvent) bool
	if disposition != "" {
		keep = func(e *DashboardEvent) bool { return e.Disposition == disposition }
	}
	return h.events.Recent(limit, keep)
}

// StatsSnapshot returns a snapshot of accumulated stats.
func (h *Hub) StatsSnapshot() *StatsSnapshot {
	return h.stats.Snapshot()
}

// ErrNotRefreshable is returned when the policy source has no cache to drop.
var ErrNotRefreshable = errors.New("policy source cannot be refreshed")

// RefreshPolicies drops the cached policy list so the next request fetches
// it again.
func (h *Hub) RefreshPolicies(ctx context.Context) error {
	inv, ok := h.policies.(interface {
		Invalidate(ctx context.Context) error
	})
	if !ok {
		return ErrNotRefreshable
	}
	h.logger.Info().Msg("firewall policy cache invalidated")
	return inv.Invalidate(ctx)
}

// Policies returns the current firewall policy list, or an empty list when
// it cannot be fetched.
func (h *Hub) Policies(ctx context.Context) []policy.FirewallPolicy {
	if h.policies == nil {
		return []policy.FirewallPolicy{}
	}
	list, err := h.policies.ListFirewallPolicies(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("dashboard policy list unavailable")
		return []policy.FirewallPolicy{}
	}
	return list
}
