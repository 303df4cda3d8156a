// Package gateway is the WebSocket transport: the hub tracks open
// connections, the dispatcher routes client events to handlers, and the
// publisher fans broadcasts out through Redis pub/sub so every node delivers
// them locally.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/config"
	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/presence"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/registry"
	"github.com/courier-chat/courier-server/internal/user"
)

// Hub owns the socket id -> connection map. Everything else about a session
// (user identity, state, activity) lives in the registry; the hub is purely
// transport.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	cfg        *config.Config
	reg        *registry.Registry
	dispatcher *Dispatcher
	publisher  *Publisher
	presence   *presence.Store
	rdb        *redis.Client
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewHub creates the gateway hub and its dispatcher.
func NewHub(cfg *config.Config, reg *registry.Registry, rdb *redis.Client, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	log := logger.With().Str("component", "gateway").Logger()
	h := &Hub{
		clients:   make(map[string]*Client),
		cfg:       cfg,
		reg:       reg,
		rdb:       rdb,
		metrics:   m,
		publisher: NewPublisher(rdb, log),
		presence:  presence.NewStore(rdb),
		log:       log,
	}
	h.dispatcher = NewDispatcher(reg, h.presence, m, cfg.DefaultRequestTimeout, log)
	return h
}

// Dispatcher exposes the event router for handler registration.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// ServeWebSocket runs a freshly upgraded connection: it assigns the socket
// id, registers the client, and blocks in the read pump until the connection
// dies.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	socketID := uuid.NewString()

	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxTotalConnections {
		h.mu.Unlock()
		h.log.Warn().Int("max", h.cfg.MaxTotalConnections).Msg("Connection rejected at capacity")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "maximum number of connections reached")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	client := newClient(h, conn, socketID, h.log)
	h.clients[socketID] = client
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.log.Debug().Str("socket_id", socketID).Msg("Client connected")

	go client.writePump()
	client.readPump()
}

// unregister removes the client from the hub and tears down its registry
// session. Idempotent; the read pump and the enqueue failure path may race
// into it.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.socketID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.socketID)
	h.mu.Unlock()

	client.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := h.reg.DisconnectUser(ctx, client.socketID)
	if err != nil {
		h.log.Warn().Err(err).Str("socket_id", client.socketID).Msg("Registry disconnect failed")
	}
	if u == nil {
		// Session never authenticated; the registry did not count it.
		h.metrics.ConnectionClosed()
	} else if u.State == user.StateOffline {
		if err := h.presence.MarkOffline(ctx, u.UserID); err != nil {
			h.log.Debug().Err(err).Str("user_id", u.UserID).Msg("Online mirror removal failed")
		}
	}
	h.log.Debug().Str("socket_id", client.socketID).Msg("Client disconnected")
}

// client returns the live connection for a socket id.
func (h *Hub) client(socketID string) (*Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[socketID]
	if !ok {
		return nil, fmt.Errorf("socket %s is not connected", socketID)
	}
	return c, nil
}

// EmitToSocket sends a fire-and-forget event to one connection.
func (h *Hub) EmitToSocket(_ context.Context, socketID, event string, data any) error {
	c, err := h.client(socketID)
	if err != nil {
		return err
	}
	return c.Emit(event, data)
}

// EmitWithAck sends an event to one connection and waits for the client's
// acknowledgement.
func (h *Hub) EmitWithAck(ctx context.Context, socketID, event string, data any, timeout time.Duration) (protocol.Ack, error) {
	c, err := h.client(socketID)
	if err != nil {
		return protocol.Ack{}, err
	}
	return c.EmitWithAck(ctx, event, data, timeout)
}

// Broadcast publishes an event to every connected client on every node. The
// local delivery happens in Run when the pub/sub message loops back.
func (h *Hub) Broadcast(ctx context.Context, event string, data any) error {
	return h.publisher.Publish(ctx, event, data)
}

// Run subscribes to the broadcast channel and delivers each event to the
// local clients. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, broadcastChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to broadcast channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.deliverBroadcast(msg.Payload)
		}
	}
}

// deliverBroadcast fans a pub/sub payload out to every local connection.
func (h *Hub) deliverBroadcast(payload string) {
	var env broadcastEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid broadcast envelope")
		return
	}

	raw, err := json.Marshal(protocol.Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build broadcast frame")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.enqueue(raw)
	}
}

// Shutdown closes every connection with a Going Away status.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for socketID, client := range h.clients {
		client.closeSend()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = client.conn.Close()
		delete(h.clients, socketID)
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
