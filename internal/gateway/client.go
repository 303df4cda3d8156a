package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/protocol"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 16384

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// authTimeout is how long a client has to authenticate after connecting.
	authTimeout = 30 * time.Second

	// sendBuffer is the per-client outbound queue depth. A full queue drops
	// the connection rather than stalling the hub.
	sendBuffer = 256
)

// Client is one WebSocket connection. Each client runs two goroutines
// (readPump and writePump); server-initiated emits that expect a reply are
// correlated through the pending map.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	socketID string
	send     chan []byte
	log      zerolog.Logger

	authed atomic.Bool
	emitID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan protocol.Ack
	closed  bool
}

func newClient(hub *Hub, conn *websocket.Conn, socketID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		socketID: socketID,
		send:     make(chan []byte, sendBuffer),
		pending:  make(map[int64]chan protocol.Ack),
		log:      logger.With().Str("socket_id", socketID).Logger(),
	}
}

// SocketID returns the connection's transport identifier.
func (c *Client) SocketID() string { return c.socketID }

// Authenticated reports whether the session passed the authentication gate.
func (c *Client) Authenticated() bool { return c.authed.Load() }

// markAuthenticated flips the session into the authenticated state.
func (c *Client) markAuthenticated() { c.authed.Store(true) }

// readPump reads frames from the connection and routes them: acknowledgements
// resolve pending server emits, everything else goes through the dispatcher.
// It owns connection teardown when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	readDeadline := c.hub.cfg.InactivityThreshold + c.hub.cfg.InactivityThreshold/2
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))

	// Sessions that never authenticate are dropped after the grace window.
	authTimer := time.AfterFunc(authTimeout, func() {
		if !c.Authenticated() {
			c.log.Debug().Msg("Client did not authenticate in time")
			c.closeWithCode(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.closeWithCode(websocket.CloseInvalidFramePayloadData, "invalid JSON")
			return
		}

		if frame.Ack != 0 {
			c.resolveAck(frame)
			continue
		}
		c.hub.dispatcher.Dispatch(c, frame)
	}
}

// writePump drains the send channel into the connection. It exits when the
// channel is closed or a write fails.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// Emit sends a fire-and-forget frame to the client.
func (c *Client) Emit(event string, data any) error {
	return c.emitFrame(protocol.Frame{Event: event}, data)
}

// EmitWithAck sends a frame carrying an emit id and waits for the client's
// acknowledgement, the timeout, or context cancellation, whichever comes
// first.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any, timeout time.Duration) (protocol.Ack, error) {
	id := c.emitID.Add(1)
	ch := make(chan protocol.Ack, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.emitFrame(protocol.Frame{ID: id, Event: event}, data); err != nil {
		return protocol.Ack{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-timer.C:
		return protocol.Ack{}, fmt.Errorf("acknowledgement timeout after %s", timeout)
	case ack := <-ch:
		return ack, nil
	}
}

// sendAck replies to a client request that carried an id.
func (c *Client) sendAck(requestID int64, env protocol.Envelope) {
	if err := c.emitFrame(protocol.Frame{Ack: requestID}, env); err != nil {
		c.log.Debug().Err(err).Int64("request_id", requestID).Msg("Failed to send acknowledgement")
	}
}

// resolveAck routes an inbound acknowledgement frame to the waiting emit.
// Unknown ids are ignored; the emit may have timed out already.
func (c *Client) resolveAck(frame protocol.Frame) {
	var ack protocol.Ack
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			c.log.Debug().Err(err).Int64("ack", frame.Ack).Msg("Malformed acknowledgement payload")
		}
	}

	c.mu.Lock()
	ch, ok := c.pending[frame.Ack]
	if ok {
		delete(c.pending, frame.Ack)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// emitFrame marshals the payload into the frame and enqueues it.
func (c *Client) emitFrame(frame protocol.Frame, data any) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal frame data: %w", err)
		}
		frame.Data = raw
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.enqueue(raw)
}

// enqueue hands a serialized frame to the write pump. A full buffer closes
// the connection so a slow reader cannot stall the hub. The closed check and
// the channel send happen under the same lock closeSend closes the channel
// under, so the send can never hit a closed channel.
func (c *Client) enqueue(msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("socket %s is closed", c.socketID)
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.log.Warn().Msg("Client send buffer full, closing connection")
	c.hub.unregister(c)
	_ = c.conn.Close()
	return fmt.Errorf("socket %s send buffer full", c.socketID)
}

// closeSend marks the client closed and shuts the send channel, stopping the
// write pump. Safe to call once; the hub guards re-entry.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeWithCode sends a close frame with the given code and reason, then
// closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
