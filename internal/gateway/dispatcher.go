package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/presence"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/registry"
)

// HandlerFunc processes one client event and returns the result carried in
// the success envelope.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// eventSpec is one registered event: its handler and the optional named
// channel that mirrors the response for query events.
type eventSpec struct {
	handler HandlerFunc
	mirror  string
}

// Dispatcher routes inbound frames to handlers, races each handler against
// the request timeout, and replies with the uniform envelope via the
// request's ack or the response channel.
type Dispatcher struct {
	handlers map[string]eventSpec
	reg      *registry.Registry
	presence *presence.Store
	metrics  *metrics.Metrics
	timeout  time.Duration
	log      zerolog.Logger
}

// NewDispatcher creates an empty event router.
func NewDispatcher(reg *registry.Registry, pres *presence.Store, m *metrics.Metrics, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]eventSpec),
		reg:      reg,
		presence: pres,
		metrics:  m,
		timeout:  timeout,
		log:      logger,
	}
}

// Handle registers a handler for an event. A non-empty mirror names the
// channel that additionally receives the success envelope.
func (d *Dispatcher) Handle(event, mirror string, fn HandlerFunc) {
	d.handlers[event] = eventSpec{handler: fn, mirror: mirror}
}

// Dispatch runs one inbound frame to completion: activity touch, handler
// lookup, timeout race, and envelope reply.
func (d *Dispatcher) Dispatch(c *Client, frame protocol.Frame) {
	d.reg.Touch(c.socketID)
	d.refreshPresence(c)

	spec, ok := d.handlers[frame.Event]
	if !ok {
		d.metrics.Error()
		d.respond(c, frame, "", protocol.Err(frame.Event, "unknown event"))
		return
	}

	env := d.run(c, frame, spec.handler)
	d.respond(c, frame, spec.mirror, env)
}

// run executes the handler under the request timeout. A timeout produces the
// uniform error envelope; the handler goroutine is left to drain on its own.
func (d *Dispatcher) run(c *Client, frame protocol.Frame, fn HandlerFunc) protocol.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(ctx, c, frame.Data)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		d.metrics.Error()
		d.log.Warn().Str("event", frame.Event).Str("socket_id", c.socketID).Msg("Handler timed out")
		return protocol.Err(frame.Event, "Request timed out")
	case out := <-done:
		if out.err != nil {
			d.metrics.Error()
			d.log.Warn().Err(out.err).Str("event", frame.Event).Str("socket_id", c.socketID).
				Msg("Handler failed")
			return protocol.Err(frame.Event, clientMessage(out.err))
		}
		return protocol.OK(frame.Event, out.result)
	}
}

// refreshPresence extends the online mirror of the socket's user on every
// inbound frame. Sockets that have not authenticated have no user yet.
func (d *Dispatcher) refreshPresence(c *Client) {
	u := d.reg.GetUserBySocketID(c.socketID)
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.presence.Refresh(ctx, u.UserID); err != nil {
		d.log.Debug().Err(err).Str("user_id", u.UserID).Msg("Online mirror refresh failed")
	}
}

// clientMessage maps a handler error to the string carried in the error
// envelope. Payload decoding failures all surface as the uniform message
// instead of leaking decoder internals.
func clientMessage(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "Invalid data"
	}
	return err.Error()
}

// respond delivers the envelope: through the request ack when the client
// asked for one, through the response channel otherwise, plus the mirror
// channel for successful query events.
func (d *Dispatcher) respond(c *Client, frame protocol.Frame, mirror string, env protocol.Envelope) {
	if frame.ID != 0 {
		c.sendAck(frame.ID, env)
	} else {
		if err := c.Emit(protocol.EventResponse, env); err != nil {
			d.log.Debug().Err(err).Str("event", frame.Event).Msg("Failed to emit response")
		}
	}

	if mirror != "" && env.Success {
		if err := c.Emit(mirror, env); err != nil {
			d.log.Debug().Err(err).Str("event", mirror).Msg("Failed to emit mirror response")
		}
	}
}
