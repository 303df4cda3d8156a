package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/message"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/registry"
	"github.com/courier-chat/courier-server/internal/user"
)

// Handlers binds the client event set to the registry and the message
// service.
type Handlers struct {
	reg  *registry.Registry
	svc  *message.Service
	gate Gate
	log  zerolog.Logger
}

// NewHandlers creates the event handler set.
func NewHandlers(reg *registry.Registry, svc *message.Service, gate Gate, logger zerolog.Logger) *Handlers {
	return &Handlers{
		reg:  reg,
		svc:  svc,
		gate: gate,
		log:  logger.With().Str("component", "handlers").Logger(),
	}
}

// Register wires every client event into the dispatcher.
func (h *Handlers) Register(d *Dispatcher) {
	d.Handle(protocol.EventAuthenticate, "", h.authenticate)
	d.Handle(protocol.EventSendMessage, "", h.sendMessage)
	d.Handle(protocol.EventMarkMessagesAsRead, "", h.markMessagesAsRead)
	d.Handle(protocol.EventMarkMessagesAsDelivered, "", h.markMessagesAsDelivered)
	d.Handle(protocol.EventGetUsersList, protocol.EventUsersList, h.getUsersList)
	d.Handle(protocol.EventGetUserConversation, protocol.EventUserConversation, h.getUserConversation)
	d.Handle(protocol.EventGetUserConversationsList, protocol.EventUserConversationsList, h.getUserConversationsList)
	d.Handle(protocol.EventGetPublicMessages, "", h.getPublicMessages)
	d.Handle(protocol.EventBroadcastPublicMessage, "", h.broadcastPublicMessage)
	d.Handle(protocol.EventTyping, "", h.typing)
	d.Handle(protocol.EventStopTyping, "", h.stopTyping)
	d.Handle(protocol.EventGetConnectionMetrics, "", h.getConnectionMetrics)
}

// sender resolves the caller through the authenticated-session guard.
func (h *Handlers) sender(c *Client) (message.Participant, error) {
	u, err := h.reg.AuthenticatedUser(c.socketID)
	if err != nil {
		return message.Participant{}, err
	}
	return message.Participant{UserID: u.UserID, UserName: u.UserName}, nil
}

func (h *Handlers) authenticate(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var data protocol.AuthenticateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid authenticate payload: %w", err)
	}

	ident, err := h.gate.Authenticate(ctx, data)
	if err != nil {
		return nil, err
	}

	u, err := h.reg.StoreUser(ctx, c.socketID, ident, true)
	if err != nil {
		return nil, err
	}
	c.markAuthenticated()

	if err := c.hub.presence.MarkOnline(ctx, u.UserID); err != nil {
		h.log.Debug().Err(err).Str("user_id", u.UserID).Msg("Online mirror write failed")
	}

	result := protocol.UserAuthenticatedData{Success: true, UserID: u.UserID, UserName: u.UserName}
	if err := c.Emit(protocol.EventUserAuthenticated, result); err != nil {
		h.log.Debug().Err(err).Str("user_id", u.UserID).Msg("Failed to emit authentication confirmation")
	}

	// Undelivered messages are replayed to the fresh session off the handler
	// path so the client can start acknowledging immediately.
	go func(userID, socketID string) {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.svc.ReconcilePending(rctx, userID, socketID)
	}(u.UserID, c.socketID)

	h.log.Info().Str("user_id", u.UserID).Str("socket_id", c.socketID).Msg("Client authenticated")
	return result, nil
}

func (h *Handlers) sendMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	sender, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.SendMessageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid sendMessage payload: %w", err)
	}
	return h.svc.SendMessage(ctx, sender, data)
}

func (h *Handlers) markMessagesAsRead(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	reader, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.MarkMessagesAsReadData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid markMessagesAsRead payload: %w", err)
	}

	marked, err := h.svc.MarkMessagesAsRead(ctx, reader, data)
	if err != nil {
		return nil, err
	}
	return map[string]int{"marked": marked}, nil
}

func (h *Handlers) markMessagesAsDelivered(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	recipient, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.MarkMessagesAsDeliveredData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid markMessagesAsDelivered payload: %w", err)
	}

	marked, err := h.svc.MarkMessagesAsDelivered(ctx, recipient.UserID, data.MessageIDs)
	if err != nil {
		return nil, err
	}
	return map[string]int{"marked": marked}, nil
}

func (h *Handlers) getUsersList(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if _, err := h.sender(c); err != nil {
		return nil, err
	}

	var data protocol.GetUsersListData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid getUsersList payload: %w", err)
		}
	}

	var states []user.State
	for _, s := range data.States {
		state := user.State(s)
		if !user.ValidState(state) {
			return nil, fmt.Errorf("unknown user state %q", s)
		}
		states = append(states, state)
	}

	users, total, err := h.reg.GetUsers(ctx, user.Query{States: states, Limit: data.Limit, Offset: data.Offset})
	if err != nil {
		return nil, err
	}
	return map[string]any{"users": users, "total": total}, nil
}

func (h *Handlers) getUserConversation(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	caller, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.GetUserConversationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid getUserConversation payload: %w", err)
	}
	return h.svc.Conversation(ctx, caller.UserID, data)
}

func (h *Handlers) getUserConversationsList(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	caller, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.GetUserConversationsListData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid getUserConversationsList payload: %w", err)
		}
	}
	return h.svc.Conversations(ctx, caller.UserID, data)
}

func (h *Handlers) getPublicMessages(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if _, err := h.sender(c); err != nil {
		return nil, err
	}

	var data protocol.GetPublicMessagesData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid getPublicMessages payload: %w", err)
		}
	}
	return h.svc.PublicMessages(ctx, data.Limit, data.Offset)
}

func (h *Handlers) broadcastPublicMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	sender, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.BroadcastPublicMessageData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid broadcastPublicMessage payload: %w", err)
	}
	return h.svc.BroadcastPublic(ctx, sender, data.Content)
}

func (h *Handlers) typing(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	return h.relayTyping(ctx, c, raw, true)
}

func (h *Handlers) stopTyping(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	return h.relayTyping(ctx, c, raw, false)
}

func (h *Handlers) relayTyping(ctx context.Context, c *Client, raw json.RawMessage, isTyping bool) (any, error) {
	sender, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.TypingData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid typing payload: %w", err)
	}
	return nil, h.svc.Typing(ctx, sender, data.RecipientID, isTyping)
}

func (h *Handlers) getConnectionMetrics(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	caller, err := h.sender(c)
	if err != nil {
		return nil, err
	}

	var data protocol.GetConnectionMetricsData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid getUserConnectionMetrics payload: %w", err)
		}
	}
	userID := data.UserID
	if userID == "" {
		userID = caller.UserID
	}

	m := h.reg.ConnectionMetricsFor(userID)
	if m == nil {
		// The registry only tracks this node's sockets; the online mirror
		// tells remote sessions apart from true absence.
		if online, err := c.hub.presence.IsOnline(ctx, userID); err == nil && online {
			return nil, fmt.Errorf("user %q is connected on another node", userID)
		}
		return nil, fmt.Errorf("user %q is not connected", userID)
	}
	return m, nil
}
