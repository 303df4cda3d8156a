package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/courier-chat/courier-server/internal/metrics"
	"github.com/courier-chat/courier-server/internal/presence"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/registry"
)

// Emitter is the transport surface the service needs: directed emits with and
// without acknowledgement, plus an all-clients broadcast. The gateway hub
// implements it and is bound after construction.
type Emitter interface {
	EmitToSocket(ctx context.Context, socketID, event string, data any) error
	EmitWithAck(ctx context.Context, socketID, event string, data any, timeout time.Duration) (protocol.Ack, error)
	Broadcast(ctx context.Context, event string, data any) error
}

// ServiceConfig tunes the message service.
type ServiceConfig struct {
	// AckTimeout caps the delivery window regardless of client hints.
	AckTimeout time.Duration

	// DefaultRequestTimeout substitutes for a missing client timeout hint.
	DefaultRequestTimeout time.Duration

	// PublicMessageMaxAge scopes public message retrieval and cleanup.
	PublicMessageMaxAge time.Duration

	// PendingLookback bounds how far back the reconnect pass searches for
	// undelivered messages.
	PendingLookback time.Duration
}

// Service drives messages through their lifecycle: validation, dual-row
// persistence, best-effort delivery with acknowledgements, and the
// reconciliation pass on reconnect.
type Service struct {
	repo    Repository
	reg     *registry.Registry
	typing  *presence.Store
	cfg     ServiceConfig
	metrics *metrics.Metrics
	log     zerolog.Logger

	emitter Emitter
}

// NewService creates the message service. The emitter is wired separately via
// BindEmitter because the transport is constructed after the service.
func NewService(repo Repository, reg *registry.Registry, typing *presence.Store, cfg ServiceConfig, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		reg:     reg,
		typing:  typing,
		cfg:     cfg,
		metrics: m,
		log:     logger.With().Str("component", "message").Logger(),
	}
}

// BindEmitter wires the transport into the service. Must be called once
// during startup before connections are accepted.
func (s *Service) BindEmitter(e Emitter) {
	s.emitter = e
}

// SendMessage validates and persists a private message as two rows, advances
// it to pending, and starts best-effort delivery tracking in the background.
// The returned message is the sender's copy; its status is always pending at
// return time, never sent.
func (s *Service) SendMessage(ctx context.Context, sender Participant, data protocol.SendMessageData) (*Message, error) {
	content, err := ValidateContent(data.Content)
	if err != nil {
		return nil, err
	}
	if data.RecipientID == "" || !s.reg.KnownUser(ctx, data.RecipientID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecipient, data.RecipientID)
	}

	msg := Message{
		MessageID:   uuid.NewString(),
		Sender:      sender,
		RecipientID: data.RecipientID,
		Content:     content,
		Type:        TypePrivate,
		Status:      StatusSent,
		Direction:   DirectionOutgoing,
	}

	outgoing, err := s.repo.Store(ctx, sender.UserID, &msg)
	if err != nil {
		return nil, fmt.Errorf("store outgoing copy: %w", err)
	}
	in := msg
	in.Direction = DirectionIncoming
	incoming, err := s.repo.Store(ctx, data.RecipientID, &in)
	if err != nil {
		return nil, fmt.Errorf("store incoming copy: %w", err)
	}

	// Both copies move sent -> pending before the handler returns. A message
	// stuck at sent must not leak back to the caller.
	advanced := s.advance(ctx, sender.UserID, msg.MessageID, StatusPending)
	if len(advanced) == 0 {
		return nil, fmt.Errorf("message %s did not reach pending: %w", msg.MessageID, ErrStatusConflict)
	}
	result := outgoing
	for _, row := range advanced {
		row := row
		if row.Direction == DirectionOutgoing {
			result = &row
		} else {
			incoming = &row
		}
	}
	s.metrics.MessageSent()

	s.emitStatus(context.WithoutCancel(ctx), sender.UserID, *result)

	t := SafeTimeouts(
		time.Duration(data.ClientTimeoutMS)*time.Millisecond,
		s.cfg.DefaultRequestTimeout,
		s.cfg.AckTimeout,
	)
	var sockets []string
	for _, sess := range s.reg.GetUserSockets(data.RecipientID) {
		sockets = append(sockets, sess.SocketID)
	}
	go s.trackDelivery(*incoming, sockets, t)

	return result, nil
}

// trackDelivery emits the incoming copy to every recipient session and waits
// for acknowledgements within the delivery window. Any positive ack advances
// the message to delivered; total failure leaves it pending for the reconnect
// pass. This path never surfaces an error to the sender.
func (s *Service) trackDelivery(msg Message, sockets []string, t Timeouts) {
	if s.emitter == nil || len(sockets) == 0 {
		s.log.Debug().Str("message_id", msg.MessageID).
			Msg("Recipient has no live sessions, message stays pending")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.Delivery)
	defer cancel()

	results := make(chan error, len(sockets))
	for _, socketID := range sockets {
		go func(socketID string) {
			results <- s.emitForAck(ctx, socketID, msg, t.PerEmit)
		}(socketID)
	}

	delivered := false
	for range sockets {
		err := <-results
		if err == nil {
			delivered = true
			continue
		}
		s.log.Debug().Err(err).Str("message_id", msg.MessageID).Msg("Session delivery failed")
	}

	if !delivered {
		s.log.Debug().Str("message_id", msg.MessageID).Msg("No session acknowledged, message stays pending")
		return
	}

	s.metrics.MessageAcknowledged()
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finalCancel()
	for _, row := range s.advance(finalCtx, msg.Sender.UserID, msg.MessageID, StatusDelivered) {
		s.notifyParties(finalCtx, row)
	}
}

// emitForAck sends one message to one session and validates the
// acknowledgement shape.
func (s *Service) emitForAck(ctx context.Context, socketID string, msg Message, timeout time.Duration) error {
	ack, err := s.emitter.EmitWithAck(ctx, socketID, protocol.EventUpdateMessageStatus, msg, timeout)
	if err != nil {
		return fmt.Errorf("emit to %s: %w", socketID, err)
	}
	if !ack.Success || ack.Message != protocol.AckReceived {
		return fmt.Errorf("emit to %s: malformed acknowledgement %+v", socketID, ack)
	}
	return nil
}

// MarkMessagesAsRead flips the caller's unread incoming rows to read, either
// by explicit ids or by conversation partner, and notifies each sender whose
// copy advanced. Exactly one selector must be present.
func (s *Service) MarkMessagesAsRead(ctx context.Context, reader Participant, data protocol.MarkMessagesAsReadData) (int, error) {
	hasIDs := len(data.MessageIDs) > 0
	hasSender := data.SenderID != ""
	if hasIDs == hasSender {
		return 0, ErrInvalidSelector
	}

	ids := data.MessageIDs
	if hasSender {
		unread, err := s.repo.Unread(ctx, reader.UserID, UnreadQuery{ConversationPartnerID: data.SenderID})
		if err != nil {
			return 0, fmt.Errorf("resolve unread messages: %w", err)
		}
		for _, m := range unread {
			ids = append(ids, m.MessageID)
		}
		if len(ids) == 0 {
			return 0, nil
		}
	}

	rows, err := s.repo.MarkRead(ctx, reader.UserID, ids)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	// The recipient's copies are read now; tell the reader's other sessions,
	// then walk each sender's outgoing copy through the state machine and
	// tell them too.
	for _, row := range rows {
		s.notifyParties(ctx, row)
		for _, updated := range s.advance(ctx, row.Sender.UserID, row.MessageID, StatusRead) {
			s.notifyParties(ctx, updated)
		}
	}
	return len(rows), nil
}

// MarkMessagesAsDelivered advances the recipient's pending unread rows to
// delivered and notifies the senders. Used by clients that batch-confirm
// receipt and by the reconnect pass.
func (s *Service) MarkMessagesAsDelivered(ctx context.Context, recipientID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	rows, err := s.repo.MarkDelivered(ctx, recipientID, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("mark messages delivered: %w", err)
	}

	marked := 0
	for _, row := range rows {
		if row.Direction == DirectionIncoming {
			marked++
		}
		s.notifyParties(ctx, row)
	}
	return marked, nil
}

// ReconcilePending re-emits the user's undelivered incoming messages to a
// freshly authenticated session and marks the acknowledged subset delivered.
// The search window is bounded by the configured lookback.
func (s *Service) ReconcilePending(ctx context.Context, userID, socketID string) {
	if s.emitter == nil {
		return
	}

	cutoff := time.Now().UTC().Add(-s.cfg.PendingLookback)
	var pending []Message
	for offset := 0; ; {
		page, err := s.repo.List(ctx, userID, Query{
			Type:      TypePrivate,
			Direction: DirectionIncoming,
			Status:    StatusPending,
			Since:     cutoff,
			Limit:     MaxLimit,
			Offset:    offset,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Pending reconciliation query failed")
			return
		}
		pending = append(pending, page.Messages...)
		if !page.HasMore {
			break
		}
		offset += len(page.Messages)
	}
	if len(pending) == 0 {
		return
	}

	t := SafeTimeouts(0, s.cfg.DefaultRequestTimeout, s.cfg.AckTimeout)
	var acked []string
	for _, msg := range pending {
		if err := s.emitForAck(ctx, socketID, msg, t.PerEmit); err != nil {
			s.log.Debug().Err(err).Str("message_id", msg.MessageID).Msg("Pending redelivery not acknowledged")
			continue
		}
		acked = append(acked, msg.MessageID)
	}
	if len(acked) == 0 {
		return
	}

	marked, err := s.MarkMessagesAsDelivered(ctx, userID, acked)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to mark redelivered messages")
		return
	}
	s.log.Info().Str("user_id", userID).Int("emitted", len(pending)).Int("marked", marked).
		Msg("Pending messages reconciled")
}

// Typing relays a typing indicator to the recipient's sessions. Indicators
// are stateless; duplicates within the dedup window are suppressed through
// the presence store. A missing recipient is logged, not an error.
func (s *Service) Typing(ctx context.Context, sender Participant, recipientID string, isTyping bool) error {
	if recipientID == "" {
		s.log.Debug().Str("sender", sender.UserID).Msg("Typing indicator without recipient dropped")
		return nil
	}
	if s.emitter == nil {
		return nil
	}

	if s.typing != nil {
		if isTyping {
			fresh, err := s.typing.SetTyping(ctx, sender.UserID, recipientID)
			if err != nil {
				s.log.Warn().Err(err).Msg("Typing dedup unavailable, relaying anyway")
			} else if !fresh {
				return nil
			}
		} else {
			existed, err := s.typing.ClearTyping(ctx, sender.UserID, recipientID)
			if err != nil {
				s.log.Warn().Err(err).Msg("Typing dedup unavailable, relaying anyway")
			} else if !existed {
				return nil
			}
		}
	}

	payload := protocol.TypingIndicatorData{
		Success:   true,
		Event:     protocol.EventTypingIndicator,
		Sender:    sender.UserID,
		IsTyping:  isTyping,
		Timestamp: time.Now().UnixMilli(),
	}

	if recipientID == protocol.PublicRoomID {
		if err := s.emitter.Broadcast(ctx, protocol.EventTypingIndicator, payload); err != nil {
			s.log.Warn().Err(err).Msg("Failed to broadcast typing indicator")
		}
		return nil
	}

	sessions := s.reg.GetUserSockets(recipientID)
	if len(sessions) == 0 {
		s.log.Debug().Str("recipient", recipientID).Msg("Typing indicator for offline recipient dropped")
		return nil
	}
	for _, sess := range sessions {
		if err := s.emitter.EmitToSocket(ctx, sess.SocketID, protocol.EventTypingIndicator, payload); err != nil {
			s.log.Debug().Err(err).Str("socket_id", sess.SocketID).Msg("Typing indicator emit failed")
		}
	}
	return nil
}

// BroadcastPublic persists a public message against the shared room and
// broadcasts it to every connected client. Public messages are born delivered;
// there is no per-recipient tracking.
func (s *Service) BroadcastPublic(ctx context.Context, sender Participant, content string) (*Message, error) {
	clean, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}

	msg := Message{
		MessageID:   uuid.NewString(),
		Sender:      sender,
		RecipientID: protocol.PublicRoomID,
		Content:     clean,
		Type:        TypePublic,
		Status:      StatusDelivered,
		Direction:   DirectionOutgoing,
	}

	outgoing, err := s.repo.Store(ctx, sender.UserID, &msg)
	if err != nil {
		return nil, fmt.Errorf("store public outgoing copy: %w", err)
	}
	in := msg
	in.Direction = DirectionIncoming
	incoming, err := s.repo.Store(ctx, protocol.PublicRoomID, &in)
	if err != nil {
		return nil, fmt.Errorf("store public room copy: %w", err)
	}

	if s.emitter != nil {
		if err := s.emitter.Broadcast(ctx, protocol.EventPublicMessage, incoming); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Failed to broadcast public message")
		}
	}
	return outgoing, nil
}

// PublicMessages returns the public room's messages within the retention
// window, newest first.
func (s *Service) PublicMessages(ctx context.Context, limit, offset int) (*Page, error) {
	return s.repo.List(ctx, protocol.PublicRoomID, Query{
		Type:      TypePublic,
		Direction: DirectionIncoming,
		Since:     time.Now().UTC().Add(-s.cfg.PublicMessageMaxAge),
		Limit:     limit,
		Offset:    offset,
	})
}

// Conversation pages through the caller's messages with one partner.
func (s *Service) Conversation(ctx context.Context, userID string, data protocol.GetUserConversationData) (*Page, error) {
	msgType := Type(data.Type)
	if msgType == "" {
		msgType = TypePrivate
	}
	return s.repo.List(ctx, userID, Query{
		Type:       msgType,
		OtherParty: data.OtherPartyID,
		Limit:      data.Limit,
		Offset:     data.Offset,
	})
}

// Conversations pages through the caller's per-partner aggregates.
func (s *Service) Conversations(ctx context.Context, userID string, data protocol.GetUserConversationsListData) (*ConversationPage, error) {
	return s.repo.Conversations(ctx, userID, ConversationQuery{
		Type:   Type(data.Type),
		Limit:  data.Limit,
		Offset: data.Offset,
	})
}

// Cleanup deletes public messages past the retention window. Called by the
// janitor on its interval.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	return s.repo.CleanupOld(ctx, TypePublic, s.cfg.PublicMessageMaxAge)
}

// advance is the guarded status transition used everywhere a message moves
// forward: it derives the required predecessor from the lifecycle order and
// asks the store for a conditional update. An incompatible current state is a
// warning, never an error.
func (s *Service) advance(ctx context.Context, userID, messageID string, to Status) []Message {
	from, ok := Predecessor(to)
	if !ok {
		s.log.Warn().Str("message_id", messageID).Str("to", string(to)).
			Msg("Status has no predecessor, transition skipped")
		return nil
	}

	rows, err := s.repo.UpdateStatus(ctx, userID, messageID, to, []Status{from})
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", messageID).Str("to", string(to)).
			Msg("Status transition failed")
		return nil
	}
	if len(rows) == 0 {
		s.log.Warn().Str("message_id", messageID).Str("to", string(to)).
			Msg("Status transition matched no rows")
		return nil
	}
	return rows
}

// notifyParties pushes one updated row to the sessions of the party that owns
// it: the outgoing copy to the sender, the incoming copy to the recipient.
// Status transitions advance both copies, so both sides hear about the final
// state.
func (s *Service) notifyParties(ctx context.Context, row Message) {
	if row.Direction == DirectionOutgoing {
		s.emitStatus(ctx, row.Sender.UserID, row)
		return
	}
	s.emitStatus(ctx, row.RecipientID, row)
}

// emitStatus pushes a status update to every session of the given user.
// Fire-and-forget: transport failures are logged only.
func (s *Service) emitStatus(ctx context.Context, userID string, msg Message) {
	if s.emitter == nil {
		return
	}
	for _, sess := range s.reg.GetUserSockets(userID) {
		if err := s.emitter.EmitToSocket(ctx, sess.SocketID, protocol.EventUpdateMessageStatus, msg); err != nil {
			s.log.Debug().Err(err).Str("socket_id", sess.SocketID).Msg("Status emit failed")
		}
	}
}
