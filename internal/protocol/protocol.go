// Package protocol defines the wire format spoken between clients and the
// gateway: JSON frames with optional acknowledgement correlation, the event
// name registry, and the response envelopes shared by every handler.
package protocol

import "encoding/json"

// PublicRoomID is the reserved recipient id for the public room. Public
// messages are stored once against this id and broadcast to every connected
// client.
const PublicRoomID = "EVERY_ONE_ONLINE"

// Client -> server events.
const (
	EventAuthenticate             = "authenticate"
	EventSendMessage              = "sendMessage"
	EventMarkMessagesAsRead       = "markMessagesAsRead"
	EventMarkMessagesAsDelivered  = "markMessagesAsDelivered"
	EventGetUsersList             = "getUsersList"
	EventGetUserConversation      = "getUserConversation"
	EventGetUserConversationsList = "getUserConversationsList"
	EventGetPublicMessages        = "getPublicMessages"
	EventBroadcastPublicMessage   = "broadcastPublicMessage"
	EventTyping                   = "typing"
	EventStopTyping               = "stopTyping"
	EventGetConnectionMetrics     = "getUserConnectionMetrics"
)

// Server -> client events.
const (
	EventUserAuthenticated     = "user_authenticated"
	EventUpdateMessageStatus   = "update_message_status"
	EventPublicMessage         = "public_message"
	EventTypingIndicator       = "typingIndicator"
	EventUserDisconnected      = "user_disconnected"
	EventUsersList             = "usersList"
	EventUserConversation      = "userConversation"
	EventUserConversationsList = "userConversationsList"
	EventResponse              = "response"
)

// Frame is the single JSON shape exchanged over the WebSocket. A request from
// the client carries Event and Data, plus ID when an acknowledgement is
// wanted. An acknowledgement carries Ack (echoing the request ID) and Data. A
// server emit carries Event and Data, plus ID when the server expects the
// client to acknowledge receipt.
type Frame struct {
	ID    int64           `json:"id,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is the uniform handler response: exactly one of Result or Error is
// populated depending on Success.
type Envelope struct {
	Success bool   `json:"success"`
	Event   string `json:"event"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a success envelope for the given event.
func OK(event string, result any) Envelope {
	return Envelope{Success: true, Event: event, Result: result}
}

// Err builds an error envelope for the given event.
func Err(event, message string) Envelope {
	return Envelope{Success: false, Event: event, Error: message}
}

// Ack is the payload a client returns when acknowledging a server-initiated
// emit. Delivery tracking treats anything other than {success:true,
// message:"received"} as a failed acknowledgement.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// AckReceived is the message value expected in a positive acknowledgement.
const AckReceived = "received"
