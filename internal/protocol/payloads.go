package protocol

// AuthenticateData is the payload of the authenticate event. Token is consumed
// by the passport gate; UserID/UserName are honored only by the test gate.
type AuthenticateData struct {
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// UserAuthenticatedData confirms a successful authentication to the session.
type UserAuthenticatedData struct {
	Success  bool   `json:"success"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// SendMessageData is the payload of the sendMessage event. ClientTimeoutMS is
// an optional hint clamped by the safe-timeout rules before use.
type SendMessageData struct {
	RecipientID     string `json:"recipientId"`
	Content         string `json:"content"`
	ClientTimeoutMS int64  `json:"clientTimeout,omitempty"`
}

// MarkMessagesAsReadData selects messages either explicitly by id or by
// conversation partner. Exactly one selector must be present.
type MarkMessagesAsReadData struct {
	MessageIDs []string `json:"messageIds,omitempty"`
	SenderID   string   `json:"senderId,omitempty"`
}

// MarkMessagesAsDeliveredData lists messages to flip from pending to
// delivered.
type MarkMessagesAsDeliveredData struct {
	MessageIDs []string `json:"messageIds"`
}

// GetUsersListData filters and paginates the registry user listing.
type GetUsersListData struct {
	States []string `json:"states,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// GetUserConversationData pages through one conversation.
type GetUserConversationData struct {
	OtherPartyID string `json:"otherPartyId"`
	Type         string `json:"type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// GetUserConversationsListData pages through the caller's conversation index.
type GetUserConversationsListData struct {
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// GetPublicMessagesData pages through the public room history.
type GetPublicMessagesData struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// BroadcastPublicMessageData carries the content of a public broadcast.
type BroadcastPublicMessageData struct {
	Content string `json:"content"`
}

// TypingData addresses a typing/stopTyping indicator.
type TypingData struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping,omitempty"`
}

// TypingIndicatorData is emitted to each recipient session.
type TypingIndicatorData struct {
	Success   bool   `json:"success"`
	Event     string `json:"event"`
	Sender    string `json:"sender"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// GetConnectionMetricsData selects the user whose connection metrics are
// requested.
type GetConnectionMetricsData struct {
	UserID string `json:"userId"`
}

// UserDisconnectedData is broadcast when a user's last session closes.
type UserDisconnectedData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	State    string `json:"state"`
	Reason   string `json:"reason"`
}

// Disconnect reasons carried in UserDisconnectedData.
const (
	DisconnectReasonManual     = "manual"
	DisconnectReasonInactivity = "inactivity"
)
