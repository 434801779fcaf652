package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

const MessageTypeText = "text"

// User represents a user in the system. The messaging core only ever
// reads users; they are created by the account endpoints.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	LastSeen int64  `json:"lastSeen,omitempty"` // Unix timestamp (seconds)
}

// UserRef is the populated sender/participant snapshot embedded in
// responses and broadcasts.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Conversation is a direct (exactly two participants) or group chat.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []UserRef `json:"participants"`
	IsGroup       bool      `json:"isGroup"`
	GroupName     string    `json:"groupName,omitempty"`
	GroupAdmin    string    `json:"groupAdmin,omitempty"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	LastMessageAt int64     `json:"lastMessageAt"` // Unix timestamp (seconds)
	CreatedAt     int64     `json:"createdAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// ReadReceipt records that a user has read a message.
// A user appears at most once per message.
type ReadReceipt struct {
	User   string `json:"user"`
	ReadAt int64  `json:"readAt"` // Unix timestamp (seconds)
}

// Message is one entry in a conversation's append-only history.
// Immutable after creation except ReadBy and the soft-delete fields.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         UserRef       `json:"sender"`
	Content        string        `json:"content"`
	MessageType    string        `json:"messageType"`
	ReadBy         []ReadReceipt `json:"readBy"`
	Deleted        bool          `json:"deleted"`
	CreatedAt      int64         `json:"createdAt"` // Unix timestamp (seconds)
	Seq            uint64        `json:"-"`         // per-conversation ordering key, not exposed
}

// ClientEvent is a frame sent from the client over the websocket.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Content        string          `json:"content,omitempty"`
	MessageType    string          `json:"messageType,omitempty"`
	MessageIDs     []string        `json:"messageIds,omitempty"`
}

// ServerEvent is a frame sent to the client over the websocket.
type ServerEvent struct {
	Type           ServerEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Message        *Message        `json:"message,omitempty"`
	MessageIDs     []string        `json:"messageIds,omitempty"`
	// Never omitted: typing:stop carries an explicit isTyping=false.
	IsTyping bool  `json:"isTyping"`
	LastSeen int64 `json:"lastSeen,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoin        ClientEventType = "conversation:join"
	ClientEventLeave       ClientEventType = "conversation:leave"
	ClientEventSend        ClientEventType = "message:send"
	ClientEventTypingStart ClientEventType = "typing:start"
	ClientEventTypingStop  ClientEventType = "typing:stop"
	ClientEventRead        ClientEventType = "message:read"
)

type ServerEventType string

const (
	ServerEventMessage           ServerEventType = "message:receive"
	ServerEventMessageError      ServerEventType = "message:error"
	ServerEventConversationError ServerEventType = "conversation:error"
	ServerEventTyping            ServerEventType = "typing:user"
	ServerEventReadUpdate        ServerEventType = "message:read:update"
	ServerEventUserOnline        ServerEventType = "user:online"
	ServerEventUserOffline       ServerEventType = "user:offline"
)
