package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"campuschat/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	sendQueueSize = 100
	userCacheTTL  = time.Minute
)

// Stores the hub depends on. Satisfied by storage.BboltStorage; kept
// narrow so tests can inject fakes.

type ConversationStore interface {
	GetConversation(id string) (models.Conversation, error)
}

type MessageStore interface {
	AppendMessage(conversationID, senderID, content, messageType string) (models.Message, error)
	MarkRead(userID string, messageIDs []string, readAt int64) error
}

type UserStore interface {
	GetUser(id string) (models.User, error)
	UpdateLastSeen(userID string, lastSeen int64) error
}

type client struct {
	id     string
	userID string
	send   chan models.ServerEvent
}

// Hub owns all realtime state: connected clients, conversation rooms and
// presence. It is created at server start and torn down at shutdown;
// nothing here survives a restart.
type Hub struct {
	conversations ConversationStore
	messages      MessageStore
	users         UserStore

	// Cache of sender snapshots used when populating broadcast messages.
	userCache geche.Geche[string, models.UserRef]

	mu      sync.RWMutex
	clients map[string]*client            // connID -> client
	byUser  map[string]map[string]*client // userID -> connID -> client
	rooms   map[string]map[string]*client // conversationID -> connID -> client
	closed  bool

	now func() time.Time
}

func NewHub(ctx context.Context, conversations ConversationStore, messages MessageStore, users UserStore) *Hub {
	return &Hub{
		conversations: conversations,
		messages:      messages,
		users:         users,
		userCache:     geche.NewMapTTLCache[string, models.UserRef](ctx, userCacheTTL, time.Minute),
		clients:       make(map[string]*client),
		byUser:        make(map[string]map[string]*client),
		rooms:         make(map[string]map[string]*client),
		now:           time.Now,
	}
}

// Register adds a connection for an authenticated user and returns the
// connection id plus the channel the connection writer drains. The first
// connection of a user broadcasts user:online to everyone.
func (h *Hub) Register(userID string) (string, chan models.ServerEvent) {
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan models.ServerEvent, sendQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(c.send)
		return c.id, c.send
	}
	h.clients[c.id] = c
	wasOffline := len(h.byUser[userID]) == 0
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*client)
	}
	h.byUser[userID][c.id] = c
	h.mu.Unlock()

	if wasOffline {
		h.broadcastAll(models.ServerEvent{
			Type:   models.ServerEventUserOnline,
			UserID: userID,
		})
	}

	return c.id, c.send
}

// Unregister removes a connection, leaving all rooms. When the last
// connection of a user goes away the offline broadcast fires and the
// last-seen timestamp is persisted.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connID)
	for _, room := range h.rooms {
		delete(room, connID)
	}
	userID := c.userID
	if conns := h.byUser[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.byUser, userID)
		}
	}
	lastConn := len(h.byUser[userID]) == 0
	close(c.send)
	h.mu.Unlock()

	if !lastConn {
		return
	}

	lastSeen := h.now().Unix()
	if err := h.users.UpdateLastSeen(userID, lastSeen); err != nil {
		slog.Error("failed to persist last seen", "user_id", userID, "error", err)
	}
	h.broadcastAll(models.ServerEvent{
		Type:     models.ServerEventUserOffline,
		UserID:   userID,
		LastSeen: lastSeen,
	})
}

// Online reports whether the user has at least one active connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// JoinConversation adds the connection to the conversation's broadcast
// room. Membership is checked against the store on every join, never
// cached.
func (h *Hub) JoinConversation(connID, conversationID string) error {
	if err := h.requireParticipant(connID, conversationID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return models.ErrNotFound
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]*client)
	}
	h.rooms[conversationID][connID] = c
	return nil
}

// LeaveConversation removes the connection from the room unconditionally.
func (h *Hub) LeaveConversation(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[conversationID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// SendMessage persists a message and fans it out to every connection in
// the conversation's room, the sender's included. Membership is
// re-verified on every send.
func (h *Hub) SendMessage(connID, conversationID, content, messageType string) error {
	c := h.client(connID)
	if c == nil {
		return models.ErrNotFound
	}
	if err := h.requireParticipant(connID, conversationID); err != nil {
		return err
	}

	msg, err := h.messages.AppendMessage(conversationID, c.userID, strings.TrimSpace(content), messageType)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	msg.Sender = h.senderRef(c.userID)

	h.broadcastRoom(conversationID, models.ServerEvent{
		Type:    models.ServerEventMessage,
		Message: &msg,
	}, "")
	return nil
}

// Typing relays the typing state to everyone else in the room. No
// persistence and no membership re-check: typing state is ephemeral and
// loss is harmless.
func (h *Hub) Typing(connID, conversationID string, isTyping bool) {
	c := h.client(connID)
	if c == nil {
		return
	}
	h.broadcastRoom(conversationID, models.ServerEvent{
		Type:           models.ServerEventTyping,
		UserID:         c.userID,
		IsTyping:       isTyping,
		ConversationID: conversationID,
	}, connID)
}

// MarkRead appends read receipts for the caller and relays a read-update
// to everyone else in the room. Authorization failures are silent: reads
// are best-effort.
func (h *Hub) MarkRead(connID, conversationID string, messageIDs []string) {
	c := h.client(connID)
	if c == nil {
		return
	}
	if err := h.requireParticipant(connID, conversationID); err != nil {
		return
	}

	if err := h.messages.MarkRead(c.userID, messageIDs, h.now().Unix()); err != nil {
		slog.Error("failed to mark messages read", "user_id", c.userID, "error", err)
		return
	}

	h.broadcastRoom(conversationID, models.ServerEvent{
		Type:           models.ServerEventReadUpdate,
		ConversationID: conversationID,
		UserID:         c.userID,
		MessageIDs:     messageIDs,
	}, connID)
}

// Close tears the hub down, closing every client channel. Connections
// drain and exit on their own.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.byUser = make(map[string]map[string]*client)
	h.rooms = make(map[string]map[string]*client)
}

func (h *Hub) client(connID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connID]
}

// requireParticipant verifies the connection's user against the
// conversation's participant list. A missing conversation and a
// non-member look the same to the caller.
func (h *Hub) requireParticipant(connID, conversationID string) error {
	c := h.client(connID)
	if c == nil {
		return models.ErrNotFound
	}
	conv, err := h.conversations.GetConversation(conversationID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	for _, p := range conv.Participants {
		if p.ID == c.userID {
			return nil
		}
	}
	return models.ErrNotFound
}

// senderRef resolves the populated sender snapshot, cached briefly since
// a chatty sender resolves the same user on every message.
func (h *Hub) senderRef(userID string) models.UserRef {
	if ref, err := h.userCache.Get(userID); err == nil {
		return ref
	}
	user, err := h.users.GetUser(userID)
	if err != nil {
		slog.Error("failed to resolve sender", "user_id", userID, "error", err)
		return models.UserRef{ID: userID}
	}
	ref := user.Ref()
	h.userCache.Set(userID, ref)
	return ref
}

func (h *Hub) broadcastAll(ev models.ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Slow consumer: drop rather than block the hub.
		}
	}
}

func (h *Hub) broadcastRoom(conversationID string, ev models.ServerEvent, exceptConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[conversationID] {
		if id == exceptConnID {
			continue
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}
