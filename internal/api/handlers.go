package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campuschat/internal/auth"
	"campuschat/internal/content"
	"campuschat/internal/models"
	"campuschat/internal/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	maxSearchResults = 10
)

type API struct {
	auth    *auth.Service
	storage *storage.BboltStorage
}

func New(authService *auth.Service, store *storage.BboltStorage) *API {
	return &API{auth: authService, storage: store}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// RequireAuth verifies the bearer credential and passes the resolved user
// identifier to the handler.
func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.VerifyToken(auth.BearerToken(r))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrNoToken):
				writeError(w, http.StatusUnauthorized, "No authentication token")
			case errors.Is(err, auth.ErrInvalidPayload):
				writeError(w, http.StatusUnauthorized, "Invalid token payload")
			default:
				writeError(w, http.StatusUnauthorized, "Invalid token")
			}
			return
		}
		next(w, r, userID)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "campuschat-api",
	})
}

// RegisterHandler creates an account. Display names are sanitized; emails
// are stored lowercased and must be unique.
func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	name := content.Sanitize(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" || email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}
	if err := content.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := a.storage.CreateUser(name, email, hash)
	if errors.Is(err, storage.ErrEmailExists) {
		writeError(w, http.StatusConflict, "Email already in use")
		return
	}
	if err != nil {
		log.Printf("failed to create user: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]models.UserRef{"user": user.Ref()})
}

// LoginHandler checks credentials and issues the bearer token both the
// HTTP layer and the websocket handshake accept.
func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, hash, err := a.storage.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !auth.CheckPassword(hash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, _, err := a.auth.IssueToken(user.ID, user.Email)
	if err != nil {
		log.Printf("failed to issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user.Ref(),
	})
}

// ConversationsHandler lists the caller's conversations, most recently
// active first, each with populated participants, last message and
// unread count.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversations, err := a.storage.ListConversations(userID)
	if err != nil {
		log.Printf("failed to list conversations: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}

	for i := range conversations {
		a.populateConversation(&conversations[i])
		unread, err := a.storage.CountUnread(conversations[i].ID, userID)
		if err != nil {
			log.Printf("failed to count unread: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
			return
		}
		conversations[i].UnreadCount = unread
	}

	writeJSON(w, http.StatusOK, conversations)
}

// MessagesHandler returns one page of history, oldest to newest within
// the page. Soft-deleted messages come back with the placeholder content.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	ok, err := a.storage.IsParticipant(conversationID, userID)
	if err != nil {
		log.Printf("failed to check membership: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	page := clamp(intQuery(r, "page", 1), 1, 1<<30)
	limit := clamp(intQuery(r, "limit", defaultPageLimit), 1, maxPageLimit)

	total, err := a.storage.CountMessages(conversationID)
	if err != nil {
		log.Printf("failed to count messages: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}

	// Pages count back from the newest message: page 1 is the latest
	// window, each page chronological within itself. The oldest page may
	// come up short.
	offset := total - page*limit
	pageLimit := limit
	if offset < 0 {
		pageLimit += offset
		offset = 0
	}

	messages := []models.Message{}
	if pageLimit > 0 {
		messages, err = a.storage.ListMessages(conversationID, offset, pageLimit)
		if err != nil {
			log.Printf("failed to list messages: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
			return
		}
	}
	for i := range messages {
		messages[i].Sender = a.userRef(messages[i].Sender.ID)
	}

	totalPages := (total + limit - 1) / limit

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    messages,
		"totalPages":  totalPages,
		"currentPage": page,
	})
}

// CreateConversationHandler creates a group conversation, or returns the
// existing direct conversation for a pair (creating it atomically when
// absent).
func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ParticipantIDs []string `json:"participantIds"`
		IsGroup        bool     `json:"isGroup"`
		GroupName      string   `json:"groupName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.ParticipantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "participantIds must be a non-empty array")
		return
	}

	groupName := content.Sanitize(req.GroupName)
	if req.IsGroup && groupName == "" {
		writeError(w, http.StatusBadRequest, "groupName is required for group conversations")
		return
	}

	// Caller always participates, and duplicates collapse.
	participants := []string{userID}
	seen := map[string]bool{userID: true}
	for _, id := range req.ParticipantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}

	if len(participants) < 2 {
		writeError(w, http.StatusBadRequest, "Conversation must include at least one other participant")
		return
	}

	for _, id := range participants {
		if _, err := a.storage.GetUser(id); errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "Unknown participant: "+id)
			return
		}
	}

	var (
		conv    models.Conversation
		created bool
		err     error
	)
	switch {
	case !req.IsGroup && len(participants) == 2:
		conv, created, err = a.storage.FindOrCreateDirectConversation(participants[0], participants[1])
	case !req.IsGroup:
		writeError(w, http.StatusBadRequest, "Direct conversations must have exactly 2 participants")
		return
	default:
		conv, err = a.storage.CreateConversation(participants, true, groupName, userID)
		created = true
	}
	if err != nil {
		log.Printf("failed to create conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	a.populateConversation(&conv)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// MarkReadHandler bulk-appends read receipts for every message in the
// conversation the caller neither sent nor read. It does not emit a
// realtime broadcast; only the websocket read path notifies peers.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	count, err := a.storage.MarkAllRead(conversationID, userID, nowUnix())
	if err != nil {
		log.Printf("failed to mark messages read: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to mark messages as read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Messages marked as read",
		"count":   count,
	})
}

// DeleteMessageHandler soft-deletes a message. Only the sender may
// delete; a missing message, a foreign message and a repeat delete all
// answer 404.
func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	err := a.storage.SoftDeleteMessage(r.PathValue("id"), userID)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Message not found or unauthorized")
		return
	}
	if err != nil {
		log.Printf("failed to delete message: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted"})
}

// SearchUsersHandler finds users to start a conversation with. Queries
// shorter than two characters return an empty list.
func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query().Get("query")
	if len(query) < 2 {
		writeJSON(w, http.StatusOK, []models.UserRef{})
		return
	}

	users, err := a.storage.SearchUsers(query, userID, maxSearchResults)
	if err != nil {
		log.Printf("failed to search users: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to search users")
		return
	}

	refs := make([]models.UserRef, len(users))
	for i, u := range users {
		refs[i] = u.Ref()
	}
	writeJSON(w, http.StatusOK, refs)
}

// populateConversation resolves participant snapshots and the last
// message (with its sender) from bare identifiers.
func (a *API) populateConversation(conv *models.Conversation) {
	for i, p := range conv.Participants {
		conv.Participants[i] = a.userRef(p.ID)
	}
	if conv.LastMessage == nil {
		return
	}
	msg, err := a.storage.GetMessage(conv.LastMessage.ID)
	if err != nil {
		return
	}
	msg.Sender = a.userRef(msg.Sender.ID)
	conv.LastMessage = &msg
}

func (a *API) userRef(id string) models.UserRef {
	user, err := a.storage.GetUser(id)
	if err != nil {
		return models.UserRef{ID: id}
	}
	return user.Ref()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
