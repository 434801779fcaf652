package ws

import (
	"context"
	"errors"
	"strings"
	"sync"

	"campuschat/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type sessionHub interface {
	Register(userID string) (string, chan models.ServerEvent)
	Unregister(connID string)
	JoinConversation(connID, conversationID string) error
	LeaveConversation(connID, conversationID string)
	SendMessage(connID, conversationID, content, messageType string) error
	Typing(connID, conversationID string, isTyping bool)
	MarkRead(connID, conversationID string, messageIDs []string)
}

// Connection drives one authenticated websocket session: a read pump
// feeding client events into the main loop, which interleaves them with
// hub broadcasts. All writes to the socket happen on the main loop.
type Connection struct {
	ws         wsConnection
	hub        sessionHub
	userID     string
	connID     string
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub sessionHub,
	ws wsConnection,
	userID string,
) *Connection {
	connID, fromServer := hub.Register(userID)
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		connID:     connID,
		fromClient: make(chan models.ClientEvent),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Unregister(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// Both goroutines report here, the main loop on cancellation too, so
	// the first result is the one that ended the session.
	err := <-c.errorCh
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				// Hub shut down or unregistered us.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	switch ev.Type {
	case models.ClientEventJoin:
		if ev.ConversationID == "" {
			return nil
		}
		if err := c.hub.JoinConversation(c.connID, ev.ConversationID); err != nil {
			return c.emitError(models.ServerEventConversationError, err, "Failed to join conversation")
		}

	case models.ClientEventLeave:
		if ev.ConversationID == "" {
			return nil
		}
		c.hub.LeaveConversation(c.connID, ev.ConversationID)

	case models.ClientEventSend:
		if ev.ConversationID == "" || strings.TrimSpace(ev.Content) == "" {
			return c.ws.WriteJSON(models.ServerEvent{
				Type:  models.ServerEventMessageError,
				Error: "conversationId and content are required",
			})
		}
		if err := c.hub.SendMessage(c.connID, ev.ConversationID, ev.Content, ev.MessageType); err != nil {
			return c.emitError(models.ServerEventMessageError, err, "Failed to send message")
		}

	case models.ClientEventTypingStart:
		if ev.ConversationID == "" {
			return nil
		}
		c.hub.Typing(c.connID, ev.ConversationID, true)

	case models.ClientEventTypingStop:
		if ev.ConversationID == "" {
			return nil
		}
		c.hub.Typing(c.connID, ev.ConversationID, false)

	case models.ClientEventRead:
		if ev.ConversationID == "" || len(ev.MessageIDs) == 0 {
			return nil
		}
		// Authorization failures stay silent here: reads are best-effort.
		c.hub.MarkRead(c.connID, ev.ConversationID, ev.MessageIDs)
	}

	return nil
}

// emitError reports a failed operation to this connection only. A missing
// conversation and a membership failure are indistinguishable on the wire.
func (c *Connection) emitError(eventType models.ServerEventType, err error, fallback string) error {
	msg := fallback
	if errors.Is(err, models.ErrNotFound) {
		msg = "Conversation not found"
	}
	return c.ws.WriteJSON(models.ServerEvent{
		Type:  eventType,
		Error: msg,
	})
}
