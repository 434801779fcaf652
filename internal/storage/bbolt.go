package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"campuschat/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsersByEmail  = []byte("users_by_email")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
)

var (
	ErrEmailExists = errors.New("email already in use")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsersByEmail,
			bucketConversations,
			bucketMessages,
			bucketMessageIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user. The email must be unique; it is expected
// lowercased and trimmed by the caller.
func (s *BboltStorage) CreateUser(name, email, passwordHash string) (models.User, error) {
	dbUser := DBUser{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().Unix(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		emailIdx := tx.Bucket(bucketUsersByEmail)
		if emailIdx.Get([]byte(email)) != nil {
			return ErrEmailExists
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return emailIdx.Put([]byte(email), []byte(dbUser.ID))
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.toModel(), nil
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// GetUserByEmail returns the user and its password hash for login.
func (s *BboltStorage) GetUserByEmail(email string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get([]byte(email))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

// SearchUsers matches the query case-insensitively against name and email,
// excluding the caller.
func (s *BboltStorage) SearchUsers(query, excludeID string, limit int) ([]models.User, error) {
	q := strings.ToLower(query)
	users := []models.User{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketUsers).Cursor()
		for k, v := c.First(); k != nil && len(users) < limit; k, v = c.Next() {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.ID == excludeID {
				continue
			}
			if strings.Contains(strings.ToLower(dbUser.Name), q) ||
				strings.Contains(strings.ToLower(dbUser.Email), q) {
				users = append(users, dbUser.toModel())
			}
		}
		return nil
	})
	return users, err
}

// UpdateLastSeen persists the last-seen timestamp when a user's final
// connection goes away.
func (s *BboltStorage) UpdateLastSeen(userID string, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		dbUser.LastSeen = lastSeen
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

// CreateConversation stores a new conversation. Participant membership
// rules (size, dedup of direct pairs) are the caller's concern; direct
// pairs should go through FindOrCreateDirectConversation.
func (s *BboltStorage) CreateConversation(participants []string, isGroup bool, groupName, groupAdmin string) (models.Conversation, error) {
	now := time.Now().UnixNano()
	dbConv := DBConversation{
		ID:            uuid.NewString(),
		Participants:  participants,
		IsGroup:       isGroup,
		GroupName:     groupName,
		GroupAdmin:    groupAdmin,
		LastMessageAt: now,
		CreatedAt:     now,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putConversation(tx, &dbConv)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return dbConv.toModel(), nil
}

// FindOrCreateDirectConversation returns the direct conversation between
// the two users, creating it if absent. Running lookup and create inside a
// single write transaction keeps concurrent creates from producing
// duplicates (bbolt serializes writers).
func (s *BboltStorage) FindOrCreateDirectConversation(userA, userB string) (models.Conversation, bool, error) {
	var (
		conv    models.Conversation
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var found *DBConversation
		err := tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if !dbConv.IsGroup && isPair(dbConv.Participants, userA, userB) {
				found = &dbConv
			}
			return nil
		})
		if err != nil {
			return err
		}

		if found != nil {
			conv = found.toModel()
			return nil
		}

		now := time.Now().UnixNano()
		dbConv := DBConversation{
			ID:            uuid.NewString(),
			Participants:  []string{userA, userB},
			LastMessageAt: now,
			CreatedAt:     now,
		}
		if err := putConversation(tx, &dbConv); err != nil {
			return err
		}
		conv = dbConv.toModel()
		created = true
		return nil
	})
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, nil
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// IsParticipant reports whether the user belongs to the conversation.
// Absent conversations count as "no".
func (s *BboltStorage) IsParticipant(conversationID, userID string) (bool, error) {
	conv, err := s.GetConversation(conversationID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, p := range conv.Participants {
		if p.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ListConversations returns all conversations the user participates in,
// most recently active first. The sort runs on the stored nanosecond
// timestamps, before they are rounded down for the wire.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var dbConvs []DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			for _, p := range dbConv.Participants {
				if p == userID {
					dbConvs = append(dbConvs, dbConv)
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(dbConvs, func(i, j int) bool {
		if dbConvs[i].LastMessageAt != dbConvs[j].LastMessageAt {
			return dbConvs[i].LastMessageAt > dbConvs[j].LastMessageAt
		}
		return dbConvs[i].CreatedAt > dbConvs[j].CreatedAt
	})

	conversations := make([]models.Conversation, len(dbConvs))
	for i := range dbConvs {
		conversations[i] = dbConvs[i].toModel()
	}
	return conversations, nil
}

// AppendMessage stores a new message and moves the conversation's
// last-message pointer in the same transaction, so the pointer can never
// go stale relative to a persisted message.
func (s *BboltStorage) AppendMessage(conversationID, senderID, content, messageType string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, errors.New("message missing conversationID")
	}
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	now := time.Now()
	dbMsg := DBMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		ReadBy:         []DBReadReceipt{},
		CreatedAt:      now.Unix(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		dbMsg.Seq = seq

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ConversationID: conversationID, Seq: seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Put([]byte(dbMsg.ID), refData); err != nil {
			return err
		}

		dbConv.LastMessageID = dbMsg.ID
		dbConv.LastMessageAt = now.UnixNano()
		return putConversation(tx, dbConv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.toModel(), nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessageByID(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// ListMessages returns a page of messages oldest to newest. Offset and
// limit are assumed clamped by the caller.
func (s *BboltStorage) ListMessages(conversationID string, offset, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // no messages yet
		}

		c := convBucket.Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

func (s *BboltStorage) CountMessages(conversationID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		count = convBucket.Stats().KeyN
		return nil
	})
	return count, err
}

// CountUnread counts messages in the conversation that the user neither
// sent nor has a read receipt on.
func (s *BboltStorage) CountUnread(conversationID, userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.SenderID != userID && !dbMsg.readBy(userID) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// MarkRead appends a read receipt for the user to each listed message that
// does not already carry one. Unknown identifiers are skipped; repeated
// calls are idempotent.
func (s *BboltStorage) MarkRead(userID string, messageIDs []string, readAt int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range messageIDs {
			dbMsg, err := getMessageByID(tx, id)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if dbMsg.readBy(userID) {
				continue
			}
			dbMsg.ReadBy = append(dbMsg.ReadBy, DBReadReceipt{UserID: userID, ReadAt: readAt})
			if err := putMessage(tx, dbMsg); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkAllRead adds a receipt for every message in the conversation the
// user did not send and has not read. Returns the number of updates.
func (s *BboltStorage) MarkAllRead(conversationID, userID string, readAt int64) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}

		var pending []*DBMessage
		err := convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.SenderID != userID && !dbMsg.readBy(userID) {
				dbMsg.ReadBy = append(dbMsg.ReadBy, DBReadReceipt{UserID: userID, ReadAt: readAt})
				pending = append(pending, &dbMsg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, dbMsg := range pending {
			if err := putMessage(tx, dbMsg); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// SoftDeleteMessage replaces the content with the fixed placeholder and
// sets the deleted flag. Only the sender may delete, and only once;
// receipts and the conversation's last-message pointer are left alone.
func (s *BboltStorage) SoftDeleteMessage(messageID, senderID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessageByID(tx, messageID)
		if err != nil {
			return err
		}
		if dbMsg.SenderID != senderID || dbMsg.Deleted {
			return models.ErrNotFound
		}
		dbMsg.Deleted = true
		dbMsg.Content = models.DeletedPlaceholder
		return putMessage(tx, dbMsg)
	})
}

// Transaction-scoped helpers.

func getUser(tx *bbolt.Tx, id string) (*DBUser, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbUser, nil
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbConv, nil
}

func putConversation(tx *bbolt.Tx, dbConv *DBConversation) error {
	data, err := dbConv.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
}

func getMessageByID(tx *bbolt.Tx, id string) (*DBMessage, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, models.ErrNotFound
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, err
	}

	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if convBucket == nil {
		return nil, models.ErrNotFound
	}
	probe := DBMessage{Seq: ref.Seq}
	data := convBucket.Get(probe.Key())
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func putMessage(tx *bbolt.Tx, dbMsg *DBMessage) error {
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(dbMsg.ConversationID))
	if convBucket == nil {
		return models.ErrNotFound
	}
	data, err := dbMsg.MarshalBinary()
	if err != nil {
		return err
	}
	return convBucket.Put(dbMsg.Key(), data)
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		LastSeen: u.LastSeen,
	}
}

func (c *DBConversation) toModel() models.Conversation {
	participants := make([]models.UserRef, len(c.Participants))
	for i, p := range c.Participants {
		participants[i] = models.UserRef{ID: p}
	}
	conv := models.Conversation{
		ID:            c.ID,
		Participants:  participants,
		IsGroup:       c.IsGroup,
		GroupName:     c.GroupName,
		GroupAdmin:    c.GroupAdmin,
		LastMessageAt: c.LastMessageAt / int64(time.Second),
		CreatedAt:     c.CreatedAt / int64(time.Second),
	}
	if c.LastMessageID != "" {
		conv.LastMessage = &models.Message{ID: c.LastMessageID}
	}
	return conv
}

func (m *DBMessage) toModel() models.Message {
	readBy := make([]models.ReadReceipt, len(m.ReadBy))
	for i, r := range m.ReadBy {
		readBy[i] = models.ReadReceipt{User: r.UserID, ReadAt: r.ReadAt}
	}
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         models.UserRef{ID: m.SenderID},
		Content:        m.Content,
		MessageType:    m.MessageType,
		ReadBy:         readBy,
		Deleted:        m.Deleted,
		CreatedAt:      m.CreatedAt,
		Seq:            m.Seq,
	}
}

func (m *DBMessage) readBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func isPair(participants []string, a, b string) bool {
	if len(participants) != 2 {
		return false
	}
	return (participants[0] == a && participants[1] == b) ||
		(participants[0] == b && participants[1] == a)
}
