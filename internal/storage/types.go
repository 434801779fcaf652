package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Name         string `msgpack:"name"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
	LastSeen     int64  `msgpack:"lastSeen"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBConversation struct {
	ID            string   `msgpack:"id"`
	Participants  []string `msgpack:"participants"`
	IsGroup       bool     `msgpack:"isGroup"`
	GroupName     string   `msgpack:"groupName"`
	GroupAdmin    string   `msgpack:"groupAdmin"`
	LastMessageID string   `msgpack:"lastMessageId"`
	// Activity timestamps are stored at nanosecond precision so the
	// conversation list has a strict last-activity order even for events
	// inside the same second. The wire format stays at second precision.
	LastMessageAt int64 `msgpack:"lastMessageAt"`
	CreatedAt     int64 `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBReadReceipt struct {
	UserID string `msgpack:"userId"`
	ReadAt int64  `msgpack:"readAt"`
}

type DBMessage struct {
	ID             string          `msgpack:"id"`
	ConversationID string          `msgpack:"conversationId"`
	Seq            uint64          `msgpack:"seq"`
	SenderID       string          `msgpack:"senderId"`
	Content        string          `msgpack:"content"`
	MessageType    string          `msgpack:"messageType"`
	ReadBy         []DBReadReceipt `msgpack:"readBy"`
	Deleted        bool            `msgpack:"deleted"`
	CreatedAt      int64           `msgpack:"createdAt"`
}

// Key orders messages within a conversation bucket by sequence number.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message from its identifier: the message id
// index maps id -> (conversation bucket, sequence key).
type DBMessageRef struct {
	ConversationID string `msgpack:"conversationId"`
	Seq            uint64 `msgpack:"seq"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
