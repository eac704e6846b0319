package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"zvonok/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	CreatedAt   int64  `msgpack:"createdAt"`
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

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

type DBMessage struct {
	ID         int64  `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"` // Unix nanoseconds
	IsRead     bool   `msgpack:"isRead"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  time.Unix(0, m.Timestamp).UTC(),
		IsRead:     m.IsRead,
	}
}

type DBCall struct {
	ID         int64  `msgpack:"id"`
	CallerID   string `msgpack:"callerId"`
	ReceiverID string `msgpack:"receiverId"`
	CallType   string `msgpack:"callType"`
	CallStatus string `msgpack:"callStatus"`
	StartTime  int64  `msgpack:"startTime"`
	EndTime    *int64 `msgpack:"endTime,omitempty"`
	Duration   *int   `msgpack:"duration,omitempty"`
}

func (c *DBCall) Key() []byte {
	return seqKey(c.ID)
}

func (c *DBCall) MarshalBinary() (data []byte, err error) {
	type alias DBCall
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCall) UnmarshalBinary(data []byte) error {
	type alias DBCall
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBCall) toModel() models.CallHistory {
	call := models.CallHistory{
		ID:         c.ID,
		CallerID:   c.CallerID,
		ReceiverID: c.ReceiverID,
		CallType:   models.CallType(c.CallType),
		CallStatus: models.CallStatus(c.CallStatus),
		StartTime:  time.Unix(0, c.StartTime).UTC(),
	}
	if c.EndTime != nil {
		end := time.Unix(0, *c.EndTime).UTC()
		call.EndTime = &end
	}
	if c.Duration != nil {
		d := *c.Duration
		call.Duration = &d
	}
	return call
}

func dbCallFromModel(call models.CallHistory) *DBCall {
	dbCall := &DBCall{
		ID:         call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		CallType:   string(call.CallType),
		CallStatus: string(call.CallStatus),
		StartTime:  call.StartTime.UnixNano(),
	}
	if call.EndTime != nil {
		end := call.EndTime.UnixNano()
		dbCall.EndTime = &end
	}
	if call.Duration != nil {
		d := *call.Duration
		dbCall.Duration = &d
	}
	return dbCall
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// conversationKey is the same for both directions of a conversation.
func conversationKey(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(a + "\x00" + b)
}

// openCallKey orders open calls of one (caller, receiver) pair by id.
func openCallKey(callerID, receiverID string, id int64) []byte {
	return append(openCallPrefix(callerID, receiverID), seqKey(id)...)
}

func openCallPrefix(callerID, receiverID string) []byte {
	return []byte(callerID + "\x00" + receiverID + "\x00")
}
