package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"zvonok/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUserNames = []byte("user_names")
	bucketMessages  = []byte("messages")
	bucketCalls     = []byte("calls")
	bucketCallsOpen = []byte("calls_open")
	// unread holds one bucket per receiver mapping sender -> unread count.
	bucketUnread = []byte("unread")
	bucketNames  = [][]byte{bucketUsers, bucketUserNames, bucketMessages, bucketCalls, bucketCallsOpen}
)

const conversationSplit = "\x00"

// CallUpdate mutates a call record inside the transaction that loaded it.
type CallUpdate = func(call models.CallHistory) (models.CallHistory, error)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketUnread) != nil {
			return nil
		}
		if _, err := tx.CreateBucket(bucketUnread); err != nil {
			return err
		}
		return rebuildUnread(tx)
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

// CreateUser stores a new directory user. User names are unique.
func (s *BboltStorage) CreateUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUserNames)
		if names.Get([]byte(user.UserName)) != nil {
			return models.ErrUserExists
		}

		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			CreatedAt:   time.Now().Unix(),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return fmt.Errorf("failed to put user: %w", err)
		}
		return names.Put([]byte(user.UserName), dbUser.Key())
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all directory users ordered by display name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName == users[j].DisplayName {
			return users[i].ID < users[j].ID
		}
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, nil
}

// CreateMessage persists a message and returns it with its assigned id.
// Timestamps never go backwards within a conversation, so key order and
// timestamp order agree.
func (s *BboltStorage) CreateMessage(message models.Message) (models.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		conv, err := root.CreateBucketIfNotExists(conversationKey(message.SenderID, message.ReceiverID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := root.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}

		ts := message.Timestamp.UnixNano()
		if _, last := conv.Cursor().Last(); last != nil {
			var prev DBMessage
			if err := prev.UnmarshalBinary(last); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if prev.Timestamp > ts {
				ts = prev.Timestamp
			}
		}

		dbMessage := &DBMessage{
			ID:         int64(seq),
			SenderID:   message.SenderID,
			ReceiverID: message.ReceiverID,
			Content:    message.Content,
			Timestamp:  ts,
			IsRead:     message.IsRead,
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := conv.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if !dbMessage.IsRead {
			if err := adjustUnread(tx, dbMessage.ReceiverID, dbMessage.SenderID, 1); err != nil {
				return err
			}
		}

		message = dbMessage.toModel()
		return nil
	})
	return message, err
}

// LoadConversationPage returns one page of the conversation between owner
// and peer, newest page first, messages inside the page in ascending order.
// Messages of the page addressed to owner are marked read in the same
// transaction.
func (s *BboltStorage) LoadConversationPage(ownerID, peerID string, page, size int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	// A page past the addressable range is empty, never a wrapped offset.
	if size < 1 || page-1 > math.MaxInt/size {
		return nil, nil
	}
	skip := (page - 1) * size

	var messages []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket(conversationKey(ownerID, peerID))
		if conv == nil {
			return nil
		}

		var touched []*DBMessage
		c := conv.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < size; k, v = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			dbMsg := &DBMessage{}
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if dbMsg.ReceiverID == ownerID && !dbMsg.IsRead {
				dbMsg.IsRead = true
				touched = append(touched, dbMsg)
			}
			messages = append(messages, dbMsg.toModel())
		}

		// Writing while a cursor walks the bucket is not allowed.
		for _, dbMsg := range touched {
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := conv.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to mark message read: %w", err)
			}
		}
		if len(touched) > 0 {
			return adjustUnread(tx, ownerID, peerID, -len(touched))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountUnread counts messages from peer to owner that are not read yet.
func (s *BboltStorage) CountUnread(ownerID, peerID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		inbox := tx.Bucket(bucketUnread).Bucket([]byte(ownerID))
		if inbox == nil {
			return nil
		}
		count = decodeCount(inbox.Get([]byte(peerID)))
		return nil
	})
	return count, err
}

// UnreadCounts returns unread counts for owner keyed by sender. Senders with
// nothing unread are absent.
func (s *BboltStorage) UnreadCounts(ownerID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		inbox := tx.Bucket(bucketUnread).Bucket([]byte(ownerID))
		if inbox == nil {
			return nil
		}
		return inbox.ForEach(func(k, v []byte) error {
			if n := decodeCount(v); n > 0 {
				counts[string(k)] = n
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return counts, nil
}

// adjustUnread moves the receiver's unread count for sender by delta.
func adjustUnread(tx *bbolt.Tx, receiverID, senderID string, delta int) error {
	inbox, err := tx.Bucket(bucketUnread).CreateBucketIfNotExists([]byte(receiverID))
	if err != nil {
		return fmt.Errorf("failed to create unread bucket: %w", err)
	}
	key := []byte(senderID)
	n := decodeCount(inbox.Get(key)) + delta
	if n <= 0 {
		return inbox.Delete(key)
	}
	if err := inbox.Put(key, binary.BigEndian.AppendUint64(nil, uint64(n))); err != nil {
		return fmt.Errorf("failed to update unread count: %w", err)
	}
	return nil
}

func decodeCount(v []byte) int {
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

// rebuildUnread fills the unread index from stored messages. It runs once,
// when the index bucket is first created.
func rebuildUnread(tx *bbolt.Tx) error {
	root := tx.Bucket(bucketMessages)
	return root.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		return root.Bucket(k).ForEach(func(_, data []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if dbMsg.IsRead {
				return nil
			}
			return adjustUnread(tx, dbMsg.ReceiverID, dbMsg.SenderID, 1)
		})
	})
}

// CreateCall persists a new call record and indexes it while it is initiated.
func (s *BboltStorage) CreateCall(call models.CallHistory) (models.CallHistory, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		calls := tx.Bucket(bucketCalls)
		seq, err := calls.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate call id: %w", err)
		}
		call.ID = int64(seq)

		if err := putCall(tx, call); err != nil {
			return err
		}
		if call.CallStatus == models.CallStatusInitiated {
			return tx.Bucket(bucketCallsOpen).Put(openCallKey(call.CallerID, call.ReceiverID, call.ID), []byte{1})
		}
		return nil
	})
	return call, err
}

func (s *BboltStorage) GetCall(id int64) (models.CallHistory, error) {
	var call models.CallHistory
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		call, err = getCall(tx, id)
		return err
	})
	return call, err
}

// UpdateCall applies update to the record with the given id.
func (s *BboltStorage) UpdateCall(id int64, update CallUpdate) (models.CallHistory, error) {
	var call models.CallHistory
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getCall(tx, id)
		if err != nil {
			return err
		}
		call, err = applyCallUpdate(tx, current, update)
		return err
	})
	return call, err
}

// UpdateLatestOpenCall applies update to the initiated record of the exact
// (caller, receiver) pair with the latest start time. found is false when
// the pair has no initiated record.
func (s *BboltStorage) UpdateLatestOpenCall(callerID, receiverID string, update CallUpdate) (call models.CallHistory, found bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		prefix := openCallPrefix(callerID, receiverID)
		c := tx.Bucket(bucketCallsOpen).Cursor()

		var latest models.CallHistory
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			candidate, err := getCall(tx, int64(binary.BigEndian.Uint64(k[len(prefix):])))
			if err != nil {
				return err
			}
			if !found || !candidate.StartTime.Before(latest.StartTime) {
				latest = candidate
				found = true
			}
		}
		if !found {
			return nil
		}

		call, err = applyCallUpdate(tx, latest, update)
		return err
	})
	return call, found, err
}

// ListCallsForUser returns calls where the user is either party, newest first.
func (s *BboltStorage) ListCallsForUser(userID string) ([]models.CallHistory, error) {
	return s.listCalls(func(c *DBCall) bool {
		return c.CallerID == userID || c.ReceiverID == userID
	})
}

// ListCallsBetween returns calls between two users in either direction, newest first.
func (s *BboltStorage) ListCallsBetween(userID, peerID string) ([]models.CallHistory, error) {
	return s.listCalls(func(c *DBCall) bool {
		return (c.CallerID == userID && c.ReceiverID == peerID) ||
			(c.CallerID == peerID && c.ReceiverID == userID)
	})
}

func (s *BboltStorage) listCalls(match func(*DBCall) bool) ([]models.CallHistory, error) {
	var calls []models.CallHistory
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCalls).ForEach(func(k, v []byte) error {
			var dbCall DBCall
			if err := dbCall.UnmarshalBinary(v); err != nil {
				return err
			}
			if match(&dbCall) {
				calls = append(calls, dbCall.toModel())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].StartTime.Equal(calls[j].StartTime) {
			return calls[i].ID > calls[j].ID
		}
		return calls[i].StartTime.After(calls[j].StartTime)
	})
	return calls, nil
}

func applyCallUpdate(tx *bbolt.Tx, current models.CallHistory, update CallUpdate) (models.CallHistory, error) {
	next, err := update(current)
	if err != nil {
		return current, err
	}
	next.ID = current.ID

	if err := putCall(tx, next); err != nil {
		return current, err
	}
	if current.CallStatus == models.CallStatusInitiated && next.CallStatus != models.CallStatusInitiated {
		key := openCallKey(current.CallerID, current.ReceiverID, current.ID)
		if err := tx.Bucket(bucketCallsOpen).Delete(key); err != nil {
			return current, fmt.Errorf("failed to drop open call index: %w", err)
		}
	}
	return next, nil
}

func getCall(tx *bbolt.Tx, id int64) (models.CallHistory, error) {
	data := tx.Bucket(bucketCalls).Get(seqKey(id))
	if data == nil {
		return models.CallHistory{}, models.ErrNotFound
	}
	var dbCall DBCall
	if err := dbCall.UnmarshalBinary(data); err != nil {
		return models.CallHistory{}, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return dbCall.toModel(), nil
}

func putCall(tx *bbolt.Tx, call models.CallHistory) error {
	dbCall := dbCallFromModel(call)
	data, err := dbCall.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	if err := tx.Bucket(bucketCalls).Put(dbCall.Key(), data); err != nil {
		return fmt.Errorf("failed to put call: %w", err)
	}
	return nil
}
