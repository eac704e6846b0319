package storage

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"zvonok/internal/models"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storage_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.CreateUser(models.User{ID: "u2", UserName: "bob", DisplayName: "Bob"}))
	require.NoError(t, store.CreateUser(models.User{ID: "u1", UserName: "alice", DisplayName: "Alice", AvatarURL: "/a.png"}))

	err := store.CreateUser(models.User{ID: "u3", UserName: "alice", DisplayName: "Other Alice"})
	require.ErrorIs(t, err, models.ErrUserExists)

	user, err := store.GetUser("u1")
	require.NoError(t, err)
	require.Equal(t, "Alice", user.DisplayName)
	require.Equal(t, "/a.png", user.AvatarURL)

	_, err = store.GetUser("missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	users, err := store.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "Alice", users[0].DisplayName)
	require.Equal(t, "Bob", users[1].DisplayName)
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// 25 messages alternating direction, one second apart.
	for i := range 25 {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = "bob", "alice"
		}
		msg, err := store.CreateMessage(models.Message{
			SenderID:   from,
			ReceiverID: to,
			Content:    fmt.Sprintf("m%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), msg.ID)
	}

	// Unrelated conversation must not leak into pages.
	_, err := store.CreateMessage(models.Message{SenderID: "carol", ReceiverID: "alice", Content: "hi", Timestamp: base})
	require.NoError(t, err)

	t.Run("Unread before load", func(t *testing.T) {
		n, err := store.CountUnread("alice", "bob")
		require.NoError(t, err)
		require.Equal(t, 12, n)

		counts, err := store.UnreadCounts("alice")
		require.NoError(t, err)
		require.Equal(t, map[string]int{"bob": 12, "carol": 1}, counts)
	})

	t.Run("Pages", func(t *testing.T) {
		page1, err := store.LoadConversationPage("alice", "bob", 1, 10)
		require.NoError(t, err)
		require.Len(t, page1, 10)
		require.Equal(t, "m15", page1[0].Content)
		require.Equal(t, "m24", page1[9].Content)
		for i := 1; i < len(page1); i++ {
			require.True(t, page1[i-1].Timestamp.Before(page1[i].Timestamp))
		}

		page2, err := store.LoadConversationPage("alice", "bob", 2, 10)
		require.NoError(t, err)
		require.Len(t, page2, 10)
		require.Equal(t, "m5", page2[0].Content)
		require.Equal(t, "m14", page2[9].Content)
		require.True(t, page2[9].Timestamp.Before(page1[0].Timestamp))

		page3, err := store.LoadConversationPage("alice", "bob", 3, 10)
		require.NoError(t, err)
		require.Len(t, page3, 5)
		require.Equal(t, "m0", page3[0].Content)

		page4, err := store.LoadConversationPage("alice", "bob", 4, 10)
		require.NoError(t, err)
		require.Empty(t, page4)
	})

	t.Run("Load marks read", func(t *testing.T) {
		n, err := store.CountUnread("alice", "bob")
		require.NoError(t, err)
		require.Zero(t, n)

		// Bob never loaded anything, his side stays unread.
		n, err = store.CountUnread("bob", "alice")
		require.NoError(t, err)
		require.Equal(t, 13, n)
	})

	t.Run("Page zero means first page", func(t *testing.T) {
		msgs, err := store.LoadConversationPage("bob", "alice", 0, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for _, m := range msgs {
			if m.ReceiverID == "bob" {
				require.True(t, m.IsRead)
			}
		}

		n, err := store.CountUnread("bob", "alice")
		require.NoError(t, err)
		require.Equal(t, 8, n)
	})
}

func TestStorage_MessagesPageOverflow(t *testing.T) {
	store := newTestStorage(t)

	base := time.Now()
	for i := range 3 {
		_, err := store.CreateMessage(models.Message{
			SenderID:   "b",
			ReceiverID: "a",
			Content:    fmt.Sprintf("m%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := store.LoadConversationPage("a", "b", 922337203685477582, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = store.LoadConversationPage("a", "b", math.MaxInt, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	n, err := store.CountUnread("a", "b")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestStorage_UnreadIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unread.db")
	store, err := NewBboltStorage(path)
	require.NoError(t, err)

	base := time.Now()
	for i, from := range []string{"bob", "bob", "carol"} {
		_, err := store.CreateMessage(models.Message{
			SenderID:   from,
			ReceiverID: "alice",
			Content:    fmt.Sprintf("m%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err = store.CreateMessage(models.Message{SenderID: "alice", ReceiverID: "bob", Content: "back", Timestamp: base})
	require.NoError(t, err)

	counts, err := store.UnreadCounts("alice")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"bob": 2, "carol": 1}, counts)

	_, err = store.LoadConversationPage("alice", "bob", 1, 10)
	require.NoError(t, err)
	counts, err = store.UnreadCounts("alice")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"carol": 1}, counts)

	counts, err = store.UnreadCounts("dave")
	require.NoError(t, err)
	require.Empty(t, counts)

	// A database written before the index existed is indexed on open.
	require.NoError(t, store.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket(bucketUnread)
	}))
	require.NoError(t, store.Close())

	store, err = NewBboltStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	counts, err = store.UnreadCounts("alice")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"carol": 1}, counts)

	n, err := store.CountUnread("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStorage_MessageTimestampMonotonic(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	first, err := store.CreateMessage(models.Message{SenderID: "a", ReceiverID: "b", Content: "1", Timestamp: now})
	require.NoError(t, err)

	// Clock stepped backwards.
	second, err := store.CreateMessage(models.Message{SenderID: "b", ReceiverID: "a", Content: "2", Timestamp: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.False(t, second.Timestamp.Before(first.Timestamp))

	msgs, err := store.LoadConversationPage("a", "b", 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, []string{msgs[0].Content, msgs[1].Content})
}

func TestStorage_Calls(t *testing.T) {
	store := newTestStorage(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	newCall := func(caller, receiver string, start time.Time) models.CallHistory {
		call, err := store.CreateCall(models.CallHistory{
			CallerID:   caller,
			ReceiverID: receiver,
			CallType:   models.CallTypeVideo,
			CallStatus: models.CallStatusInitiated,
			StartTime:  start,
		})
		require.NoError(t, err)
		return call
	}

	older := newCall("alice", "bob", base)
	newer := newCall("alice", "bob", base.Add(time.Minute))
	reverse := newCall("bob", "alice", base.Add(2*time.Minute))
	newCall("carol", "dave", base)

	complete := func(call models.CallHistory) (models.CallHistory, error) {
		call.CallStatus = models.CallStatusCompleted
		return call, nil
	}

	t.Run("Latest open call for ordered pair", func(t *testing.T) {
		updated, found, err := store.UpdateLatestOpenCall("alice", "bob", complete)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, newer.ID, updated.ID)

		// The reverse direction is a different pair.
		got, err := store.GetCall(reverse.ID)
		require.NoError(t, err)
		require.Equal(t, models.CallStatusInitiated, got.CallStatus)

		updated, found, err = store.UpdateLatestOpenCall("alice", "bob", complete)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, older.ID, updated.ID)

		_, found, err = store.UpdateLatestOpenCall("alice", "bob", complete)
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("Update error rolls back", func(t *testing.T) {
		boom := fmt.Errorf("boom")
		_, err := store.UpdateCall(reverse.ID, func(c models.CallHistory) (models.CallHistory, error) {
			return c, boom
		})
		require.ErrorIs(t, err, boom)

		_, found, err := store.UpdateLatestOpenCall("bob", "alice", complete)
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("Update by id", func(t *testing.T) {
		_, err := store.UpdateCall(999, complete)
		require.ErrorIs(t, err, models.ErrNotFound)

		end := base.Add(3 * time.Minute)
		d := 42
		updated, err := store.UpdateCall(older.ID, func(c models.CallHistory) (models.CallHistory, error) {
			c.EndTime = &end
			c.Duration = &d
			return c, nil
		})
		require.NoError(t, err)

		got, err := store.GetCall(updated.ID)
		require.NoError(t, err)
		require.NotNil(t, got.EndTime)
		require.True(t, end.Equal(*got.EndTime))
		require.Equal(t, 42, *got.Duration)
	})

	t.Run("Listing", func(t *testing.T) {
		calls, err := store.ListCallsForUser("alice")
		require.NoError(t, err)
		require.Len(t, calls, 3)
		require.Equal(t, reverse.ID, calls[0].ID)
		require.Equal(t, newer.ID, calls[1].ID)
		require.Equal(t, older.ID, calls[2].ID)

		calls, err = store.ListCallsBetween("bob", "alice")
		require.NoError(t, err)
		require.Len(t, calls, 3)

		calls, err = store.ListCallsBetween("alice", "carol")
		require.NoError(t, err)
		require.Empty(t, calls)
	})
}
