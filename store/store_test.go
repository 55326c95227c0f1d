package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The whole suite runs against both backends: they must be
// interchangeable behind the Store interface.
func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		test(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pigeon.db"))
		require.NoError(t, err)
		defer s.Close()
		test(t, s)
	})
}

func mustCreate(t *testing.T, s Store, username string) {
	t.Helper()
	require.NoError(t, s.CreateAccount(username, "pw-"+username))
}

func TestCreateAccountDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateAccount("alice", "pw1"))
		assert.ErrorIs(t, s.CreateAccount("alice", "pw1"), ErrUserExists)
		assert.ErrorIs(t, s.CreateAccount("alice", "other"), ErrUserExists)
	})
}

// Racing creates for the same username must yield exactly one account;
// every loser sees the conflict error, never a raw constraint failure.
func TestCreateAccountConcurrentDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		const attempts = 8
		errs := make(chan error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.CreateAccount("alice", "pw")
			}()
		}
		wg.Wait()
		close(errs)

		var created, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrUserExists):
				conflicts++
			default:
				t.Errorf("Unexpected create error: %v", err)
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, attempts-1, conflicts)
	})
}

func TestAuthenticate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		assert.NoError(t, s.Authenticate("alice", "pw-alice"))
		assert.ErrorIs(t, s.Authenticate("alice", "wrong"), ErrBadCredentials)
		assert.ErrorIs(t, s.Authenticate("nobody", "pw"), ErrUserNotFound)
	})
}

func TestSaveMessageQueuesForOfflineRecipient(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		_, err := s.SaveMessage("alice", "nobody", "hi", time.Now(), false)
		assert.ErrorIs(t, err, ErrUserNotFound)

		msg, err := s.SaveMessage("alice", "bob", "hi", time.Now(), false)
		require.NoError(t, err)
		assert.False(t, msg.Delivered)

		unread, err := s.UnreadCount("bob")
		require.NoError(t, err)
		assert.Equal(t, 1, unread)

		drained, err := s.DrainInbox("bob", 0)
		require.NoError(t, err)
		require.Len(t, drained, 1)
		assert.Equal(t, "alice", drained[0].Sender)
		assert.Equal(t, "hi", drained[0].Body)
		assert.True(t, drained[0].Delivered)

		// Inbox is empty now, the conversation keeps the message.
		unread, err = s.UnreadCount("bob")
		require.NoError(t, err)
		assert.Equal(t, 0, unread)

		history, err := s.Conversation("alice", "bob")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestSaveMessageDeliveredSkipsInbox(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		msg, err := s.SaveMessage("alice", "bob", "hi", time.Now(), true)
		require.NoError(t, err)

		unread, err := s.UnreadCount("bob")
		require.NoError(t, err)
		assert.Equal(t, 0, unread)

		// A failed push puts it back.
		require.NoError(t, s.Requeue(msg))
		unread, err = s.UnreadCount("bob")
		require.NoError(t, err)
		assert.Equal(t, 1, unread)
	})
}

func TestDrainInboxFIFOAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		for i := 1; i <= 5; i++ {
			_, err := s.SaveMessage("alice", "bob", fmt.Sprintf("msg %d", i), time.Now(), false)
			require.NoError(t, err)
		}

		first, err := s.DrainInbox("bob", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "msg 1", first[0].Body)
		assert.Equal(t, "msg 2", first[1].Body)

		rest, err := s.DrainInbox("bob", 0)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, "msg 3", rest[0].Body)
		assert.Equal(t, "msg 5", rest[2].Body)

		empty, err := s.DrainInbox("bob", 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestDeleteAccountBlockedByInbox(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		_, err := s.SaveMessage("alice", "bob", "hi", time.Now(), false)
		require.NoError(t, err)

		assert.ErrorIs(t, s.DeleteAccount("bob"), ErrInboxNotEmpty)

		_, err = s.DrainInbox("bob", 0)
		require.NoError(t, err)
		require.NoError(t, s.DeleteAccount("bob"))

		exists, err := s.AccountExists("bob")
		require.NoError(t, err)
		assert.False(t, exists)

		// Conversations keyed by the deleted user are gone.
		_, err = s.Conversation("alice", "bob")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestDeleteMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		m1, err := s.SaveMessage("alice", "bob", "one", time.Now(), false)
		require.NoError(t, err)
		m2, err := s.SaveMessage("alice", "bob", "two", time.Now(), false)
		require.NoError(t, err)

		// Unknown ids are ignored, present ones removed from inbox and
		// conversation alike.
		require.NoError(t, s.DeleteMessages("bob", []int64{m1.ID, 99999}))

		unread, err := s.UnreadCount("bob")
		require.NoError(t, err)
		assert.Equal(t, 1, unread)

		history, err := s.Conversation("alice", "bob")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, m2.ID, history[0].ID)

		// A bystander cannot delete messages from conversations that do
		// not involve them.
		mustCreate(t, s, "mallory")
		require.NoError(t, s.DeleteMessages("mallory", []int64{m2.ID}))
		history, err = s.Conversation("alice", "bob")
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestConversationOrderSurvivesDrain(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		_, err := s.SaveMessage("alice", "bob", "hi bob", time.Now(), false)
		require.NoError(t, err)
		_, err = s.SaveMessage("bob", "alice", "hi alice", time.Now(), false)
		require.NoError(t, err)

		_, err = s.DrainInbox("bob", 0)
		require.NoError(t, err)
		_, err = s.DrainInbox("alice", 0)
		require.NoError(t, err)

		// Both directions share one canonical-pair history, in send order.
		history, err := s.Conversation("alice", "bob")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "hi bob", history[0].Body)
		assert.Equal(t, "hi alice", history[1].Body)

		mirror, err := s.Conversation("bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, history, mirror)
	})
}

func TestMatchAccounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, name := range []string{"alice", "adam", "bob"} {
			mustCreate(t, s, name)
		}

		matched, err := s.MatchAccounts("a*")
		require.NoError(t, err)
		assert.Equal(t, []string{"adam", "alice"}, matched)

		matched, err = s.MatchAccounts("*")
		require.NoError(t, err)
		assert.Len(t, matched, 3)

		matched, err = s.MatchAccounts("")
		require.NoError(t, err)
		assert.Len(t, matched, 3)

		matched, err = s.MatchAccounts("b?b")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, matched)

		_, err = s.MatchAccounts("[")
		assert.Error(t, err)
	})
}

func TestMessageIDsMonotonicUnderConcurrentSends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "sink")
		const workers = 8
		const perWorker = 25

		var mu sync.Mutex
		seen := make(map[int64]bool)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				sender := fmt.Sprintf("w%d", w)
				var last int64
				for i := 0; i < perWorker; i++ {
					msg, err := s.SaveMessage(sender, "sink", "x", time.Now(), true)
					if !assert.NoError(t, err) {
						return
					}
					// Allocation is serialized, so ids seen by one worker
					// strictly increase.
					assert.Greater(t, msg.ID, last)
					last = msg.ID

					mu.Lock()
					assert.False(t, seen[msg.ID], "id %d reused", msg.ID)
					seen[msg.ID] = true
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, seen, workers*perWorker)
	})
}

func TestIDsNeverReusedAfterDeletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustCreate(t, s, "alice")
		mustCreate(t, s, "bob")

		m1, err := s.SaveMessage("alice", "bob", "one", time.Now(), true)
		require.NoError(t, err)
		require.NoError(t, s.DeleteMessages("bob", []int64{m1.ID}))

		m2, err := s.SaveMessage("alice", "bob", "two", time.Now(), true)
		require.NoError(t, err)
		assert.Greater(t, m2.ID, m1.ID)
	})
}

func TestMatchAccountsSorted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, name := range []string{"zoe", "anna", "mike"} {
			mustCreate(t, s, name)
		}
		matched, err := s.MatchAccounts("*")
		require.NoError(t, err)
		assert.True(t, sort.StringsAreSorted(matched))
	})
}
