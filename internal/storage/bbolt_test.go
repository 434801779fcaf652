package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"campuschat/internal/models"
)

func createStorage(t *testing.T) *BboltStorage {
	t.Helper()

	dir, err := os.MkdirTemp("", "campuschat-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	s, err := NewBboltStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestUsers(t *testing.T) {
	s := createStorage(t)

	t.Run("CreateAndGet", func(t *testing.T) {
		user, err := s.CreateUser("Alice", "alice@campus.edu", "hash1")
		if err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
		if user.ID == "" {
			t.Fatal("Expected a generated user ID")
		}

		got, err := s.GetUser(user.ID)
		if err != nil {
			t.Fatalf("Failed to get user: %v", err)
		}
		if got.Name != "Alice" || got.Email != "alice@campus.edu" {
			t.Errorf("Unexpected user: %+v", got)
		}
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		if _, err := s.CreateUser("Alice2", "alice@campus.edu", "hash2"); !errors.Is(err, ErrEmailExists) {
			t.Errorf("Expected ErrEmailExists, got %v", err)
		}
	})

	t.Run("GetByEmail", func(t *testing.T) {
		user, hash, err := s.GetUserByEmail("alice@campus.edu")
		if err != nil {
			t.Fatalf("Failed to get user by email: %v", err)
		}
		if user.Name != "Alice" || hash != "hash1" {
			t.Errorf("Unexpected user %+v with hash %q", user, hash)
		}

		if _, _, err := s.GetUserByEmail("nobody@campus.edu"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Search", func(t *testing.T) {
		alice, _, err := s.GetUserByEmail("alice@campus.edu")
		if err != nil {
			t.Fatalf("Failed to get alice: %v", err)
		}
		if _, err := s.CreateUser("Bob Alison", "bob@campus.edu", "hash"); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}

		// Matches name and email case-insensitively, excluding the caller.
		users, err := s.SearchUsers("ALI", alice.ID, 10)
		if err != nil {
			t.Fatalf("Failed to search users: %v", err)
		}
		if len(users) != 1 || users[0].Name != "Bob Alison" {
			t.Errorf("Unexpected search results: %+v", users)
		}
	})

	t.Run("SearchLimit", func(t *testing.T) {
		for i := 0; i < 12; i++ {
			email := fmt.Sprintf("student%02d@campus.edu", i)
			if _, err := s.CreateUser(fmt.Sprintf("Student %02d", i), email, "hash"); err != nil {
				t.Fatalf("Failed to create user: %v", err)
			}
		}

		users, err := s.SearchUsers("student", "", 10)
		if err != nil {
			t.Fatalf("Failed to search users: %v", err)
		}
		if len(users) != 10 {
			t.Errorf("Expected 10 results, got %d", len(users))
		}
	})

	t.Run("LastSeen", func(t *testing.T) {
		alice, _, err := s.GetUserByEmail("alice@campus.edu")
		if err != nil {
			t.Fatalf("Failed to get alice: %v", err)
		}
		if err := s.UpdateLastSeen(alice.ID, 1700000000); err != nil {
			t.Fatalf("Failed to update last seen: %v", err)
		}
		got, err := s.GetUser(alice.ID)
		if err != nil {
			t.Fatalf("Failed to get user: %v", err)
		}
		if got.LastSeen != 1700000000 {
			t.Errorf("Expected lastSeen 1700000000, got %d", got.LastSeen)
		}
	})
}

func TestConversations(t *testing.T) {
	s := createStorage(t)

	alice, err := s.CreateUser("Alice", "alice@campus.edu", "h")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	bob, err := s.CreateUser("Bob", "bob@campus.edu", "h")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	carol, err := s.CreateUser("Carol", "carol@campus.edu", "h")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	t.Run("DirectDedup", func(t *testing.T) {
		conv, created, err := s.FindOrCreateDirectConversation(alice.ID, bob.ID)
		if err != nil {
			t.Fatalf("Failed to create direct conversation: %v", err)
		}
		if !created {
			t.Error("Expected first call to create")
		}

		// Same pair in reverse order reuses the existing conversation.
		again, created, err := s.FindOrCreateDirectConversation(bob.ID, alice.ID)
		if err != nil {
			t.Fatalf("Failed to find direct conversation: %v", err)
		}
		if created {
			t.Error("Expected second call to reuse")
		}
		if again.ID != conv.ID {
			t.Errorf("Expected conversation %s, got %s", conv.ID, again.ID)
		}

		// Different pair gets its own conversation.
		other, created, err := s.FindOrCreateDirectConversation(alice.ID, carol.ID)
		if err != nil {
			t.Fatalf("Failed to create direct conversation: %v", err)
		}
		if !created || other.ID == conv.ID {
			t.Errorf("Expected a new conversation, got %+v (created=%v)", other, created)
		}
	})

	t.Run("Membership", func(t *testing.T) {
		conv, _, err := s.FindOrCreateDirectConversation(alice.ID, bob.ID)
		if err != nil {
			t.Fatalf("Failed to find conversation: %v", err)
		}

		for _, tc := range []struct {
			userID string
			want   bool
		}{
			{alice.ID, true},
			{bob.ID, true},
			{carol.ID, false},
		} {
			ok, err := s.IsParticipant(conv.ID, tc.userID)
			if err != nil {
				t.Fatalf("Failed to check participant: %v", err)
			}
			if ok != tc.want {
				t.Errorf("IsParticipant(%s) = %v, want %v", tc.userID, ok, tc.want)
			}
		}

		// Absent conversation counts as non-member, not an error.
		ok, err := s.IsParticipant("no-such-conversation", alice.ID)
		if err != nil || ok {
			t.Errorf("Expected (false, nil), got (%v, %v)", ok, err)
		}
	})

	t.Run("ListOrder", func(t *testing.T) {
		group, err := s.CreateConversation([]string{alice.ID, bob.ID, carol.ID}, true, "Study Group", alice.ID)
		if err != nil {
			t.Fatalf("Failed to create group: %v", err)
		}
		if !group.IsGroup || group.GroupName != "Study Group" || group.GroupAdmin != alice.ID {
			t.Errorf("Unexpected group: %+v", group)
		}

		direct, _, err := s.FindOrCreateDirectConversation(alice.ID, bob.ID)
		if err != nil {
			t.Fatalf("Failed to find conversation: %v", err)
		}

		// A new message bumps the direct conversation to the front. All of
		// this happens inside one wall-clock second, so the ordering must
		// hold on activity order alone, not timestamp luck.
		if _, err := s.AppendMessage(direct.ID, alice.ID, "hi", ""); err != nil {
			t.Fatalf("Failed to append message: %v", err)
		}

		convs, err := s.ListConversations(alice.ID)
		if err != nil {
			t.Fatalf("Failed to list conversations: %v", err)
		}
		if len(convs) != 3 {
			t.Fatalf("Expected 3 conversations, got %d", len(convs))
		}
		if convs[0].ID != direct.ID {
			t.Errorf("Expected most recently active conversation first, got %s", convs[0].ID)
		}
		// Then the group (created after the alice-carol pair), then the pair.
		if convs[1].ID != group.ID {
			t.Errorf("Expected group second, got %s", convs[1].ID)
		}

		// Carol only sees the conversations she is in.
		convs, err = s.ListConversations(carol.ID)
		if err != nil {
			t.Fatalf("Failed to list conversations: %v", err)
		}
		if len(convs) != 2 {
			t.Errorf("Expected 2 conversations for carol, got %d", len(convs))
		}
	})
}

func TestMessages(t *testing.T) {
	s := createStorage(t)

	alice, err := s.CreateUser("Alice", "alice@campus.edu", "h")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	bob, err := s.CreateUser("Bob", "bob@campus.edu", "h")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	conv, _, err := s.FindOrCreateDirectConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	t.Run("AppendAndOrder", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			msg, err := s.AppendMessage(conv.ID, alice.ID, fmt.Sprintf("msg %d", i), "")
			if err != nil {
				t.Fatalf("Failed to append message %d: %v", i, err)
			}
			if msg.MessageType != models.MessageTypeText {
				t.Errorf("Expected default message type %q, got %q", models.MessageTypeText, msg.MessageType)
			}
		}

		messages, err := s.ListMessages(conv.ID, 0, 100)
		if err != nil {
			t.Fatalf("Failed to list messages: %v", err)
		}
		if len(messages) != 5 {
			t.Fatalf("Expected 5 messages, got %d", len(messages))
		}
		for i, msg := range messages {
			if msg.Content != fmt.Sprintf("msg %d", i) {
				t.Errorf("Message %d out of order: %q", i, msg.Content)
			}
		}

		count, err := s.CountMessages(conv.ID)
		if err != nil || count != 5 {
			t.Errorf("Expected count 5, got %d (%v)", count, err)
		}

		// The conversation's last-message pointer follows the append.
		got, err := s.GetConversation(conv.ID)
		if err != nil {
			t.Fatalf("Failed to get conversation: %v", err)
		}
		if got.LastMessage == nil || got.LastMessage.ID != messages[4].ID {
			t.Errorf("Expected last message %s, got %+v", messages[4].ID, got.LastMessage)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		page, err := s.ListMessages(conv.ID, 2, 2)
		if err != nil {
			t.Fatalf("Failed to list messages: %v", err)
		}
		if len(page) != 2 || page[0].Content != "msg 2" || page[1].Content != "msg 3" {
			t.Errorf("Unexpected page: %+v", page)
		}

		// Offset past the end yields an empty page.
		page, err = s.ListMessages(conv.ID, 10, 2)
		if err != nil || len(page) != 0 {
			t.Errorf("Expected empty page, got %+v (%v)", page, err)
		}
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		if _, err := s.AppendMessage("no-such-conversation", alice.ID, "hi", ""); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReadReceipts", func(t *testing.T) {
		messages, err := s.ListMessages(conv.ID, 0, 100)
		if err != nil {
			t.Fatalf("Failed to list messages: %v", err)
		}

		unread, err := s.CountUnread(conv.ID, bob.ID)
		if err != nil || unread != 5 {
			t.Fatalf("Expected 5 unread for bob, got %d (%v)", unread, err)
		}
		// The sender has nothing unread.
		unread, err = s.CountUnread(conv.ID, alice.ID)
		if err != nil || unread != 0 {
			t.Fatalf("Expected 0 unread for alice, got %d (%v)", unread, err)
		}

		ids := []string{messages[0].ID, messages[1].ID, "no-such-message"}
		if err := s.MarkRead(bob.ID, ids, 1700000000); err != nil {
			t.Fatalf("Failed to mark read: %v", err)
		}
		// Repeating is idempotent.
		if err := s.MarkRead(bob.ID, ids, 1700000099); err != nil {
			t.Fatalf("Failed to mark read twice: %v", err)
		}

		msg, err := s.GetMessage(messages[0].ID)
		if err != nil {
			t.Fatalf("Failed to get message: %v", err)
		}
		if len(msg.ReadBy) != 1 || msg.ReadBy[0].User != bob.ID || msg.ReadBy[0].ReadAt != 1700000000 {
			t.Errorf("Unexpected receipts: %+v", msg.ReadBy)
		}

		unread, err = s.CountUnread(conv.ID, bob.ID)
		if err != nil || unread != 3 {
			t.Errorf("Expected 3 unread for bob, got %d (%v)", unread, err)
		}

		count, err := s.MarkAllRead(conv.ID, bob.ID, 1700000100)
		if err != nil {
			t.Fatalf("Failed to mark all read: %v", err)
		}
		if count != 3 {
			t.Errorf("Expected 3 newly marked, got %d", count)
		}
		unread, err = s.CountUnread(conv.ID, bob.ID)
		if err != nil || unread != 0 {
			t.Errorf("Expected 0 unread for bob, got %d (%v)", unread, err)
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		msg, err := s.AppendMessage(conv.ID, alice.ID, "delete me", "")
		if err != nil {
			t.Fatalf("Failed to append message: %v", err)
		}

		// Only the sender may delete.
		if err := s.SoftDeleteMessage(msg.ID, bob.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for non-sender, got %v", err)
		}

		if err := s.SoftDeleteMessage(msg.ID, alice.ID); err != nil {
			t.Fatalf("Failed to delete message: %v", err)
		}

		got, err := s.GetMessage(msg.ID)
		if err != nil {
			t.Fatalf("Failed to get message: %v", err)
		}
		if !got.Deleted || got.Content != models.DeletedPlaceholder {
			t.Errorf("Unexpected deleted message: %+v", got)
		}

		// Deleting twice fails the same way as deleting a missing message.
		if err := s.SoftDeleteMessage(msg.ID, alice.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound on repeat delete, got %v", err)
		}

		// The deleted message still shows up in history, placeholder and all.
		messages, err := s.ListMessages(conv.ID, 0, 100)
		if err != nil {
			t.Fatalf("Failed to list messages: %v", err)
		}
		last := messages[len(messages)-1]
		if last.ID != msg.ID || last.Content != models.DeletedPlaceholder {
			t.Errorf("Expected placeholder in history, got %+v", last)
		}
	})
}
