package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, maxMessages int) (*Store, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conv.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db, maxMessages, 7)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, db
}

func TestGetOrCreate(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	conv, err := store.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if conv.CID != "conv-1" || conv.ID == 0 {
		t.Fatalf("conversation = %+v", conv)
	}

	again, err := store.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected same conversation, got %d and %d", conv.ID, again.ID)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown cid, got %+v", missing)
	}
}

func TestAddAndListMessages(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	if _, err := store.AddMessage(ctx, "conv-1", "user", "hello", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	extra := map[string]any{"component": "complete"}
	if _, err := store.AddMessage(ctx, "conv-1", "assistant", "hi there", extra); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msgs, err := store.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	// Chronological order.
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("order wrong: %s then %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].ExtraData["component"] != "complete" {
		t.Fatalf("extra_data = %v", msgs[1].ExtraData)
	}

	conv, _ := store.Get(ctx, "conv-1")
	if conv.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", conv.MessageCount)
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	store, _ := newTestStore(t, 10)

	msgs, err := store.Messages(context.Background(), "ghost", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected nil, got %v", msgs)
	}
}

func TestWindowEviction(t *testing.T) {
	store, _ := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.AddMessage(ctx, "conv-1", "user", fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
		// Distinct timestamps so eviction order is unambiguous.
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := store.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want window of 3", len(msgs))
	}
	if msgs[0].Content != "msg-2" || msgs[2].Content != "msg-4" {
		t.Fatalf("kept wrong messages: %s .. %s", msgs[0].Content, msgs[2].Content)
	}
}

func TestExpiredMessagesRemoved(t *testing.T) {
	store, db := newTestStore(t, 10)
	ctx := context.Background()

	conv, err := store.GetOrCreate(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	stale := time.Now().UTC().AddDate(0, 0, -8)
	if _, err := db.Exec(`
		INSERT INTO messages (conversation_id, role, content, timestamp)
		VALUES (?, 'user', 'ancient', ?)`, conv.ID, stale); err != nil {
		t.Fatalf("seed stale message: %v", err)
	}
	if _, err := store.AddMessage(ctx, "conv-1", "user", "fresh", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msgs, err := store.Messages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Fatalf("messages = %+v, want only the fresh one", msgs)
	}
}

func TestDeleteConversation(t *testing.T) {
	store, db := newTestStore(t, 10)
	ctx := context.Background()

	if _, err := store.AddMessage(ctx, "conv-1", "user", "hello", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	deleted, err := store.Delete(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected deletion")
	}

	conv, _ := store.Get(ctx, "conv-1")
	if conv != nil {
		t.Fatal("conversation still present")
	}
	var msgCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if msgCount != 0 {
		t.Fatalf("orphan messages = %d", msgCount)
	}

	again, err := store.Delete(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Delete again: %v", err)
	}
	if again {
		t.Fatal("second delete should be a no-op")
	}
}

func TestListOrderedByRecency(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	if _, err := store.AddMessage(ctx, "conv-a", "user", "first", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := store.AddMessage(ctx, "conv-b", "user", "second", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	convs, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].CID != "conv-b" {
		t.Fatalf("most recent first, got %s", convs[0].CID)
	}
}
