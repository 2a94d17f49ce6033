package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newSession(id string, userID int64) Session {
	now := time.Now()
	return Session{
		ID:        id,
		UserID:    userID,
		Title:     "test session",
		WorkDir:   "/tmp/work",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	st := testStore(t)

	if err := st.CreateSession(newSession("s1", 100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetSession("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != 100 || got.WorkDir != "/tmp/work" || !got.IsActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := st.GetSession("missing"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestStore_ListSessionsByUser(t *testing.T) {
	st := testStore(t)
	st.CreateSession(newSession("s1", 100))
	st.CreateSession(newSession("s2", 100))
	st.CreateSession(newSession("s3", 200))

	mine, err := st.ListSessions(100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(mine))
	}

	all, err := st.ListSessions(0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
}

func TestStore_MessagesAndCounter(t *testing.T) {
	st := testStore(t)
	st.CreateSession(newSession("s1", 100))

	for _, m := range []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi, how can I help"},
		{"user", "fix the bug"},
	} {
		if err := st.AppendMessage("s1", m.role, m.content); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := st.Messages("s1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[2].Content != "fix the bug" {
		t.Fatalf("wrong order: %+v", msgs)
	}

	// limit keeps the newest, still chronological
	tail, err := st.Messages("s1", 2)
	if err != nil {
		t.Fatalf("messages limit: %v", err)
	}
	if len(tail) != 2 || tail[0].Role != "assistant" || tail[1].Content != "fix the bug" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	sess, _ := st.GetSession("s1")
	if sess.MessageCount != 3 {
		t.Fatalf("message count not bumped, got %d", sess.MessageCount)
	}
}

func TestStore_Deactivate(t *testing.T) {
	st := testStore(t)
	st.CreateSession(newSession("s1", 100))

	if err := st.DeactivateSession("s1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	sess, _ := st.GetSession("s1")
	if sess.IsActive {
		t.Fatal("session should be inactive")
	}
}

func TestStore_EventSink(t *testing.T) {
	st := testStore(t)

	st.Append("s1", "turn_start", "hello")
	st.Append("s1", "turn_complete", "ok")
	st.Append("s2", "restart", "")

	events, err := st.Events("s1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "turn_start" || events[1].Kind != "turn_complete" {
		t.Fatalf("wrong order: %+v", events)
	}
}
