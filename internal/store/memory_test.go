package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hearthdev/hearth/pkg/models"
)

func newTestSession(t *testing.T, s Store) *models.Session {
	t.Helper()
	session, err := s.CreateSession(context.Background(), "test", "anthropic:claude-sonnet-4-20250514", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session := newTestSession(t, s)
	if session.ID == "" {
		t.Fatal("expected assigned session ID")
	}
	if session.UpdatedAt.Before(session.CreatedAt) {
		t.Error("UpdatedAt must not precede CreatedAt")
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Model != session.Model {
		t.Errorf("Model = %q, want %q", got.Model, session.Model)
	}

	title := "renamed"
	auto := true
	if err := s.UpdateSession(ctx, session.ID, SessionPatch{Title: &title, AutoApprove: &auto}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ = s.GetSession(ctx, session.ID)
	if got.Title != "renamed" || !got.AutoApprove {
		t.Errorf("patch not applied: %+v", got)
	}

	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_AddMessageBumpsUpdatedAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	session := newTestSession(t, s)

	before, _ := s.GetSession(ctx, session.ID)

	var lastTimestamp int64
	for i := 0; i < 5; i++ {
		id, err := s.AddMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "hi"})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if msg.Timestamp < lastTimestamp {
			t.Errorf("timestamps must be weakly increasing: %d < %d", msg.Timestamp, lastTimestamp)
		}
		lastTimestamp = msg.Timestamp
	}

	after, _ := s.GetSession(ctx, session.ID)
	if after.UpdatedAt.Before(before.UpdatedAt) {
		t.Error("AddMessage must bump the session's UpdatedAt")
	}

	_, msgs, err := s.GetConversation(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(msgs) != 5 {
		t.Errorf("got %d messages, want 5", len(msgs))
	}
}

func TestMemoryStore_GetMessagesPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	session := newTestSession(t, s)

	for i := 0; i < 10; i++ {
		_, err := s.AddMessage(ctx, session.ID, &models.Message{
			Role:      models.RoleUser,
			Content:   "msg",
			Timestamp: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	page, err := s.GetMessages(ctx, session.ID, MessageQuery{Limit: 4})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(page.Messages))
	}
	if !page.HasMore {
		t.Error("expected HasMore with older messages remaining")
	}
	// The page is the newest 4 in ascending order.
	if page.Messages[0].Timestamp != 1006 || page.Messages[3].Timestamp != 1009 {
		t.Errorf("unexpected page window: first=%d last=%d",
			page.Messages[0].Timestamp, page.Messages[3].Timestamp)
	}

	older, err := s.GetMessages(ctx, session.ID, MessageQuery{Before: 1006, Limit: 10})
	if err != nil {
		t.Fatalf("GetMessages before: %v", err)
	}
	if len(older.Messages) != 6 || older.HasMore {
		t.Errorf("got %d messages hasMore=%v, want 6 false", len(older.Messages), older.HasMore)
	}
}

func TestMemoryStore_AtomicApproveIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	session := newTestSession(t, s)

	id, err := s.AddMessage(ctx, session.ID, &models.Message{
		Role:           models.RoleAssistant,
		ToolCalls:      []models.ToolCall{{ID: "tc1", Name: "shell", Arguments: []byte(`{}`)}},
		ApprovalStatus: models.ApprovalPending,
	})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AtomicApprove(ctx, id)
			if err != nil {
				t.Errorf("AtomicApprove: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("exactly one concurrent approve must win, got %d", won)
	}

	msg, _ := s.GetMessage(ctx, id)
	if msg.ApprovalStatus != models.ApprovalApproved {
		t.Errorf("ApprovalStatus = %q, want approved", msg.ApprovalStatus)
	}
}

func TestMemoryStore_UpdateMessagePartial(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	session := newTestSession(t, s)

	id, _ := s.AddMessage(ctx, session.ID, &models.Message{
		Role:    models.RoleAssistant,
		Content: "original",
		Model:   "anthropic:claude-sonnet-4-20250514",
	})

	raw := 42
	if err := s.UpdateMessage(ctx, id, MessagePatch{RawTokenCount: &raw}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	msg, _ := s.GetMessage(ctx, id)
	if msg.Content != "original" {
		t.Errorf("Content changed by unrelated patch: %q", msg.Content)
	}
	if msg.RawTokenCount != 42 {
		t.Errorf("RawTokenCount = %d, want 42", msg.RawTokenCount)
	}
}

func TestMemoryStore_Search(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newTestSession(t, s)
	b := newTestSession(t, s)

	s.AddMessage(ctx, a.ID, &models.Message{Role: models.RoleUser, Content: "deploy the gateway"})
	s.AddMessage(ctx, b.ID, &models.Message{Role: models.RoleUser, Content: "gateway rollback plan"})
	s.AddMessage(ctx, b.ID, &models.Message{Role: models.RoleUser, Content: "unrelated"})

	res, err := s.SearchSessionMessages(ctx, a.ID, "gateway", 10)
	if err != nil {
		t.Fatalf("SearchSessionMessages: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("session search total = %d, want 1", res.Total)
	}

	res, err = s.SearchAllMessages(ctx, "gateway", 10)
	if err != nil {
		t.Fatalf("SearchAllMessages: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("global search total = %d, want 2", res.Total)
	}
}

func TestMemoryStore_Settings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "compaction_auto_threshold_pct"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unset setting = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting(ctx, "compaction_auto_threshold_pct", "90"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, "compaction_auto_threshold_pct")
	if err != nil || v != "90" {
		t.Errorf("GetSetting = %q, %v; want 90", v, err)
	}
}
