package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthdev/hearth/pkg/models"
)

// MemoryStore is an in-memory Store used for tests and single-process local
// runs. It mirrors the Postgres semantics, including the conditional approve
// and the limit+1 pagination.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message // session id -> ordered messages
	byID     map[string]*models.Message
	settings map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		byID:     make(map[string]*models.Message),
		settings: make(map[string]string),
	}
}

// CreateSession writes a new session with defaults and returns a copy.
func (s *MemoryStore) CreateSession(ctx context.Context, title, model, visionModel string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	session := &models.Session{
		ID:          uuid.NewString(),
		Title:       title,
		Model:       model,
		VisionModel: visionModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[session.ID] = session
	out := *session
	return &out, nil
}

// GetSession returns the session row alone.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *session
	return &out, nil
}

// GetConversation returns the session plus all messages in timestamp order.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Session, []*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	out := *session

	msgs := make([]*models.Message, len(s.messages[id]))
	for i, m := range s.messages[id] {
		c := *m
		msgs[i] = &c
	}
	return &out, msgs, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		c := *session
		sessions = append(sessions, &c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// UpdateSession patches a subset of session fields.
func (s *MemoryStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		session.Title = *patch.Title
	}
	if patch.Model != nil {
		session.Model = *patch.Model
	}
	if patch.VisionModel != nil {
		session.VisionModel = *patch.VisionModel
	}
	if patch.AutoApprove != nil {
		session.AutoApprove = *patch.AutoApprove
	}
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes the session and its messages.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	for _, m := range s.messages[id] {
		delete(s.byID, m.ID)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

// GetMessages pages through the tail of a session's history.
func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string, q MessageQuery) (*MessagePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}

	all := s.messages[sessionID]
	var eligible []*models.Message
	for _, m := range all {
		if q.Before > 0 && m.Timestamp >= q.Before {
			continue
		}
		eligible = append(eligible, m)
	}

	hasMore := len(eligible) > limit
	if hasMore {
		eligible = eligible[len(eligible)-limit:]
	}

	page := make([]*models.Message, len(eligible))
	for i, m := range eligible {
		c := *m
		page[i] = &c
	}
	return &MessagePage{Messages: page, HasMore: hasMore}, nil
}

// AddMessage appends a message and bumps the session's UpdatedAt.
func (s *MemoryStore) AddMessage(ctx context.Context, sessionID string, msg *models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = models.NowMillis()
	}

	c := *msg
	s.messages[sessionID] = append(s.messages[sessionID], &c)
	s.byID[c.ID] = &c
	session.UpdatedAt = time.Now().UTC()
	return msg.ID, nil
}

// GetMessage loads one message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// UpdateMessage patches a subset of message fields.
func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.ToolResults != nil {
		msg.ToolResults = append([]models.ToolResult(nil), patch.ToolResults...)
	}
	if patch.ApprovalStatus != nil {
		msg.ApprovalStatus = *patch.ApprovalStatus
	}
	if patch.TokenCount != nil {
		msg.TokenCount = *patch.TokenCount
	}
	if patch.RawTokenCount != nil {
		msg.RawTokenCount = *patch.RawTokenCount
	}
	if patch.LLMResponse != nil {
		msg.LLMResponse = patch.LLMResponse
	}
	return nil
}

// AtomicApprove flips ApprovalStatus pending -> approved under the store
// lock; exactly one of any set of concurrent callers observes true.
func (s *MemoryStore) AtomicApprove(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if msg.ApprovalStatus != models.ApprovalPending {
		return false, nil
	}
	msg.ApprovalStatus = models.ApprovalApproved
	return true, nil
}

// UpdateSessionTokenUsage overwrites the session's rolling accumulator.
func (s *MemoryStore) UpdateSessionTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.TokenUsage = usage
	return nil
}

// SearchSessionMessages matches message content by substring within one
// session. The in-memory store has no full-text index, so the substring
// predicate is both the primary and the fallback path.
func (s *MemoryStore) SearchSessionMessages(ctx context.Context, sessionID, query string, limit int) (*SearchResult, error) {
	return s.search(sessionID, query, limit)
}

// SearchAllMessages is SearchSessionMessages across every session.
func (s *MemoryStore) SearchAllMessages(ctx context.Context, query string, limit int) (*SearchResult, error) {
	return s.search("", query, limit)
}

func (s *MemoryStore) search(sessionID, query string, limit int) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(query)

	var hits []*models.Message
	for sid, msgs := range s.messages {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				c := *m
				hits = append(hits, &c)
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Timestamp > hits[j].Timestamp })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &SearchResult{Messages: hits, Total: len(hits)}, nil
}

// GetSetting reads a runtime setting; ErrNotFound when unset.
func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// SetSetting writes a runtime setting.
func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
