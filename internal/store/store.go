package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hearthdev/hearth/pkg/models"
)

// Sentinel errors mapped to transport status equivalents by the gateway.
var (
	// ErrNotFound indicates the requested session or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conditional update lost a race, e.g. denying a
	// message that is no longer pending.
	ErrConflict = errors.New("conflict")
)

// DefaultMessagePageSize is the page size used when a query does not set one.
const DefaultMessagePageSize = 30

// MessageQuery selects a page from the tail of a session's history.
type MessageQuery struct {
	// Before restricts the page to messages with Timestamp < Before.
	// Zero means "from the newest".
	Before int64

	// Limit caps the page size; DefaultMessagePageSize when <= 0.
	Limit int
}

// MessagePage is one page of messages in ascending timestamp order.
type MessagePage struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// SearchResult holds full-text search hits.
type SearchResult struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
}

// SessionPatch updates a subset of session fields; nil fields are untouched.
type SessionPatch struct {
	Title       *string
	Model       *string
	VisionModel *string
	AutoApprove *bool
}

// MessagePatch updates a subset of message fields; nil fields are untouched.
type MessagePatch struct {
	Content        *string
	ToolResults    []models.ToolResult
	ApprovalStatus *models.ApprovalStatus
	TokenCount     *int
	RawTokenCount  *int
	LLMResponse    json.RawMessage
}

// Store is the typed persistence interface used by the session runtime.
// Implementations are process-wide stateless wrappers over the backing store
// and must be safe for concurrent use.
type Store interface {
	// CreateSession writes a new session row with defaults and returns it.
	CreateSession(ctx context.Context, title, model, visionModel string) (*models.Session, error)

	// GetSession returns the session row alone.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// GetConversation returns the session plus all messages in timestamp order.
	GetConversation(ctx context.Context, id string) (*models.Session, []*models.Message, error)

	// ListSessions returns all sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// UpdateSession patches a subset of session fields.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error

	// DeleteSession removes the session and cascades to its messages.
	DeleteSession(ctx context.Context, id string) error

	// GetMessages pages through the tail of a session's history.
	GetMessages(ctx context.Context, sessionID string, q MessageQuery) (*MessagePage, error)

	// AddMessage appends a message, assigns its ID if empty, and bumps the
	// session's UpdatedAt. Returns the assigned ID.
	AddMessage(ctx context.Context, sessionID string, msg *models.Message) (string, error)

	// GetMessage loads one message by ID.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// UpdateMessage patches a subset of message fields.
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error

	// AtomicApprove flips ApprovalStatus pending -> approved. Returns whether
	// this call performed the transition; under concurrent approval exactly
	// one caller observes true.
	AtomicApprove(ctx context.Context, messageID string) (bool, error)

	// UpdateSessionTokenUsage overwrites the session's rolling accumulator.
	UpdateSessionTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error

	// SearchSessionMessages runs full-text search within one session, falling
	// back to a substring match when the full-text query yields nothing.
	SearchSessionMessages(ctx context.Context, sessionID, query string, limit int) (*SearchResult, error)

	// SearchAllMessages is SearchSessionMessages across every session.
	SearchAllMessages(ctx context.Context, query string, limit int) (*SearchResult, error)

	// GetSetting reads a runtime setting; ErrNotFound when unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting writes a runtime setting.
	SetSetting(ctx context.Context, key, value string) error

	// Close releases the backing connection.
	Close() error
}
