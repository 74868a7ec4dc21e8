package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/hearthdev/hearth/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths.
	stmtGetSession    *sql.Stmt
	stmtAddMessage    *sql.Stmt
	stmtGetMessage    *sql.Stmt
	stmtGetAll        *sql.Stmt
	stmtAtomicApprove *sql.Stmt
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a connection pool for the given DSN, verifies it,
// and prepares statements.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const sessionColumns = `id, title, model, vision_model, auto_approve, input_tokens, output_tokens, created_at, updated_at`

const messageColumns = `id, session_id, role, content, images, model, timestamp, tool_calls, tool_results, approval_status, verbatim_count, token_count, raw_token_count, llm_request, llm_response`

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtAddMessage, err = s.db.Prepare(`
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare add message: %w", err)
	}

	s.stmtGetMessage, err = s.db.Prepare(`
		SELECT ` + messageColumns + ` FROM messages WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get message: %w", err)
	}

	s.stmtGetAll, err = s.db.Prepare(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = $1
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get all messages: %w", err)
	}

	s.stmtAtomicApprove, err = s.db.Prepare(`
		UPDATE messages SET approval_status = 'approved'
		WHERE id = $1 AND approval_status = 'pending'
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare atomic approve: %w", err)
	}

	return nil
}

// Close releases the prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtGetSession, s.stmtAddMessage, s.stmtGetMessage,
		s.stmtGetAll, s.stmtAtomicApprove,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// CreateSession writes a new session row with defaults and returns it.
func (s *PostgresStore) CreateSession(ctx context.Context, title, model, visionModel string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:          uuid.NewString(),
		Title:       title,
		Model:       model,
		VisionModel: visionModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, model, vision_model, auto_approve, input_tokens, output_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, 0, 0, $5, $6)
	`, session.ID, title, model, visionModel, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetSession returns the session row alone.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetConversation returns the session plus all messages in timestamp order.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Session, []*models.Message, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.stmtGetAll.QueryContext(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSession patches a subset of session fields.
func (s *PostgresStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	pos := 2

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, pos))
		args = append(args, val)
		pos++
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.VisionModel != nil {
		add("vision_model", *patch.VisionModel)
	}
	if patch.AutoApprove != nil {
		add("auto_approve", *patch.AutoApprove)
	}

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d", strings.Join(sets, ", "), pos)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session; messages cascade via the foreign key.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessages pages through the tail of a session's history. It reads one row
// beyond the limit descending, reverses, and reports HasMore when the extra
// row existed.
func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string, q MessageQuery) (*MessagePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}

	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = $1`
	args := []any{sessionID}
	if q.Before > 0 {
		query += ` AND timestamp < $2`
		args = append(args, q.Before)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	// Rows come back newest-first; reverse to ascending order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return &MessagePage{Messages: messages, HasMore: hasMore}, nil
}

// AddMessage appends a message and bumps the session's UpdatedAt in one
// transaction. Returns the assigned ID.
func (s *PostgresStore) AddMessage(ctx context.Context, sessionID string, msg *models.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = models.NowMillis()
	}

	images, err := marshalJSONColumn(msg.Images)
	if err != nil {
		return "", fmt.Errorf("failed to marshal images: %w", err)
	}
	toolCalls, err := marshalJSONColumn(msg.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := marshalJSONColumn(msg.ToolResults)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.StmtContext(ctx, s.stmtAddMessage).ExecContext(ctx,
		msg.ID,
		sessionID,
		msg.Role,
		msg.Content,
		images,
		nullString(msg.Model),
		msg.Timestamp,
		toolCalls,
		toolResults,
		nullString(string(msg.ApprovalStatus)),
		nullInt(msg.VerbatimCount),
		msg.TokenCount,
		msg.RawTokenCount,
		nullRaw(msg.LLMRequest),
		nullRaw(msg.LLMResponse),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to bump session timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit message: %w", err)
	}
	return msg.ID, nil
}

// GetMessage loads one message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.stmtGetMessage.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UpdateMessage patches a subset of message fields; nil fields are untouched.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	var sets []string
	var args []any
	pos := 1

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, pos))
		args = append(args, val)
		pos++
	}

	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.ToolResults != nil {
		data, err := marshalJSONColumn(patch.ToolResults)
		if err != nil {
			return fmt.Errorf("failed to marshal tool results: %w", err)
		}
		add("tool_results", data)
	}
	if patch.ApprovalStatus != nil {
		add("approval_status", nullString(string(*patch.ApprovalStatus)))
	}
	if patch.TokenCount != nil {
		add("token_count", *patch.TokenCount)
	}
	if patch.RawTokenCount != nil {
		add("raw_token_count", *patch.RawTokenCount)
	}
	if patch.LLMResponse != nil {
		add("llm_response", []byte(patch.LLMResponse))
	}

	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d", strings.Join(sets, ", "), pos)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AtomicApprove flips ApprovalStatus pending -> approved. The WHERE clause
// makes the transition conditional, so concurrent approvals race on the row
// update and exactly one wins.
func (s *PostgresStore) AtomicApprove(ctx context.Context, messageID string) (bool, error) {
	result, err := s.stmtAtomicApprove.ExecContext(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to approve message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateSessionTokenUsage overwrites the session's rolling accumulator.
func (s *PostgresStore) UpdateSessionTokenUsage(ctx context.Context, id string, usage models.TokenUsage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET input_tokens = $1, output_tokens = $2 WHERE id = $3
	`, usage.InputTokens, usage.OutputTokens, id)
	if err != nil {
		return fmt.Errorf("failed to update token usage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchSessionMessages runs full-text search within one session.
func (s *PostgresStore) SearchSessionMessages(ctx context.Context, sessionID, query string, limit int) (*SearchResult, error) {
	return s.search(ctx, sessionID, query, limit)
}

// SearchAllMessages runs full-text search across every session.
func (s *PostgresStore) SearchAllMessages(ctx context.Context, query string, limit int) (*SearchResult, error) {
	return s.search(ctx, "", query, limit)
}

// search tries a full-text query first; when it yields zero rows, the same
// parameters are re-run with a substring predicate so partial words and
// symbols still match.
func (s *PostgresStore) search(ctx context.Context, sessionID, query string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	messages, err := s.runSearch(ctx, sessionID, query, limit, false)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		messages, err = s.runSearch(ctx, sessionID, query, limit, true)
		if err != nil {
			return nil, err
		}
	}

	return &SearchResult{Messages: messages, Total: len(messages)}, nil
}

func (s *PostgresStore) runSearch(ctx context.Context, sessionID, query string, limit int, substring bool) ([]*models.Message, error) {
	predicate := `to_tsvector('english', content) @@ plainto_tsquery('english', $1)`
	arg := any(query)
	if substring {
		predicate = `content ILIKE $1`
		arg = "%" + query + "%"
	}

	sqlQuery := `SELECT ` + messageColumns + ` FROM messages WHERE ` + predicate
	args := []any{arg}
	if sessionID != "" {
		sqlQuery += ` AND session_id = $2`
		args = append(args, sessionID)
	}
	sqlQuery += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetSetting reads a runtime setting; ErrNotFound when unset.
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a runtime setting.
func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	err := row.Scan(
		&session.ID,
		&session.Title,
		&session.Model,
		&session.VisionModel,
		&session.AutoApprove,
		&session.TokenUsage.InputTokens,
		&session.TokenUsage.OutputTokens,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var images, toolCalls, toolResults, llmRequest, llmResponse []byte
	var model, approvalStatus sql.NullString
	var verbatimCount sql.NullInt64

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Role,
		&msg.Content,
		&images,
		&model,
		&msg.Timestamp,
		&toolCalls,
		&toolResults,
		&approvalStatus,
		&verbatimCount,
		&msg.TokenCount,
		&msg.RawTokenCount,
		&llmRequest,
		&llmResponse,
	)
	if err != nil {
		return nil, err
	}

	msg.Model = model.String
	msg.ApprovalStatus = models.ApprovalStatus(approvalStatus.String)
	if verbatimCount.Valid {
		v := int(verbatimCount.Int64)
		msg.VerbatimCount = &v
	}
	if err := unmarshalJSONColumn(images, &msg.Images); err != nil {
		return nil, fmt.Errorf("failed to unmarshal images: %w", err)
	}
	if err := unmarshalJSONColumn(toolCalls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
	}
	if err := unmarshalJSONColumn(toolResults, &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
	}
	if len(llmRequest) > 0 {
		msg.LLMRequest = json.RawMessage(llmRequest)
	}
	if len(llmResponse) > 0 {
		msg.LLMResponse = json.RawMessage(llmResponse)
	}

	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func marshalJSONColumn(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalJSONColumn(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
