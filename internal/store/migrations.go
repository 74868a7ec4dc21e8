package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent so Migrate can run on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		vision_model TEXT NOT NULL DEFAULT '',
		auto_approve BOOLEAN NOT NULL DEFAULT false,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		images JSONB,
		model TEXT,
		timestamp BIGINT NOT NULL,
		tool_calls JSONB,
		tool_results JSONB,
		approval_status TEXT,
		verbatim_count INTEGER,
		token_count INTEGER NOT NULL DEFAULT 0,
		raw_token_count INTEGER NOT NULL DEFAULT 0,
		llm_request JSONB,
		llm_response JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
		ON messages (session_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_content_fts
		ON messages USING gin (to_tsvector('english', content))`,
}

// Migrate applies the schema to the given database.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
