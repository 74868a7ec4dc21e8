package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hearthdev/hearth/pkg/models"
)

// setupMockStore prepares a PostgresStore backed by sqlmock with only the
// statements a test exercises.
func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, &PostgresStore{db: db}
}

func TestPostgresStore_AtomicApprove(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		want    bool
		execErr error
		wantErr bool
	}{
		{name: "pending message transitions", rows: 1, want: true},
		{name: "already approved does not transition", rows: 0, want: false},
		{name: "database error", execErr: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, s := setupMockStore(t)
			defer db.Close()

			mock.ExpectPrepare("UPDATE messages SET approval_status")
			exec := mock.ExpectExec("UPDATE messages SET approval_status").WithArgs("msg-1")
			if tt.execErr != nil {
				exec.WillReturnError(tt.execErr)
			} else {
				exec.WillReturnResult(sqlmock.NewResult(0, tt.rows))
			}

			stmt, err := db.Prepare(`
				UPDATE messages SET approval_status = 'approved'
				WHERE id = $1 AND approval_status = 'pending'
			`)
			if err != nil {
				t.Fatalf("prepare: %v", err)
			}
			s.stmtAtomicApprove = stmt

			got, err := s.AtomicApprove(context.Background(), "msg-1")
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("AtomicApprove: %v", err)
			}
			if got != tt.want {
				t.Errorf("AtomicApprove = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func messageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "session_id", "role", "content", "images", "model", "timestamp",
		"tool_calls", "tool_results", "approval_status", "verbatim_count",
		"token_count", "raw_token_count", "llm_request", "llm_response",
	})
}

func TestPostgresStore_GetMessagesHasMore(t *testing.T) {
	db, mock, s := setupMockStore(t)
	defer db.Close()

	// limit 2 reads 3 rows descending; the extra row signals HasMore.
	rows := messageRows().
		AddRow("m3", "s1", "user", "three", nil, nil, int64(3000), nil, nil, nil, nil, 0, 0, nil, nil).
		AddRow("m2", "s1", "user", "two", nil, nil, int64(2000), nil, nil, nil, nil, 0, 0, nil, nil).
		AddRow("m1", "s1", "user", "one", nil, nil, int64(1000), nil, nil, nil, nil, 0, 0, nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WithArgs("s1", 3).
		WillReturnRows(rows)

	page, err := s.GetMessages(context.Background(), "s1", MessageQuery{Limit: 2})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !page.HasMore {
		t.Error("expected HasMore when limit+1 rows were returned")
	}
	if len(page.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(page.Messages))
	}
	if page.Messages[0].ID != "m2" || page.Messages[1].ID != "m3" {
		t.Errorf("page not in ascending order: %s, %s", page.Messages[0].ID, page.Messages[1].ID)
	}
}

func TestPostgresStore_SearchFallsBackToSubstring(t *testing.T) {
	db, mock, s := setupMockStore(t)
	defer db.Close()

	// Full-text query yields nothing; the same parameters re-run with ILIKE.
	mock.ExpectQuery("plainto_tsquery").
		WithArgs("gatew", "s1", 50).
		WillReturnRows(messageRows())
	mock.ExpectQuery("ILIKE").
		WithArgs("%gatew%", "s1", 50).
		WillReturnRows(messageRows().
			AddRow("m1", "s1", "user", "deploy the gateway", nil, nil, int64(1000), nil, nil, nil, nil, 0, 0, nil, nil))

	res, err := s.SearchSessionMessages(context.Background(), "s1", "gatew", 50)
	if err != nil {
		t.Fatalf("SearchSessionMessages: %v", err)
	}
	if res.Total != 1 || res.Messages[0].ID != "m1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_UpdateMessagePatchesOnlySetFields(t *testing.T) {
	db, mock, s := setupMockStore(t)
	defer db.Close()

	status := models.ApprovalDenied
	mock.ExpectExec("UPDATE messages SET").
		WithArgs(sqlmock.AnyArg(), "approved-msg").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateMessage(context.Background(), "approved-msg", MessagePatch{ApprovalStatus: &status})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	// Empty patch issues no SQL at all.
	if err := s.UpdateMessage(context.Background(), "any", MessagePatch{}); err != nil {
		t.Fatalf("empty patch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_DeleteSessionNotFound(t *testing.T) {
	db, mock, s := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteSession = %v, want ErrNotFound", err)
	}
}
