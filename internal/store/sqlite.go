package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/membercare/chat-gateway/internal/domain"
	"github.com/membercare/chat-gateway/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	transcriptMu sync.Mutex // serializes transcript writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS members (
		member_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		plan_id TEXT,
		member_type TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_members_last_seen ON members(last_seen_at);

	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		chat_group TEXT,
		mode TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_member ON transcripts(member_id, ended_at);
	CREATE INDEX IF NOT EXISTS idx_transcripts_ended ON transcripts(ended_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetMember retrieves a member by their member ID.
func (s *SQLiteStore) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	query := `
		SELECT member_id, username, plan_id, member_type,
		       last_seen_at, created_at, updated_at
		FROM members WHERE member_id = ?`

	row := s.db.QueryRowContext(ctx, query, memberID)

	var member domain.Member
	var planID, memberType sql.NullString
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&member.MemberID, &member.Username, &planID, &memberType,
		&lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan member row: %w", err)
	}

	member.PlanID = planID.String
	member.MemberType = memberType.String
	member.LastSeenAt = time.Unix(lastSeen, 0)
	member.CreatedAt = time.Unix(createdAt, 0)
	member.UpdatedAt = time.Unix(updatedAt, 0)

	return &member, nil
}

// UpsertMember creates or updates a member record.
func (s *SQLiteStore) UpsertMember(ctx context.Context, member *domain.Member) error {
	query := `
	INSERT INTO members (member_id, username, plan_id, member_type, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(member_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var planID, memberType interface{}
	if member.PlanID != "" {
		planID = member.PlanID
	}
	if member.MemberType != "" {
		memberType = member.MemberType
	}

	_, err := s.db.ExecContext(ctx, query,
		member.MemberID, member.Username, planID, memberType,
		member.LastSeenAt.Unix(), member.CreatedAt.Unix(), member.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a member.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, memberID string, lastSeen time.Time) error {
	query := `UPDATE members SET last_seen_at = ?, updated_at = ? WHERE member_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), memberID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "member_id", memberID)
	}

	return nil
}

// UpdatePlanBinding records the plan/member-type pair last used by a member.
func (s *SQLiteStore) UpdatePlanBinding(ctx context.Context, memberID, planID, memberType string) error {
	query := `UPDATE members SET plan_id = ?, member_type = ?, updated_at = ? WHERE member_id = ?`
	result, err := s.db.ExecContext(ctx, query, planID, memberType, time.Now().Unix(), memberID)
	if err != nil {
		return fmt.Errorf("update plan binding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("member not found")
	}
	return nil
}

// SaveTranscript stores a finished session transcript. Retries with
// exponential backoff on SQLITE_BUSY, which can occur while the retention
// sweep holds the write lock.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.saveTranscriptOnce(ctx, t)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("SaveTranscript hit SQLITE_BUSY, retrying",
				"transcript_id", t.ID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("save transcript %s after %d attempts: %w", t.ID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) saveTranscriptOnce(ctx context.Context, t *domain.Transcript) error {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()

	query := `
	INSERT INTO transcripts (id, member_id, session_id, chat_group, mode, messages_json, started_at, ended_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		messages_json = excluded.messages_json,
		ended_at = excluded.ended_at`

	var chatGroup interface{}
	if t.ChatGroup != "" {
		chatGroup = t.ChatGroup
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.MemberID, t.SessionID, chatGroup, string(t.Mode),
		t.MessagesJSON, t.StartedAt.Unix(), t.EndedAt.Unix(), t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// ListTranscripts returns a member's transcripts, newest first.
func (s *SQLiteStore) ListTranscripts(ctx context.Context, memberID string, limit int) ([]*domain.Transcript, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, member_id, session_id, chat_group, mode, messages_json,
		       started_at, ended_at, created_at
		FROM transcripts WHERE member_id = ?
		ORDER BY ended_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var transcripts []*domain.Transcript
	for rows.Next() {
		var t domain.Transcript
		var chatGroup sql.NullString
		var mode string
		var startedAt, endedAt, createdAt int64

		if err := rows.Scan(
			&t.ID, &t.MemberID, &t.SessionID, &chatGroup, &mode,
			&t.MessagesJSON, &startedAt, &endedAt, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}

		t.ChatGroup = chatGroup.String
		t.Mode = domain.ChatMode(mode)
		t.StartedAt = time.Unix(startedAt, 0)
		t.EndedAt = time.Unix(endedAt, 0)
		t.CreatedAt = time.Unix(createdAt, 0)
		transcripts = append(transcripts, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}

	return transcripts, nil
}

// DeleteTranscriptsBefore removes transcripts that ended before the cutoff.
func (s *SQLiteStore) DeleteTranscriptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE ended_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired transcripts: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
