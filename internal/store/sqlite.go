package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrJobFinished is returned when a terminal status write hits a job that is
// already terminal (or missing). Terminal statuses are written exactly once.
var ErrJobFinished = errors.New("job already finished or not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers while job goroutines append messages.
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		instruction TEXT NOT NULL,
		backend TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at) WHERE finished_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subtype TEXT,
		session_id TEXT,
		content TEXT,
		model TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_job ON messages(job_id, id);
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

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
	INSERT INTO jobs (job_id, target_id, owner_id, instruction, backend, status, session_id, attempts, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var sessionID interface{}
	if job.SessionID != "" {
		sessionID = job.SessionID
	}

	_, err := s.db.ExecContext(ctx, query,
		job.JobID, job.TargetID, job.OwnerID, job.Instruction, job.Backend,
		string(job.Status), sessionID, job.Attempts, job.Error,
		job.CreatedAt.Unix(), job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, target_id, owner_id, instruction, backend, status,
		       session_id, attempts, error, created_at, updated_at, finished_at
		FROM jobs WHERE job_id = ?`

	row := s.db.QueryRowContext(ctx, query, jobID)

	var job domain.Job
	var status string
	var sessionID, errMsg sql.NullString
	var createdAt, updatedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&job.JobID, &job.TargetID, &job.OwnerID, &job.Instruction, &job.Backend,
		&status, &sessionID, &job.Attempts, &errMsg,
		&createdAt, &updatedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	job.Status = domain.JobStatus(status)
	job.SessionID = sessionID.String
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		job.FinishedAt = &t
	}

	return &job, nil
}

// UpdateJobSession records the latest backend session token.
func (s *SQLiteStore) UpdateJobSession(ctx context.Context, jobID, sessionID string) error {
	query := `UPDATE jobs SET session_id = ?, updated_at = ? WHERE job_id = ?`
	result, err := s.db.ExecContext(ctx, query, sessionID, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("update job session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateJobSession affected 0 rows", "job_id", jobID)
	}
	return nil
}

// FinishJob writes the terminal status. The status guard makes the write
// first-wins: a job that is already COMPLETED or ERROR is never overwritten.
func (s *SQLiteStore) FinishJob(ctx context.Context, jobID string, status domain.JobStatus, errMsg string, attempts int) error {
	now := time.Now().Unix()
	query := `
		UPDATE jobs SET status = ?, error = ?, attempts = ?, updated_at = ?, finished_at = ?
		WHERE job_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status), errMsg, attempts, now, now, jobID, string(domain.JobProcessing))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("finish job %s: %w", jobID, ErrJobFinished)
	}
	return nil
}

// AppendMessage appends one protocol message to the job's log. Retries with
// exponential backoff on SQLITE_BUSY since multiple job goroutines append
// concurrently.
func (s *SQLiteStore) AppendMessage(ctx context.Context, jobID string, msg *protocol.Message) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.appendMessageOnce(ctx, jobID, msg)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("AppendMessage hit SQLITE_BUSY, retrying",
			"job_id", jobID, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("append message for job %s: %w", jobID, err)
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, jobID string, msg *protocol.Message) error {
	query := `
	INSERT INTO messages (job_id, kind, subtype, session_id, content, model, is_error,
		duration_ms, num_turns, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var inTok, outTok, ccTok, crTok int
	if msg.Usage != nil {
		inTok = msg.Usage.InputTokens
		outTok = msg.Usage.OutputTokens
		ccTok = msg.Usage.CacheCreationInputTokens
		crTok = msg.Usage.CacheReadInputTokens
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		jobID, string(msg.Kind), msg.Subtype, msg.SessionID, msg.Content, msg.Model,
		msg.IsError, msg.DurationMs, msg.NumTurns, inTok, outTok, ccTok, crTok, ts.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a job's messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, jobID string) ([]*protocol.Message, error) {
	query := `
		SELECT kind, subtype, session_id, content, model, is_error,
		       duration_ms, num_turns, input_tokens, output_tokens,
		       cache_creation_tokens, cache_read_tokens, created_at
		FROM messages WHERE job_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*protocol.Message
	for rows.Next() {
		var m protocol.Message
		var kind string
		var subtype, sessionID, content, model sql.NullString
		var u protocol.Usage
		var createdAt int64

		if err := rows.Scan(
			&kind, &subtype, &sessionID, &content, &model, &m.IsError,
			&m.DurationMs, &m.NumTurns, &u.InputTokens, &u.OutputTokens,
			&u.CacheCreationInputTokens, &u.CacheReadInputTokens, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Kind = protocol.Kind(kind)
		m.Subtype = subtype.String
		m.SessionID = sessionID.String
		m.Content = content.String
		m.Model = model.String
		m.Timestamp = time.Unix(createdAt, 0)
		if u.Total() > 0 {
			m.Usage = &u
		}
		msgs = append(msgs, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CleanupFinishedJobs removes terminal jobs older than the given age.
func (s *SQLiteStore) CleanupFinishedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE job_id IN (SELECT job_id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?)`,
		threshold); err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
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

// isBusy reports whether the error is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked") that warrants a retry.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
