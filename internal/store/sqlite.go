// Package store provides storage backends for Pestline.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/pestline/pestline/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsurePhone(phone string) error {
	if phone == "" {
		return models.ErrEmptyPhoneNumber
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO phone (phone_number) VALUES (?)`, phone)
	if err != nil {
		slog.Error("SQLiteStore EnsurePhone failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to ensure phone %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) GetFSMState(phone string) (*models.FSMStateRecord, error) {
	var rec models.FSMStateRecord
	var wasInterested int
	err := s.db.QueryRow(
		`SELECT phone_number, statename, was_interested FROM fsm_state WHERE phone_number = ?`, phone,
	).Scan(&rec.PhoneNumber, &rec.StateName, &wasInterested)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFSMState not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFSMState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load flow state for %s: %w", phone, err)
	}
	rec.WasInterested = wasInterested != 0
	return &rec, nil
}

func (s *SQLiteStore) SaveFSMState(rec models.FSMStateRecord) error {
	// was_interested is sticky: the upsert never downgrades a recorded true.
	_, err := s.db.Exec(`
		INSERT INTO fsm_state (phone_number, statename, was_interested) VALUES (?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			statename = excluded.statename,
			was_interested = MAX(fsm_state.was_interested, excluded.was_interested)`,
		rec.PhoneNumber, rec.StateName, boolToInt(rec.WasInterested))
	if err != nil {
		slog.Error("SQLiteStore SaveFSMState failed", "error", err, "phone", rec.PhoneNumber)
		return fmt.Errorf("failed to save flow state for %s: %w", rec.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveFSMState succeeded", "phone", rec.PhoneNumber, "state", rec.StateName)
	return nil
}

func (s *SQLiteStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO message (phone_number, twilio_sid, direction, body, sent_at, message_data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.PhoneNumber, nilIfEmpty(msg.TwilioSID), msg.Direction, msg.Body, sentAt,
		nilIfEmpty(string(msg.MessageData)))
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "phone", msg.PhoneNumber)
		return fmt.Errorf("failed to insert message for %s: %w", msg.PhoneNumber, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT message_data FROM message
		WHERE phone_number = ? AND message_data IS NOT NULL
		ORDER BY message_id DESC LIMIT ?`, phone, limit)
	if err != nil {
		slog.Error("SQLiteStore GetRecentChatMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query chat messages for %s: %w", phone, err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Error("SQLiteStore GetRecentChatMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		raw = append(raw, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat message rows: %w", err)
	}
	return decodeChatMessages(raw), nil
}

func (s *SQLiteStore) ListConversations(query string) ([]models.ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT p.phone_number,
		       COALESCE(f.statename, ''),
		       COUNT(m.message_id),
		       COALESCE((SELECT body FROM message WHERE phone_number = p.phone_number ORDER BY message_id DESC LIMIT 1), '')
		FROM phone p
		LEFT JOIN fsm_state f ON f.phone_number = p.phone_number
		LEFT JOIN message m ON m.phone_number = p.phone_number
		WHERE ? = '' OR p.phone_number LIKE '%' || ? || '%'
		GROUP BY p.phone_number, f.statename
		ORDER BY p.phone_number`, query, query)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversationSummaries(rows)
}

func (s *SQLiteStore) GetConversation(phone string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, phone_number, COALESCE(twilio_sid, ''), COALESCE(direction, ''),
		       COALESCE(body, ''), sent_at, COALESCE(message_data, '')
		FROM message WHERE phone_number = ? ORDER BY message_id ASC`, phone)
	if err != nil {
		slog.Error("SQLiteStore GetConversation query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query conversation for %s: %w", phone, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) CountActiveConversations() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fsm_state WHERE statename != 'done'`).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountActiveConversations failed", "error", err)
		return 0, fmt.Errorf("failed to count active conversations: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CreateReachOutRun(run models.ReachOutRun) error {
	contextJSON, err := marshalRunContext(run.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO reach_out_run (run_id, started_at, context) VALUES (?, ?, ?)`,
		run.RunID, run.StartedAt, nilIfEmpty(contextJSON))
	if err != nil {
		slog.Error("SQLiteStore CreateReachOutRun failed", "error", err, "runID", run.RunID)
		return fmt.Errorf("failed to create reach-out run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishReachOutRun(run models.ReachOutRun) error {
	_, err := s.db.Exec(`
		UPDATE reach_out_run
		SET finished_at = ?, requested = ?, processed = ?, sent = ?, skipped = ?, throttled = ?, errors = ?
		WHERE run_id = ?`,
		run.FinishedAt, run.Requested, run.Processed, run.Sent, run.Skipped, run.Throttled, run.Errors, run.RunID)
	if err != nil {
		slog.Error("SQLiteStore FinishReachOutRun failed", "error", err, "runID", run.RunID)
		return fmt.Errorf("failed to finish reach-out run %s: %w", run.RunID, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
