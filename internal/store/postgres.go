// Package store provides storage backends for Pestline.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/pestline/pestline/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) EnsurePhone(phone string) error {
	if phone == "" {
		return models.ErrEmptyPhoneNumber
	}
	_, err := s.db.Exec(`INSERT INTO phone (phone_number) VALUES ($1) ON CONFLICT DO NOTHING`, phone)
	if err != nil {
		slog.Error("PostgresStore EnsurePhone failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to ensure phone %s: %w", phone, err)
	}
	return nil
}

func (s *PostgresStore) GetFSMState(phone string) (*models.FSMStateRecord, error) {
	var rec models.FSMStateRecord
	err := s.db.QueryRow(
		`SELECT phone_number, statename, was_interested FROM fsm_state WHERE phone_number = $1`, phone,
	).Scan(&rec.PhoneNumber, &rec.StateName, &rec.WasInterested)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFSMState not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFSMState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to load flow state for %s: %w", phone, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveFSMState(rec models.FSMStateRecord) error {
	// was_interested is sticky: the upsert never downgrades a recorded true.
	_, err := s.db.Exec(`
		INSERT INTO fsm_state (phone_number, statename, was_interested) VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO UPDATE SET
			statename = EXCLUDED.statename,
			was_interested = fsm_state.was_interested OR EXCLUDED.was_interested`,
		rec.PhoneNumber, rec.StateName, rec.WasInterested)
	if err != nil {
		slog.Error("PostgresStore SaveFSMState failed", "error", err, "phone", rec.PhoneNumber)
		return fmt.Errorf("failed to save flow state for %s: %w", rec.PhoneNumber, err)
	}
	slog.Debug("PostgresStore SaveFSMState succeeded", "phone", rec.PhoneNumber, "state", rec.StateName)
	return nil
}

func (s *PostgresStore) AddMessage(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO message (phone_number, twilio_sid, direction, body, sent_at, message_data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.PhoneNumber, nilIfEmpty(msg.TwilioSID), msg.Direction, msg.Body, sentAt,
		nilIfEmpty(string(msg.MessageData)))
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "phone", msg.PhoneNumber)
		return fmt.Errorf("failed to insert message for %s: %w", msg.PhoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT message_data FROM message
		WHERE phone_number = $1 AND message_data IS NOT NULL
		ORDER BY message_id DESC LIMIT $2`, phone, limit)
	if err != nil {
		slog.Error("PostgresStore GetRecentChatMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query chat messages for %s: %w", phone, err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Error("PostgresStore GetRecentChatMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		raw = append(raw, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat message rows: %w", err)
	}
	return decodeChatMessages(raw), nil
}

func (s *PostgresStore) ListConversations(query string) ([]models.ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT p.phone_number,
		       COALESCE(f.statename, ''),
		       COUNT(m.message_id),
		       COALESCE((SELECT body FROM message WHERE phone_number = p.phone_number ORDER BY message_id DESC LIMIT 1), '')
		FROM phone p
		LEFT JOIN fsm_state f ON f.phone_number = p.phone_number
		LEFT JOIN message m ON m.phone_number = p.phone_number
		WHERE $1 = '' OR p.phone_number LIKE '%' || $2 || '%'
		GROUP BY p.phone_number, f.statename
		ORDER BY p.phone_number`, query, query)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversationSummaries(rows)
}

func (s *PostgresStore) GetConversation(phone string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, phone_number, COALESCE(twilio_sid, ''), COALESCE(direction, ''),
		       COALESCE(body, ''), sent_at, COALESCE(message_data::text, '')
		FROM message WHERE phone_number = $1 ORDER BY message_id ASC`, phone)
	if err != nil {
		slog.Error("PostgresStore GetConversation query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query conversation for %s: %w", phone, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) CountActiveConversations() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fsm_state WHERE statename != 'done'`).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountActiveConversations failed", "error", err)
		return 0, fmt.Errorf("failed to count active conversations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateReachOutRun(run models.ReachOutRun) error {
	contextJSON, err := marshalRunContext(run.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO reach_out_run (run_id, started_at, context) VALUES ($1, $2, $3)`,
		run.RunID, run.StartedAt, nilIfEmpty(contextJSON))
	if err != nil {
		slog.Error("PostgresStore CreateReachOutRun failed", "error", err, "runID", run.RunID)
		return fmt.Errorf("failed to create reach-out run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PostgresStore) FinishReachOutRun(run models.ReachOutRun) error {
	_, err := s.db.Exec(`
		UPDATE reach_out_run
		SET finished_at = $1, requested = $2, processed = $3, sent = $4, skipped = $5, throttled = $6, errors = $7
		WHERE run_id = $8`,
		run.FinishedAt, run.Requested, run.Processed, run.Sent, run.Skipped, run.Throttled, run.Errors, run.RunID)
	if err != nil {
		slog.Error("PostgresStore FinishReachOutRun failed", "error", err, "runID", run.RunID)
		return fmt.Errorf("failed to finish reach-out run %s: %w", run.RunID, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
