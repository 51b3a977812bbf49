package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pestline/pestline/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// decodeChatMessages turns newest-first message_data payloads into
// oldest-first chat messages, skipping rows that fail to parse.
func decodeChatMessages(newestFirst []string) []models.ChatMessage {
	chats := make([]models.ChatMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		var chat models.ChatMessage
		if err := json.Unmarshal([]byte(newestFirst[i]), &chat); err != nil {
			continue
		}
		chats = append(chats, chat)
	}
	return chats
}

// scanConversationSummaries scans the conversation-listing query rows.
func scanConversationSummaries(rows *sql.Rows) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	for rows.Next() {
		var s models.ConversationSummary
		if err := rows.Scan(&s.PhoneNumber, &s.State, &s.MessageCount, &s.LastBody); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return summaries, nil
}

// scanMessages scans full conversation rows ordered by message_id.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var messageData string
		if err := rows.Scan(&m.ID, &m.PhoneNumber, &m.TwilioSID, &m.Direction, &m.Body, &m.SentAt, &messageData); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if messageData != "" {
			m.MessageData = json.RawMessage(messageData)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// marshalRunContext serializes a reach-out run's context map.
func marshalRunContext(context map[string]interface{}) (string, error) {
	if len(context) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run context: %w", err)
	}
	return string(payload), nil
}
