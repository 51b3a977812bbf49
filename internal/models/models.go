// Package models defines the core data structures for Pestline.
//
// It includes the flow snapshot and transition result shapes exchanged with
// the language model, the persisted conversation records, and the messaging
// event types shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Message direction values for persisted conversation rows.
const (
	MessageDirectionInbound  = "inbound"
	MessageDirectionOutbound = "outbound"
)

// MessageStatusSent is the receipt status emitted after a successful send.
const MessageStatusSent = "sent"

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for an SMS body
	MaxMessageBodyLength = 1600
	// MaxPhoneNumberLength matches the persisted phone column width
	MaxPhoneNumberLength = 15
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhoneNumber  = errors.New("phone number cannot be empty")
	ErrPhoneNumberTooLong = errors.New("phone number exceeds maximum length")
	ErrEmptyBody         = errors.New("message body cannot be empty")
	ErrBodyTooLong       = errors.New("message body exceeds maximum length")
	ErrInvalidDirection  = errors.New("direction must be inbound or outbound")
)

// FlowSnapshot is the read-only view of one conversation's flow instance.
// Field names are a wire contract with the language model tools.
type FlowSnapshot struct {
	FlowState         string `json:"flow_state"`
	ConfusedCount     int    `json:"confused_count"`
	WasEverInterested bool   `json:"was_ever_interested"`
}

// TransitionRejection reports a transition attempt refused before firing.
// Coercion is null when no coercion rule matched; EventFired is always null.
type TransitionRejection struct {
	Applied         bool         `json:"applied"`
	Reason          string       `json:"reason"`
	Coercion        *string      `json:"coercion"`
	EventRequested  string       `json:"event_requested"`
	EventFired      *string      `json:"event_fired"`
	StateBefore     string       `json:"state_before"`
	StateAfter      string       `json:"state_after"`
	AllowedTriggers []string     `json:"allowed_triggers"`
	FSM             FlowSnapshot `json:"fsm"`
}

// TransitionOutcome reports a fired transition. Applied is false with
// Reason "no_state_change" when the trigger fired but the state kept still
// (a guard no-oped). Coercion is present only when a rule rewrote the event.
type TransitionOutcome struct {
	Applied         bool         `json:"applied"`
	Reason          *string      `json:"reason"`
	Coercion        *string      `json:"coercion,omitempty"`
	Event           string       `json:"event"`
	FromState       string       `json:"from_state"`
	ToState         string       `json:"to_state"`
	AllowedTriggers []string     `json:"allowed_triggers"`
	FSM             FlowSnapshot `json:"fsm"`
}

// TransitionFailure reports an error raised while firing. Reason is
// "machine_error" for transition-level rejections and "unexpected_error"
// for anything else; the state is guaranteed unchanged.
type TransitionFailure struct {
	Applied         bool         `json:"applied"`
	Reason          string       `json:"reason"`
	Error           string       `json:"error"`
	Event           string       `json:"event"`
	FromState       string       `json:"from_state"`
	ToState         string       `json:"to_state"`
	AllowedTriggers []string     `json:"allowed_triggers"`
	FSM             FlowSnapshot `json:"fsm"`
}

// ChatMessage is one generation-context turn persisted alongside a message
// row and replayed into the readback window.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserData carries the CRM fields attached to a conversation.
type UserData struct {
	Name               string   `json:"name,omitempty"`
	PreviousServices   []string `json:"previous_services,omitempty"`
	DaysSinceCancelled int      `json:"days_since_cancelled,omitempty"`
	LastService        string   `json:"last_service,omitempty"`
}

// TwilioData carries per-conversation transport metadata.
type TwilioData struct {
	LastSID     string `json:"last_sid,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
}

// FSMStateRecord is the persisted flow state row keyed by phone number.
type FSMStateRecord struct {
	PhoneNumber   string
	StateName     string
	WasInterested bool
}

// Message is one persisted conversation row. MessageData holds the raw
// chat-message JSON replayed into the readback window; it is empty for rows
// that only record transport traffic.
type Message struct {
	ID          int64           `json:"id"`
	PhoneNumber string          `json:"phone_number"`
	TwilioSID   string          `json:"twilio_sid,omitempty"`
	Direction   string          `json:"direction"`
	Body        string          `json:"body"`
	SentAt      time.Time       `json:"sent_at"`
	MessageData json.RawMessage `json:"message_data,omitempty"`
}

// Validate performs validation on a Message before persistence.
func (m *Message) Validate() error {
	if m.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if len(m.PhoneNumber) > MaxPhoneNumberLength {
		return ErrPhoneNumberTooLong
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if m.Direction != MessageDirectionInbound && m.Direction != MessageDirectionOutbound {
		return ErrInvalidDirection
	}
	return nil
}

// Receipt represents a sent-message delivery event.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// Response represents an incoming message from a participant.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	TwilioSID string `json:"twilio_sid,omitempty"`
	Time      int64  `json:"time"`
}

// ReachOutRun aggregates the bookkeeping for one bulk re-engagement run.
type ReachOutRun struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitzero"`
	Requested  int                    `json:"requested"`
	Processed  int                    `json:"processed"`
	Sent       int                    `json:"sent"`
	Skipped    int                    `json:"skipped"`
	Throttled  int                    `json:"throttled"`
	Errors     int                    `json:"errors"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// ConversationSummary is one row of the admin conversation listing.
type ConversationSummary struct {
	PhoneNumber  string `json:"phone_number"`
	State        string `json:"state"`
	MessageCount int    `json:"message_count"`
	LastBody     string `json:"last_body,omitempty"`
}

// API response envelope for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API operation.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API operation.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
