// Package reachout implements bulk re-engagement runs: sending the opening
// message of the sales flow to a batch of lapsed customers.
package reachout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/messaging"
	"github.com/pestline/pestline/internal/models"
	"github.com/pestline/pestline/internal/util"
)

// Defaults for the active-conversation throttle.
const (
	DefaultMaxActive = 500
	DefaultThrottle  = true
)

// phoneKeys are the recipient-row keys checked, in order, for a phone number.
var phoneKeys = []string{"phone_number", "phone", "mobile"}

// Store is the persistence surface a bulk run needs. The store package's
// backends satisfy it.
type Store interface {
	EnsurePhone(phone string) error
	GetFSMState(phone string) (*models.FSMStateRecord, error)
	SaveFSMState(rec models.FSMStateRecord) error
	GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error)
	AddMessage(msg models.Message) error
	CountActiveConversations() (int, error)
	CreateReachOutRun(run models.ReachOutRun) error
	FinishReachOutRun(run models.ReachOutRun) error
}

// Opts holds configuration options for the reach-out service.
type Opts struct {
	MaxActive int
	Throttle  bool
}

// Option defines a configuration option for the reach-out service.
type Option func(*Opts)

// WithMaxActive sets the active-conversation ceiling for throttling.
func WithMaxActive(n int) Option {
	return func(o *Opts) { o.MaxActive = n }
}

// WithThrottle enables or disables the throttle.
func WithThrottle(enabled bool) Option {
	return func(o *Opts) { o.Throttle = enabled }
}

// Service runs bulk re-engagement sends over the messaging service.
type Service struct {
	store      Store
	msgService messaging.Service
	maxActive  int
	throttle   bool
}

// NewService creates a reach-out service. Options not set explicitly fall
// back to REACH_OUT_MAX_ACTIVE and REACH_OUT_THROTTLE.
func NewService(st Store, msgService messaging.Service, opts ...Option) *Service {
	cfg := Opts{
		MaxActive: util.ParseIntEnv("REACH_OUT_MAX_ACTIVE", DefaultMaxActive),
		Throttle:  util.ParseBoolEnv("REACH_OUT_THROTTLE", DefaultThrottle),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("ReachOut.NewService: service created", "maxActive", cfg.MaxActive, "throttle", cfg.Throttle)
	return &Service{
		store:      st,
		msgService: msgService,
		maxActive:  cfg.MaxActive,
		throttle:   cfg.Throttle,
	}
}

// SendBulk sends the opening message to each recipient row and returns the
// run's aggregate counts. Rows without a usable phone number are skipped;
// send failures count as errors; rows passed over by the throttle count as
// throttled. The run record is persisted before and after processing.
func (s *Service) SendBulk(ctx context.Context, recipients []map[string]interface{}, template string) (models.ReachOutRun, error) {
	run := models.ReachOutRun{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Requested: len(recipients),
		Context: map[string]interface{}{
			"template_set": template != "",
		},
	}
	if err := s.store.CreateReachOutRun(run); err != nil {
		return run, fmt.Errorf("failed to create reach-out run: %w", err)
	}
	slog.Info("ReachOut.SendBulk: run started", "runID", run.RunID, "requested", run.Requested)

	for _, recipient := range recipients {
		if err := ctx.Err(); err != nil {
			slog.Warn("ReachOut.SendBulk: run cancelled", "runID", run.RunID, "error", err)
			break
		}
		run.Processed++
		s.processRecipient(ctx, &run, recipient, template)
	}

	run.FinishedAt = time.Now().UTC()
	if err := s.store.FinishReachOutRun(run); err != nil {
		return run, fmt.Errorf("failed to finish reach-out run: %w", err)
	}
	slog.Info("ReachOut.SendBulk: run finished", "runID", run.RunID,
		"sent", run.Sent, "skipped", run.Skipped, "throttled", run.Throttled, "errors", run.Errors)
	return run, nil
}

func (s *Service) processRecipient(ctx context.Context, run *models.ReachOutRun, recipient map[string]interface{}, template string) {
	phone := extractPhone(recipient)
	if phone == "" {
		slog.Warn("ReachOut: recipient has no phone number", "runID", run.RunID)
		run.Skipped++
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		slog.Warn("ReachOut: invalid recipient phone", "runID", run.RunID, "phone", phone, "error", err)
		run.Skipped++
		return
	}

	// The throttle is re-checked per row so a long run reacts to
	// conversations opened while it is in flight.
	if s.throttle {
		active, err := s.store.CountActiveConversations()
		if err != nil {
			slog.Error("ReachOut: throttle check failed", "runID", run.RunID, "error", err)
			run.Errors++
			return
		}
		if active >= s.maxActive {
			slog.Info("ReachOut: throttled", "runID", run.RunID, "phone", canonical, "active", active, "maxActive", s.maxActive)
			run.Throttled++
			return
		}
	}

	user, err := flow.NewUserContext(s.store, canonical, flow.WithUserData(userDataFromRecipient(recipient)))
	if err != nil {
		slog.Error("ReachOut: failed to build user context", "runID", run.RunID, "phone", canonical, "error", err)
		run.Errors++
		return
	}
	// Persist the opening state before the send so an inbound reply that
	// races the provider callback still finds a conversation.
	state, err := user.CurrentState()
	if err != nil {
		slog.Error("ReachOut: failed to persist initial state", "runID", run.RunID, "phone", canonical, "error", err)
		run.Errors++
		return
	}

	body := template
	if body == "" {
		body = flow.ReplyForState(state)
	} else {
		body = formatTemplate(body, recipient)
	}

	sid, err := s.msgService.SendMessage(ctx, canonical, body)
	if err != nil {
		slog.Error("ReachOut: send failed", "runID", run.RunID, "phone", canonical, "error", err)
		run.Errors++
		return
	}
	s.logOutbound(canonical, sid, body)
	run.Sent++
}

// logOutbound persists the opening message; failures are logged only.
func (s *Service) logOutbound(phone, sid, body string) {
	chatData, err := json.Marshal(models.ChatMessage{Role: "assistant", Content: body})
	if err != nil {
		chatData = nil
	}
	msg := models.Message{
		PhoneNumber: phone,
		TwilioSID:   sid,
		Direction:   models.MessageDirectionOutbound,
		Body:        body,
		SentAt:      time.Now().UTC(),
		MessageData: chatData,
	}
	if err := s.store.AddMessage(msg); err != nil {
		slog.Error("ReachOut: failed to persist outbound message", "error", err, "phone", phone)
	}
}

// extractPhone returns the first non-empty phone-ish value in the row.
func extractPhone(recipient map[string]interface{}) string {
	for _, key := range phoneKeys {
		if v, ok := recipient[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// userDataFromRecipient maps known CRM columns onto UserData.
func userDataFromRecipient(recipient map[string]interface{}) models.UserData {
	var data models.UserData
	if v, ok := recipient["name"].(string); ok {
		data.Name = v
	}
	if v, ok := recipient["last_service"].(string); ok {
		data.LastService = v
	}
	switch v := recipient["days_since_cancelled"].(type) {
	case float64:
		data.DaysSinceCancelled = int(v)
	case int:
		data.DaysSinceCancelled = v
	}
	if vs, ok := recipient["previous_services"].([]interface{}); ok {
		for _, item := range vs {
			if s, ok := item.(string); ok {
				data.PreviousServices = append(data.PreviousServices, s)
			}
		}
	}
	return data
}

// formatTemplate substitutes {key} placeholders with the recipient row's
// string values. Unknown placeholders are left as-is.
func formatTemplate(template string, recipient map[string]interface{}) string {
	out := template
	for key, value := range recipient {
		placeholder := "{" + key + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", value))
	}
	return out
}
