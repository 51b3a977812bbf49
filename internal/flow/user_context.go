package flow

import (
	"fmt"
	"log/slog"

	"github.com/pestline/pestline/internal/models"
)

// StateStore is the persistence surface the flow package needs. The store
// package's backends satisfy it.
type StateStore interface {
	EnsurePhone(phone string) error
	GetFSMState(phone string) (*models.FSMStateRecord, error)
	SaveFSMState(rec models.FSMStateRecord) error
	GetRecentChatMessages(phone string, limit int) ([]models.ChatMessage, error)
}

// Intent vocabulary accepted by ChangeStateFromIntent.
var intentTriggers = map[string]Trigger{
	"yes":        TriggerReceivePositiveResponse,
	"no":         TriggerReceiveNegativeResponse,
	"stop":       TriggerUserStopped,
	"confused":   TriggerRetryConfused,
	"resume":     TriggerResumeFlow,
	"sqft_ready": TriggerGoToSqft,
	"followup":   TriggerReceiveFollowup,
	"complete":   TriggerCompleteFlow,
}

// Reply templates are sent verbatim over SMS; the exact strings are a
// contract.
var stateReplies = map[State]string{
	StateStart:         "Hey! Quick check-in—are you still seeing any pest activity?",
	StateInterested:    "Great—roughly how many square feet is the area you want serviced?",
	StateActionSqft:    "Please let me know the square footage of your property.",
	StateFollowUp:      "Thanks I've noted those details. We will reach out with a booking",
	StateDone:          "All set—thanks! We will reach out if anything is needed",
	StateNotInterested: "Thank you, no problem. Bye",
	StatePause:         "Let's pause for now. Ping me 'resume' when you're ready.",
	StateStop:          "You're opted out",
	StateConfused:      "Sorry, could you clarify?",
}

// fallbackReply covers unmapped states; templating never fails.
const fallbackReply = "I didn't catch that, mind rephrasing?"

// ReplyForState returns the customer-facing text for a state. Unknown
// states degrade to the generic fallback rather than erroring.
func ReplyForState(state State) string {
	if reply, ok := stateReplies[state]; ok {
		return reply
	}
	return fallbackReply
}

// UserContext binds one phone number's flow instance to its persisted state,
// transport metadata, and CRM fields. It is rebuilt per turn; the store is
// the source of truth between turns.
type UserContext struct {
	phoneNumber string
	fsm         *IntentionFlow
	store       StateStore

	TwilioData models.TwilioData
	UserData   models.UserData
}

// UserContextOption configures a UserContext at construction.
type UserContextOption func(*UserContext)

// WithUserData attaches CRM fields to the context.
func WithUserData(data models.UserData) UserContextOption {
	return func(uc *UserContext) { uc.UserData = data }
}

// WithTwilioData attaches transport metadata to the context.
func WithTwilioData(data models.TwilioData) UserContextOption {
	return func(uc *UserContext) { uc.TwilioData = data }
}

// NewUserContext ensures the phone's identity row exists and hydrates the
// sticky interest flag from any persisted record.
func NewUserContext(st StateStore, phoneNumber string, opts ...UserContextOption) (*UserContext, error) {
	if phoneNumber == "" {
		return nil, models.ErrEmptyPhoneNumber
	}
	uc := &UserContext{
		phoneNumber: phoneNumber,
		fsm:         NewIntentionFlow(),
		store:       st,
	}
	for _, opt := range opts {
		opt(uc)
	}

	if err := st.EnsurePhone(phoneNumber); err != nil {
		return nil, fmt.Errorf("failed to ensure phone record for %s: %w", phoneNumber, err)
	}
	rec, err := st.GetFSMState(phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state for %s: %w", phoneNumber, err)
	}
	if rec != nil && rec.WasInterested {
		uc.fsm.MarkInterested()
	}
	slog.Debug("UserContext.NewUserContext: context created",
		"phone", phoneNumber, "hasPersistedState", rec != nil)
	return uc, nil
}

// PhoneNumber returns the phone number keying this context.
func (uc *UserContext) PhoneNumber() string { return uc.phoneNumber }

// Snapshot returns the current in-memory flow snapshot.
func (uc *UserContext) Snapshot() models.FlowSnapshot { return uc.fsm.Snapshot() }

// Reply returns the templated reply for the current in-memory state.
func (uc *UserContext) Reply() string { return ReplyForState(uc.fsm.State()) }

// CurrentState reconciles the in-memory flow with the persisted record and
// returns the resulting state. The persisted state wins on divergence; the
// interest flag is sticky in both directions. When no record exists yet the
// in-memory state is persisted.
func (uc *UserContext) CurrentState() (State, error) {
	rec, err := uc.store.GetFSMState(uc.phoneNumber)
	if err != nil {
		return "", fmt.Errorf("failed to read flow state for %s: %w", uc.phoneNumber, err)
	}
	if rec == nil {
		if err := uc.persistState(); err != nil {
			return "", err
		}
		return uc.fsm.State(), nil
	}

	if rec.WasInterested {
		uc.fsm.MarkInterested()
	}
	persisted := State(rec.StateName)
	if persisted != uc.fsm.State() {
		slog.Debug("UserContext.CurrentState: adopting persisted state",
			"phone", uc.phoneNumber, "memory", string(uc.fsm.State()), "persisted", string(persisted))
		uc.fsm.SetState(persisted)
	}
	if uc.fsm.WasEverInterested() && !rec.WasInterested {
		if err := uc.persistState(); err != nil {
			return "", err
		}
	}
	return uc.fsm.State(), nil
}

// TriggerEvent fires the named trigger and persists the resulting state.
// Unknown trigger names and invalid transitions surface as their typed
// errors; nothing is persisted when firing fails.
func (uc *UserContext) TriggerEvent(trigger Trigger) error {
	if err := uc.fsm.Fire(trigger); err != nil {
		return err
	}
	if err := uc.persistState(); err != nil {
		return err
	}
	slog.Debug("UserContext.TriggerEvent: trigger applied and persisted",
		"phone", uc.phoneNumber, "trigger", string(trigger), "state", string(uc.fsm.State()))
	return nil
}

// ChangeStateFromIntent maps a fixed intent vocabulary onto triggers and
// fires the result. Unmapped intents are errors.
func (uc *UserContext) ChangeStateFromIntent(intent string) error {
	trigger, ok := intentTriggers[intent]
	if !ok {
		return fmt.Errorf("unknown intent %q", intent)
	}
	return uc.TriggerEvent(trigger)
}

func (uc *UserContext) persistState() error {
	rec := models.FSMStateRecord{
		PhoneNumber:   uc.phoneNumber,
		StateName:     string(uc.fsm.State()),
		WasInterested: uc.fsm.WasEverInterested(),
	}
	if err := uc.store.SaveFSMState(rec); err != nil {
		return fmt.Errorf("failed to persist flow state for %s: %w", uc.phoneNumber, err)
	}
	return nil
}
