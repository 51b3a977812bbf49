package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pestline/pestline/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// nluHint steers the model away from misreading short acknowledgements.
// Part of the get_user_context payload contract.
const nluHint = "If current_state is 'follow_up', map acknowledgements like 'ok/thanks/got it' to 'polite_ack' or 'complete_flow', not 'retry_confused'."

// UserContextTool exposes the conversation's full context snapshot to the
// language model. Read-only.
type UserContextTool struct{}

// NewUserContextTool creates the context tool.
func NewUserContextTool() *UserContextTool {
	return &UserContextTool{}
}

// GetToolDefinition returns the OpenAI tool definition for get_user_context.
func (t *UserContextTool) GetToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "get_user_context",
			Description: openai.String("Get the conversation's current state, the triggers allowed from it, and the customer's data. Call this before update_fsm."),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

type userContextPayload struct {
	CurrentState    string              `json:"current_state"`
	AllowedTriggers []string            `json:"allowed_triggers"`
	PhoneNumber     string              `json:"phone_number"`
	UserData        models.UserData     `json:"user_data"`
	TwilioData      models.TwilioData   `json:"twilio_data"`
	FSM             models.FlowSnapshot `json:"fsm"`
	NLUHint         string              `json:"nlu_hint"`
}

// Execute returns the context snapshot as JSON. Reading the current state
// reconciles against the persisted record, so the reported state is always
// the persisted truth.
func (t *UserContextTool) Execute(user *UserContext) (string, error) {
	state, err := user.CurrentState()
	if err != nil {
		slog.Error("UserContextTool.Execute: failed to resolve current state",
			"error", err, "phone", user.PhoneNumber())
		return "", fmt.Errorf("failed to resolve current state: %w", err)
	}
	payload, err := json.Marshal(userContextPayload{
		CurrentState:    string(state),
		AllowedTriggers: AllowedTriggerNames(state),
		PhoneNumber:     user.PhoneNumber(),
		UserData:        user.UserData,
		TwilioData:      user.TwilioData,
		FSM:             user.Snapshot(),
		NLUHint:         nluHint,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal user context: %w", err)
	}
	slog.Debug("UserContextTool.Execute: context returned",
		"phone", user.PhoneNumber(), "state", string(state))
	return string(payload), nil
}
