package flow

import (
	"encoding/json"
	"log/slog"

	"github.com/pestline/pestline/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// FSMReplyTool produces the templated customer-facing reply for the current
// state. Its result short-circuits the generation loop: the reply string is
// the turn's final output.
type FSMReplyTool struct{}

// NewFSMReplyTool creates the reply tool.
func NewFSMReplyTool() *FSMReplyTool {
	return &FSMReplyTool{}
}

// GetToolDefinition returns the OpenAI tool definition for get_fsm_reply.
func (t *FSMReplyTool) GetToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "get_fsm_reply",
			Description: openai.String("Get the final customer-facing reply for the conversation's current state. Call this exactly once, after any update_fsm calls, to end the turn."),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

type replyPayload struct {
	Reply string              `json:"reply"`
	FSM   models.FlowSnapshot `json:"fsm"`
}

// Execute returns the reply string along with the JSON payload handed back
// to the model. The reply is templated from the persisted state, so the
// state is reconciled first; a store failure degrades to the in-memory
// snapshot rather than blocking the turn. Templating never fails; unmapped
// states fall back to the generic rephrase prompt.
func (t *FSMReplyTool) Execute(user *UserContext) (string, string) {
	if _, err := user.CurrentState(); err != nil {
		slog.Error("FSMReplyTool.Execute: state reconciliation failed, templating from memory",
			"error", err, "phone", user.PhoneNumber())
	}
	snapshot := user.Snapshot()
	reply := ReplyForState(State(snapshot.FlowState))
	payload, err := json.Marshal(replyPayload{Reply: reply, FSM: snapshot})
	if err != nil {
		payload = []byte(`{"reply":` + jsonQuote(reply) + `}`)
	}
	slog.Debug("FSMReplyTool.Execute: reply templated",
		"phone", user.PhoneNumber(), "state", snapshot.FlowState)
	return reply, string(payload)
}

func jsonQuote(s string) string {
	quoted, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(quoted)
}
