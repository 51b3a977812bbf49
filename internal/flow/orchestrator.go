package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pestline/pestline/internal/genai"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// maxToolRounds bounds the generation loop to prevent infinite tool call cycles.
const maxToolRounds = 10

// DefaultReadbackLimit is the number of prior chat turns replayed into the
// generation context.
const DefaultReadbackLimit = 15

// defaultBasePrompt is the system instruction for the generation service.
const defaultBasePrompt = `You are an SMS assistant for a pest control company re-engaging past customers.
You never write the customer-facing reply yourself. For every incoming message:
1. Call get_user_context to see the conversation state and the allowed triggers.
2. Classify the customer's message and call update_fsm with the best trigger.
3. Call get_fsm_reply to produce the reply.
If update_fsm reports the transition was not applied, re-read the allowed triggers and retry with a valid one before asking for the reply.`

// Orchestrator mediates between stored conversation history and the
// tool-calling generation service so that every outbound reply is sourced
// from the state machine's template for the persisted post-transition state.
type Orchestrator struct {
	client        genai.ClientInterface
	store         StateStore
	contextTool   *UserContextTool
	updateTool    *FSMUpdateTool
	replyTool     *FSMReplyTool
	readbackLimit int
	basePrompt    string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithReadbackLimit overrides how many prior turns are replayed.
func WithReadbackLimit(limit int) OrchestratorOption {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.readbackLimit = limit
		}
	}
}

// WithBasePrompt overrides the system instruction.
func WithBasePrompt(prompt string) OrchestratorOption {
	return func(o *Orchestrator) {
		if prompt != "" {
			o.basePrompt = prompt
		}
	}
}

// NewOrchestrator creates the generation loop driver.
func NewOrchestrator(client genai.ClientInterface, st StateStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		store:         st,
		contextTool:   NewUserContextTool(),
		updateTool:    NewFSMUpdateTool(),
		replyTool:     NewFSMReplyTool(),
		readbackLimit: DefaultReadbackLimit,
		basePrompt:    defaultBasePrompt,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type updateFSMArgs struct {
	EventName string                 `json:"event_name"`
	Kwargs    map[string]interface{} `json:"kwargs"`
}

type toolErrorPayload struct {
	Error string `json:"error"`
	Tool  string `json:"tool,omitempty"`
}

// GenerateResponse runs the full tool loop for one inbound message and
// returns the outbound reply. The reply always comes from the state
// machine's templates: either through the get_fsm_reply short-circuit or
// the fallback when the model violates the protocol. Generation-service
// failures surface as *genai.ServiceError; persisting the exchanged
// messages is the caller's responsibility.
func (o *Orchestrator) GenerateResponse(ctx context.Context, user *UserContext, userInput string) (string, error) {
	slog.Debug("Orchestrator.GenerateResponse: turn started",
		"phone", user.PhoneNumber(), "inputLength", len(userInput))

	messages, err := o.buildMessages(user, userInput)
	if err != nil {
		return "", err
	}
	tools := []openai.ChatCompletionToolParam{
		o.contextTool.GetToolDefinition(),
		o.updateTool.GetToolDefinition(),
		o.replyTool.GetToolDefinition(),
	}

	// The first call must use a tool; plain text with no context read is
	// never acceptable.
	choice := genai.ToolChoiceRequired
	forceToolNext := false

	for round := 0; round < maxToolRounds; round++ {
		response, err := o.client.GenerateWithTools(ctx, messages, tools, choice)
		if err != nil {
			slog.Error("Orchestrator.GenerateResponse: generation call failed",
				"error", err, "phone", user.PhoneNumber(), "round", round)
			return "", err
		}

		if len(response.ToolCalls) == 0 {
			if forceToolNext {
				slog.Warn("Orchestrator.GenerateResponse: forcing tool round after rejected update",
					"phone", user.PhoneNumber(), "round", round)
				forceToolNext = false
				choice = genai.ToolChoiceRequired
				continue
			}
			// Protocol violation: the model tried to answer in free text.
			// Degrade to the deterministic template for the current state.
			slog.Warn("Orchestrator.GenerateResponse: no tool calls, falling back to templated reply",
				"phone", user.PhoneNumber(), "round", round)
			reply, _ := o.replyTool.Execute(user)
			return reply, nil
		}

		messages = append(messages, assistantMessageWithToolCalls(response))
		forceToolNext = false

		shortCircuitReply := ""
		for _, toolCall := range response.ToolCalls {
			result := o.executeToolCall(user, toolCall, &forceToolNext, &shortCircuitReply)
			messages = append(messages, openai.ToolMessage(result, toolCall.ID))
			if shortCircuitReply != "" {
				slog.Info("Orchestrator.GenerateResponse: reply short-circuit",
					"phone", user.PhoneNumber(), "round", round)
				return shortCircuitReply, nil
			}
		}

		if forceToolNext {
			choice = genai.ToolChoiceRequired
		} else {
			choice = genai.ToolChoiceAuto
		}
	}

	slog.Warn("Orchestrator.GenerateResponse: tool rounds exhausted, falling back to templated reply",
		"phone", user.PhoneNumber(), "maxRounds", maxToolRounds)
	reply, _ := o.replyTool.Execute(user)
	return reply, nil
}

// executeToolCall dispatches one tool call and returns its result payload.
// Unknown tools and malformed arguments become structured error payloads so
// the loop stays alive.
func (o *Orchestrator) executeToolCall(user *UserContext, toolCall genai.ToolCall, forceToolNext *bool, shortCircuitReply *string) string {
	slog.Debug("Orchestrator.executeToolCall: executing tool",
		"phone", user.PhoneNumber(), "tool", toolCall.Function.Name, "toolCallID", toolCall.ID)

	switch toolCall.Function.Name {
	case "get_user_context":
		payload, err := o.contextTool.Execute(user)
		if err != nil {
			return marshalToolError(fmt.Sprintf("failed to read user context: %v", err), toolCall.Function.Name)
		}
		return payload

	case "update_fsm":
		var args updateFSMArgs
		if len(toolCall.Function.Arguments) > 0 {
			if err := json.Unmarshal(toolCall.Function.Arguments, &args); err != nil {
				slog.Warn("Orchestrator.executeToolCall: malformed update_fsm arguments",
					"error", err, "phone", user.PhoneNumber(), "arguments", string(toolCall.Function.Arguments))
				*forceToolNext = true
				return marshalToolError(fmt.Sprintf("malformed tool arguments: %v", err), toolCall.Function.Name)
			}
		}
		if args.EventName == "" {
			*forceToolNext = true
			return marshalToolError("event_name is required", toolCall.Function.Name)
		}
		result, applied := o.updateTool.Execute(user, args.EventName, args.Kwargs)
		if !applied {
			// A rejected or no-op transition must be followed by another
			// tool round, never by free text.
			*forceToolNext = true
		}
		return result

	case "get_fsm_reply":
		reply, payload := o.replyTool.Execute(user)
		*shortCircuitReply = reply
		return payload

	default:
		slog.Warn("Orchestrator.executeToolCall: unknown tool requested",
			"tool", toolCall.Function.Name, "phone", user.PhoneNumber())
		return marshalToolError("unknown tool", toolCall.Function.Name)
	}
}

// buildMessages assembles the system prompt, the readback window, and the
// new user input.
func (o *Orchestrator) buildMessages(user *UserContext, userInput string) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(o.basePrompt),
	}

	history, err := o.store.GetRecentChatMessages(user.PhoneNumber(), o.readbackLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history for %s: %w", user.PhoneNumber(), err)
	}
	for _, msg := range history {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			// Tool and system records are not replayed.
		}
	}

	messages = append(messages, openai.UserMessage(userInput))
	slog.Debug("Orchestrator.buildMessages: context assembled",
		"phone", user.PhoneNumber(), "historyMessages", len(history), "totalMessages", len(messages))
	return messages, nil
}

func assistantMessageWithToolCalls(response *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, toolCall := range response.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   toolCall.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      toolCall.Function.Name,
				Arguments: string(toolCall.Function.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(response.Content),
		},
		ToolCalls: toolCalls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func marshalToolError(message, tool string) string {
	payload, err := json.Marshal(toolErrorPayload{Error: message, Tool: tool})
	if err != nil {
		return `{"error":"internal tool error"}`
	}
	return string(payload)
}
