package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pestline/pestline/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Transition result reason strings, part of the wire contract.
const (
	ReasonInvalidTrigger  = "invalid_trigger_for_state"
	ReasonNoStateChange   = "no_state_change"
	ReasonMachineError    = "machine_error"
	ReasonUnexpectedError = "unexpected_error"
)

// FSMUpdateTool is the transactional boundary for model-requested
// transitions. It validates, coerces, fires, and reports the outcome of a
// single attempt; it never returns an error and never leaves partial
// mutation behind a rejection.
type FSMUpdateTool struct{}

// NewFSMUpdateTool creates the update tool.
func NewFSMUpdateTool() *FSMUpdateTool {
	return &FSMUpdateTool{}
}

// GetToolDefinition returns the OpenAI tool definition for update_fsm.
func (t *FSMUpdateTool) GetToolDefinition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        "update_fsm",
			Description: openai.String("Apply a state machine trigger for the current conversation. Always call get_user_context first to see the allowed triggers. Returns a structured result describing whether the transition applied."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"event_name": map[string]interface{}{
						"type": "string",
						"enum": []string{
							string(TriggerReceivePositiveResponse),
							string(TriggerGoToSqft),
							string(TriggerReceiveFollowup),
							string(TriggerCompleteFlow),
							string(TriggerReceiveNegativeResponse),
							string(TriggerUserStopped),
							string(TriggerRetryConfused),
							string(TriggerPauseFlow),
							string(TriggerResumeFlow),
							string(TriggerPoliteAck),
						},
						"description": "The trigger to fire",
					},
					"kwargs": map[string]interface{}{
						"type":        "object",
						"description": "Optional keyword arguments for the transition",
					},
				},
				"required": []string{"event_name"},
			},
		},
	}
}

// Execute runs one transition attempt and returns the result as JSON along
// with whether the transition applied. All failure modes are converted into
// structured results; the returned payload is always valid JSON.
func (t *FSMUpdateTool) Execute(user *UserContext, eventName string, kwargs map[string]interface{}) (string, bool) {
	slog.Debug("FSMUpdateTool.Execute: update attempt",
		"phone", user.PhoneNumber(), "eventRequested", eventName, "kwargs", kwargs)

	stateBefore, err := user.CurrentState()
	if err != nil {
		slog.Error("FSMUpdateTool.Execute: failed to resolve current state",
			"error", err, "phone", user.PhoneNumber())
		return marshalResult(models.TransitionFailure{
			Reason:          ReasonUnexpectedError,
			Error:           fmt.Sprintf("%T: %v", err, err),
			Event:           eventName,
			FromState:       string(user.Snapshot().FlowState),
			ToState:         string(user.Snapshot().FlowState),
			AllowedTriggers: AllowedTriggerNames(State(user.Snapshot().FlowState)),
			FSM:             user.Snapshot(),
		}), false
	}
	snapshotBefore := user.Snapshot()

	finalTrigger, coercion := CoerceEvent(stateBefore, Trigger(eventName))
	if coercion.Kind != CoercionNone {
		slog.Debug("FSMUpdateTool.Execute: event coerced",
			"phone", user.PhoneNumber(), "requested", eventName,
			"final", string(finalTrigger), "reason", coercion.Reason)
	}

	allowed := AllowedTriggerNames(stateBefore)

	refused := coercion.Kind == CoercionRefuse
	if !refused && len(allowed) > 0 && !containsName(allowed, string(finalTrigger)) {
		refused = true
	}
	if refused {
		slog.Warn("FSMUpdateTool.Execute: transition rejected",
			"phone", user.PhoneNumber(), "eventRequested", eventName,
			"final", string(finalTrigger), "state", string(stateBefore),
			"coercion", coercion.Reason)
		return marshalResult(models.TransitionRejection{
			Applied:         false,
			Reason:          ReasonInvalidTrigger,
			Coercion:        coercionReason(coercion),
			EventRequested:  eventName,
			EventFired:      nil,
			StateBefore:     string(stateBefore),
			StateAfter:      string(stateBefore),
			AllowedTriggers: allowed,
			FSM:             snapshotBefore,
		}), false
	}

	if err := user.TriggerEvent(finalTrigger); err != nil {
		var invalid *InvalidTransitionError
		reason := ReasonUnexpectedError
		errText := fmt.Sprintf("%T: %v", err, err)
		if errors.As(err, &invalid) {
			reason = ReasonMachineError
			errText = err.Error()
		}
		slog.Error("FSMUpdateTool.Execute: transition failed",
			"error", err, "phone", user.PhoneNumber(),
			"event", string(finalTrigger), "state", string(stateBefore), "reason", reason)
		return marshalResult(models.TransitionFailure{
			Applied:         false,
			Reason:          reason,
			Error:           errText,
			Event:           string(finalTrigger),
			FromState:       string(stateBefore),
			ToState:         string(stateBefore),
			AllowedTriggers: allowed,
			FSM:             snapshotBefore,
		}), false
	}

	snapshotAfter := user.Snapshot()
	stateAfter := State(snapshotAfter.FlowState)
	changed := stateAfter != stateBefore

	outcome := models.TransitionOutcome{
		Applied:         changed,
		Coercion:        coercionReason(coercion),
		Event:           string(finalTrigger),
		FromState:       string(stateBefore),
		ToState:         string(stateAfter),
		AllowedTriggers: AllowedTriggerNames(stateAfter),
		FSM:             snapshotAfter,
	}
	if !changed {
		reason := ReasonNoStateChange
		outcome.Reason = &reason
		slog.Warn("FSMUpdateTool.Execute: trigger fired without state change",
			"phone", user.PhoneNumber(), "event", string(finalTrigger), "state", string(stateBefore))
	} else {
		slog.Info("FSMUpdateTool.Execute: transition applied",
			"phone", user.PhoneNumber(), "event", string(finalTrigger),
			"from", string(stateBefore), "to", string(stateAfter))
	}
	return marshalResult(outcome), changed
}

func coercionReason(c Coercion) *string {
	if c.Kind == CoercionNone {
		return nil
	}
	reason := c.Reason
	return &reason
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func marshalResult(result interface{}) string {
	payload, err := json.Marshal(result)
	if err != nil {
		// Result shapes contain only marshalable fields; this path exists to
		// honor the never-fails contract.
		return fmt.Sprintf(`{"applied":false,"reason":%q,"error":%q}`, ReasonUnexpectedError, err.Error())
	}
	return string(payload)
}
