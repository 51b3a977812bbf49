// Package flow implements the intention flow state machine that tracks a
// customer's position in the re-engagement pipeline, the event coercion and
// validation protocol between the language model and the machine, and the
// generation loop that turns inbound texts into templated replies.
package flow

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/pestline/pestline/internal/models"
)

// State identifies one position in the intention flow.
type State string

const (
	StateStart         State = "start"
	StateInterested    State = "interested"
	StateActionSqft    State = "action_sqft"
	StateConfused      State = "confused"
	StateNotInterested State = "not_interested"
	StateFollowUp      State = "follow_up"
	StatePause         State = "pause"
	StateStop          State = "stop"
	StateDone          State = "done"
)

// Trigger identifies one explicitly defined event. Convenience triggers
// (such as direct jumps to a state) are never part of this set.
type Trigger string

const (
	TriggerReceivePositiveResponse Trigger = "receive_positive_response"
	TriggerGoToSqft                Trigger = "go_to_sqft"
	TriggerReceiveFollowup         Trigger = "receive_followup"
	TriggerCompleteFlow            Trigger = "complete_flow"
	TriggerReceiveNegativeResponse Trigger = "receive_negative_response"
	TriggerUserStopped             Trigger = "user_stopped"
	TriggerRetryConfused           Trigger = "retry_confused"
	TriggerPauseFlow               Trigger = "pause_flow"
	TriggerResumeFlow              Trigger = "resume_flow"
	TriggerPoliteAck               Trigger = "polite_ack"
)

// maxConfusedBeforePause is the confusion count at which the flow pauses.
const maxConfusedBeforePause = 3

// transition is one row of the static transition table. A nil sources slice
// means the trigger fires from any state. followUps lets a transition name
// further triggers to fire after it lands, keeping the cascade statically
// enumerable instead of one transition calling another from inside a hook.
type transition struct {
	trigger   Trigger
	sources   []State
	dest      State
	guard     func(*IntentionFlow) bool
	after     func(*IntentionFlow)
	followUps func(*IntentionFlow) []Trigger
}

var transitionTable = []transition{
	{trigger: TriggerReceivePositiveResponse, sources: []State{StateStart, StateConfused, StatePause}, dest: StateInterested},
	{trigger: TriggerGoToSqft, sources: []State{StateInterested, StateStart, StateConfused}, dest: StateActionSqft},
	{trigger: TriggerReceiveFollowup, sources: []State{StateActionSqft, StateInterested}, dest: StateFollowUp},
	{trigger: TriggerCompleteFlow, sources: []State{StateFollowUp}, dest: StateDone},
	{trigger: TriggerReceiveNegativeResponse, dest: StateNotInterested},
	{trigger: TriggerUserStopped, dest: StateStop},
	{trigger: TriggerRetryConfused, dest: StateConfused, after: incrementConfused, followUps: pauseWhenSaturated},
	{trigger: TriggerPauseFlow, sources: []State{StateConfused}, dest: StatePause, guard: confusedSaturated},
	{trigger: TriggerResumeFlow, sources: []State{StatePause}, dest: StateStart},
	{trigger: TriggerPoliteAck, sources: []State{StateFollowUp}, dest: StateDone},
}

// enterHooks run when a transition lands in the keyed state.
var enterHooks = map[State]func(*IntentionFlow){
	StateInterested: markInterested,
	StateActionSqft: markInterested,
}

func markInterested(f *IntentionFlow)    { f.wasEverInterested = true }
func incrementConfused(f *IntentionFlow) { f.confusedCount++ }

func confusedSaturated(f *IntentionFlow) bool {
	return f.confusedCount >= maxConfusedBeforePause
}

func pauseWhenSaturated(f *IntentionFlow) []Trigger {
	if f.confusedCount >= maxConfusedBeforePause {
		return []Trigger{TriggerPauseFlow}
	}
	return nil
}

// UnknownTriggerError reports a trigger name not present in the table at
// all. It indicates a wiring bug in the caller, not bad runtime input.
type UnknownTriggerError struct {
	Trigger Trigger
}

func (e *UnknownTriggerError) Error() string {
	return fmt.Sprintf("unknown trigger %q", string(e.Trigger))
}

// InvalidTransitionError reports a known trigger fired from a state it is
// not registered for.
type InvalidTransitionError struct {
	Trigger Trigger
	State   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trigger %q is not valid from state %q", string(e.Trigger), string(e.State))
}

// IntentionFlow is the state machine for one conversation. It holds no I/O;
// persistence and reconciliation live in UserContext.
type IntentionFlow struct {
	state             State
	confusedCount     int
	wasEverInterested bool
}

// NewIntentionFlow creates a flow in the initial state.
func NewIntentionFlow() *IntentionFlow {
	return &IntentionFlow{state: StateStart}
}

// State returns the current state.
func (f *IntentionFlow) State() State { return f.state }

// ConfusedCount returns the number of retry_confused firings so far.
func (f *IntentionFlow) ConfusedCount() int { return f.confusedCount }

// WasEverInterested reports whether the flow has ever entered an
// interest-signalling state. Monotonic: once true it stays true.
func (f *IntentionFlow) WasEverInterested() bool { return f.wasEverInterested }

// MarkInterested sets the sticky interest flag. Used when hydrating a flow
// from a persisted record.
func (f *IntentionFlow) MarkInterested() { f.wasEverInterested = true }

// SetState adopts a state without firing a transition. Used only for
// reconciliation against the persisted record.
func (f *IntentionFlow) SetState(s State) { f.state = s }

// SetConfusedCount restores the confusion counter. Used by tests and
// reconciliation fixtures; never by transition logic.
func (f *IntentionFlow) SetConfusedCount(n int) { f.confusedCount = n }

// Snapshot returns a point-in-time view of the flow.
func (f *IntentionFlow) Snapshot() models.FlowSnapshot {
	return models.FlowSnapshot{
		FlowState:         string(f.state),
		ConfusedCount:     f.confusedCount,
		WasEverInterested: f.wasEverInterested,
	}
}

// Fire attempts the named trigger from the current state.
//
// An unknown trigger name returns UnknownTriggerError; a known trigger with
// no matching source returns InvalidTransitionError. A failed guard is not
// an error: the call succeeds and the state keeps still, which callers
// observe as a fired-but-unchanged transition. On success the state moves,
// enter hooks and after callbacks run, and any follow-up triggers the
// transition names are fired in order.
func (f *IntentionFlow) Fire(trigger Trigger) error {
	known := false
	var match *transition
	for i := range transitionTable {
		t := &transitionTable[i]
		if t.trigger != trigger {
			continue
		}
		known = true
		if t.sources == nil || containsState(t.sources, f.state) {
			match = t
			break
		}
	}
	if !known {
		return &UnknownTriggerError{Trigger: trigger}
	}
	if match == nil {
		return &InvalidTransitionError{Trigger: trigger, State: f.state}
	}

	if match.guard != nil && !match.guard(f) {
		slog.Debug("IntentionFlow.Fire: guard declined, state unchanged",
			"trigger", string(trigger), "state", string(f.state), "confusedCount", f.confusedCount)
		return nil
	}

	from := f.state
	f.state = match.dest
	if hook, ok := enterHooks[match.dest]; ok {
		hook(f)
	}
	if match.after != nil {
		match.after(f)
	}
	slog.Debug("IntentionFlow.Fire: transition applied",
		"trigger", string(trigger), "from", string(from), "to", string(f.state))

	if match.followUps != nil {
		for _, followUp := range match.followUps(f) {
			if err := f.Fire(followUp); err != nil {
				return fmt.Errorf("follow-up trigger %q failed: %w", string(followUp), err)
			}
		}
	}
	return nil
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// AllowedTriggers returns the explicit triggers fireable from the given
// state, sorted by name. Wildcard-source triggers appear for every state.
// Pure read of the static table.
func AllowedTriggers(state State) []Trigger {
	seen := make(map[Trigger]bool)
	var triggers []Trigger
	for i := range transitionTable {
		t := &transitionTable[i]
		if t.sources != nil && !containsState(t.sources, state) {
			continue
		}
		if !seen[t.trigger] {
			seen[t.trigger] = true
			triggers = append(triggers, t.trigger)
		}
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	return triggers
}

// AllowedTriggerNames is AllowedTriggers as sorted strings, the shape sent
// to the language model.
func AllowedTriggerNames(state State) []string {
	triggers := AllowedTriggers(state)
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = string(t)
	}
	return names
}
