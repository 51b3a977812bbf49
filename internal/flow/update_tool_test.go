package flow

import (
	"encoding/json"
	"testing"

	"github.com/pestline/pestline/internal/models"
	"github.com/pestline/pestline/internal/store"
)

func newToolTestUser(t *testing.T, phone string, state State) (*UserContext, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	user, err := NewUserContext(st, phone)
	if err != nil {
		t.Fatalf("NewUserContext failed: %v", err)
	}
	user.fsm.SetState(state)
	if err := user.persistState(); err != nil {
		t.Fatalf("failed to seed state %s: %v", state, err)
	}
	return user, st
}

func TestUpdateToolRejectsInPause(t *testing.T) {
	user, st := newToolTestUser(t, "15551230001", StatePause)
	tool := NewFSMUpdateTool()

	result, applied := tool.Execute(user, "receive_positive_response", nil)
	if applied {
		t.Fatal("expected transition to be rejected")
	}

	var rejection models.TransitionRejection
	if err := json.Unmarshal([]byte(result), &rejection); err != nil {
		t.Fatalf("result is not valid JSON: %v\n%s", err, result)
	}
	if rejection.Applied {
		t.Error("applied should be false")
	}
	if rejection.Reason != ReasonInvalidTrigger {
		t.Errorf("reason = %q, want %q", rejection.Reason, ReasonInvalidTrigger)
	}
	if rejection.Coercion == nil || *rejection.Coercion != CoercionReasonNoopInPause {
		t.Errorf("coercion = %v, want %q", rejection.Coercion, CoercionReasonNoopInPause)
	}
	if rejection.EventFired != nil {
		t.Errorf("event_fired should be null, got %v", *rejection.EventFired)
	}
	if rejection.StateBefore != "pause" || rejection.StateAfter != "pause" {
		t.Errorf("state should stay pause, got %s -> %s", rejection.StateBefore, rejection.StateAfter)
	}

	// Nothing was persisted behind the rejection.
	rec, err := st.GetFSMState("15551230001")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "pause" {
		t.Errorf("persisted state changed behind a rejection: %+v", rec)
	}
}

func TestUpdateToolRejectsInvalidTrigger(t *testing.T) {
	user, _ := newToolTestUser(t, "15551230002", StateStart)
	tool := NewFSMUpdateTool()

	result, applied := tool.Execute(user, "complete_flow", nil)
	if applied {
		t.Fatal("expected transition to be rejected")
	}

	var rejection models.TransitionRejection
	if err := json.Unmarshal([]byte(result), &rejection); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if rejection.Reason != ReasonInvalidTrigger {
		t.Errorf("reason = %q, want %q", rejection.Reason, ReasonInvalidTrigger)
	}
	if rejection.Coercion != nil {
		t.Errorf("coercion should be null when no rule matched, got %q", *rejection.Coercion)
	}
	if rejection.EventRequested != "complete_flow" {
		t.Errorf("event_requested = %q", rejection.EventRequested)
	}
	if len(rejection.AllowedTriggers) == 0 {
		t.Error("rejection should list the allowed triggers for the current state")
	}
}

func TestUpdateToolAppliesCoercedAck(t *testing.T) {
	user, st := newToolTestUser(t, "15551230003", StateFollowUp)
	tool := NewFSMUpdateTool()

	result, applied := tool.Execute(user, "retry_confused", nil)
	if !applied {
		t.Fatalf("expected transition to apply, got %s", result)
	}

	var outcome models.TransitionOutcome
	if err := json.Unmarshal([]byte(result), &outcome); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if !outcome.Applied {
		t.Error("applied should be true")
	}
	if outcome.Event != "polite_ack" {
		t.Errorf("event = %q, want polite_ack", outcome.Event)
	}
	if outcome.Coercion == nil || *outcome.Coercion != CoercionReasonFollowUpAck {
		t.Errorf("coercion = %v, want %q", outcome.Coercion, CoercionReasonFollowUpAck)
	}
	if outcome.FromState != "follow_up" || outcome.ToState != "done" {
		t.Errorf("transition = %s -> %s, want follow_up -> done", outcome.FromState, outcome.ToState)
	}
	if outcome.Reason != nil {
		t.Errorf("reason should be null on an applied transition, got %q", *outcome.Reason)
	}

	rec, err := st.GetFSMState("15551230003")
	if err != nil {
		t.Fatalf("GetFSMState failed: %v", err)
	}
	if rec == nil || rec.StateName != "done" {
		t.Errorf("expected persisted state done, got %+v", rec)
	}
}

func TestUpdateToolReportsNoStateChange(t *testing.T) {
	user, _ := newToolTestUser(t, "15551230004", StateConfused)
	tool := NewFSMUpdateTool()

	// Below the confusion threshold the pause guard no-ops.
	result, applied := tool.Execute(user, "pause_flow", nil)
	if applied {
		t.Fatalf("expected no state change, got %s", result)
	}

	var outcome models.TransitionOutcome
	if err := json.Unmarshal([]byte(result), &outcome); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if outcome.Applied {
		t.Error("applied should be false when the state kept still")
	}
	if outcome.Reason == nil || *outcome.Reason != ReasonNoStateChange {
		t.Errorf("reason = %v, want %q", outcome.Reason, ReasonNoStateChange)
	}
	if outcome.FromState != "confused" || outcome.ToState != "confused" {
		t.Errorf("transition = %s -> %s, want confused -> confused", outcome.FromState, outcome.ToState)
	}
}

func TestUpdateToolAllowedTriggersForResultingState(t *testing.T) {
	user, _ := newToolTestUser(t, "15551230005", StateStart)
	tool := NewFSMUpdateTool()

	result, applied := tool.Execute(user, "receive_positive_response", nil)
	if !applied {
		t.Fatalf("expected transition to apply, got %s", result)
	}

	var outcome models.TransitionOutcome
	if err := json.Unmarshal([]byte(result), &outcome); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	want := AllowedTriggerNames(StateInterested)
	if len(outcome.AllowedTriggers) != len(want) {
		t.Fatalf("allowed triggers = %v, want %v", outcome.AllowedTriggers, want)
	}
	for i := range want {
		if outcome.AllowedTriggers[i] != want[i] {
			t.Fatalf("allowed triggers = %v, want %v", outcome.AllowedTriggers, want)
		}
	}
	if !outcome.FSM.WasEverInterested {
		t.Error("fsm snapshot should reflect the interest flag")
	}
}
