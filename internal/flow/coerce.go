package flow

// CoercionKind distinguishes the three outcomes of event coercion: no rule
// matched, a rule rewrote the event, or a rule marked the event for refusal
// by the update tool.
type CoercionKind int

const (
	CoercionNone CoercionKind = iota
	CoercionRule
	CoercionRefuse
)

// Coercion reason strings are a wire contract with the language model.
const (
	CoercionReasonFollowUpAck        = "coerced_from_follow_up_ack"
	CoercionReasonGoToSqft           = "coerced_from_gotosqft"
	CoercionReasonGoToSqftInterested = "coerced_from_gotosqft_and_interested"
	CoercionReasonNoopInPause        = "noop_if_invalid_in_pause"
)

// Coercion describes how a requested trigger was reinterpreted.
type Coercion struct {
	Kind   CoercionKind
	Reason string
}

// CoerceEvent maps a requested trigger to the trigger that should actually
// fire given the current state. Rules are evaluated in order, first match
// wins. Pure: never consults allowed triggers, never mutates anything.
func CoerceEvent(state State, requested Trigger) (Trigger, Coercion) {
	// Short acknowledgements while awaiting closure are completions, not
	// new confusion or positivity signals.
	if state == StateFollowUp {
		switch requested {
		case TriggerRetryConfused, TriggerReceivePositiveResponse, TriggerResumeFlow:
			return TriggerPoliteAck, Coercion{Kind: CoercionRule, Reason: CoercionReasonFollowUpAck}
		}
	}

	// A repeated "give me sqft" signal while already collecting the square
	// footage means the number was just supplied.
	if state == StateActionSqft && requested == TriggerGoToSqft {
		return TriggerReceiveFollowup, Coercion{Kind: CoercionRule, Reason: CoercionReasonGoToSqft}
	}

	if state == StateInterested && requested == TriggerGoToSqft {
		return TriggerReceiveFollowup, Coercion{Kind: CoercionRule, Reason: CoercionReasonGoToSqftInterested}
	}

	// In pause only an explicit stop passes through; everything else is
	// marked for refusal downstream.
	if state == StatePause && requested != TriggerUserStopped {
		return requested, Coercion{Kind: CoercionRefuse, Reason: CoercionReasonNoopInPause}
	}

	return requested, Coercion{Kind: CoercionNone}
}
