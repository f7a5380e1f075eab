// Package gate implements the deterministic channel gate (§4.4): a pure
// function from a frozen GateContext to a GateDecision, evaluated on every
// inbound channel message before any injection or routing.
package gate

import "time"

// ReasonCode identifies why a message was accepted or rejected. No internal
// IDs ever leak into the associated human message.
type ReasonCode string

const (
	ReasonAcceptReply      ReasonCode = "accept_reply"
	ReasonAcceptInterrupt  ReasonCode = "accept_interrupt"
	ReasonAcceptChatTurn   ReasonCode = "accept_chat_turn"
	ReasonRejectIdentity   ReasonCode = "reject_identity_not_allowlisted"
	ReasonRejectNoSession  ReasonCode = "reject_no_active_session"
	ReasonRejectBusyStream ReasonCode = "reject_busy_streaming"
	ReasonRejectBusyRun    ReasonCode = "reject_busy_running"
	ReasonRejectNotAwaiting ReasonCode = "reject_not_awaiting_input"
	ReasonRejectTTLExpired ReasonCode = "reject_ttl_expired"
	ReasonRejectUnsafeType ReasonCode = "reject_unsafe_input_type"
	ReasonRejectChatDisallowed ReasonCode = "reject_chat_turn_disallowed"
	ReasonRejectDefault    ReasonCode = "reject_default"
)

// ConversationState mirrors convo.State, duplicated here so gate has no
// import-time dependency on the convo package (pure function, frozen
// inputs only).
type ConversationState string

const (
	ConvIdle          ConversationState = "idle"
	ConvRunning       ConversationState = "running"
	ConvStreaming     ConversationState = "streaming"
	ConvAwaitingInput ConversationState = "awaiting_input"
	ConvStopped       ConversationState = "stopped"
)

// Context is the frozen snapshot the gate evaluates against. Every field
// must be captured before evaluation -- the gate performs no I/O itself
// (§5 "Gate evaluation: synchronous, no I/O").
type Context struct {
	ChannelUserID    string
	Allowlisted      bool
	HasBoundSession  bool
	ConversationState ConversationState
	PolicyAllowsInterrupts bool
	PolicyAllowsChatTurns  bool
	HasActivePrompt  bool
	PromptExpiresAt  time.Time
	Now              time.Time
	InteractionClass string // empty if no active prompt
}

// Action is the kind of acceptance the gate grants.
type Action string

const (
	ActionReply     Action = "reply"
	ActionInterrupt Action = "interrupt"
	ActionChatTurn  Action = "chat_turn"
	ActionReject    Action = "reject"
)

// Decision is a frozen record: reason code, human message, and next-action
// hint. No internal IDs ever appear in Message.
type Decision struct {
	Action         Action
	Reason         ReasonCode
	Message        string
	NextActionHint string
}

// Evaluate is a pure function: the same Context always yields the same
// Decision.
func Evaluate(ctx Context) Decision {
	if !ctx.Allowlisted {
		return Decision{
			Action: ActionReject, Reason: ReasonRejectIdentity,
			Message:        "You're not authorized to interact with this session.",
			NextActionHint: "Ask an operator to add you to the allowlist.",
		}
	}

	if !ctx.HasBoundSession {
		return Decision{
			Action: ActionReject, Reason: ReasonRejectNoSession,
			Message:        "No active session is bound to this conversation.",
			NextActionHint: "Start a session first.",
		}
	}

	switch ctx.ConversationState {
	case ConvStreaming:
		return Decision{
			Action: ActionReject, Reason: ReasonRejectBusyStream,
			Message:        "The session is streaming a response right now.",
			NextActionHint: "Wait for it to finish.",
		}
	case ConvRunning:
		if ctx.PolicyAllowsInterrupts {
			return Decision{Action: ActionInterrupt, Reason: ReasonAcceptInterrupt, Message: "Interrupt accepted."}
		}
		return Decision{
			Action: ActionReject, Reason: ReasonRejectBusyRun,
			Message:        "The session is busy running.",
			NextActionHint: "Wait for it to finish, or ask an operator to enable interrupts.",
		}
	case ConvStopped:
		return Decision{
			Action: ActionReject, Reason: ReasonRejectNoSession,
			Message:        "This session has stopped.",
			NextActionHint: "Start a new session.",
		}
	case ConvAwaitingInput:
		return evaluateAwaitingInput(ctx)
	case ConvIdle:
		if ctx.PolicyAllowsChatTurns {
			return Decision{Action: ActionChatTurn, Reason: ReasonAcceptChatTurn, Message: "Message accepted."}
		}
		return Decision{
			Action: ActionReject, Reason: ReasonRejectChatDisallowed,
			Message:        "Free chat is disabled for this session.",
			NextActionHint: "Wait for a prompt before replying.",
		}
	}

	return Decision{
		Action: ActionReject, Reason: ReasonRejectDefault,
		Message: "Message not accepted.",
	}
}

func evaluateAwaitingInput(ctx Context) Decision {
	if !ctx.HasActivePrompt {
		return Decision{
			Action: ActionReject, Reason: ReasonRejectNotAwaiting,
			Message:        "There's no outstanding prompt to answer.",
			NextActionHint: "Wait for the next prompt.",
		}
	}
	if !ctx.PromptExpiresAt.IsZero() && ctx.Now.After(ctx.PromptExpiresAt) {
		return Decision{
			Action: ActionReject, Reason: ReasonRejectTTLExpired,
			Message:        "That prompt has expired.",
			NextActionHint: "Wait for a new prompt.",
		}
	}
	if ctx.InteractionClass == "password_input" {
		return Decision{
			Action: ActionReject, Reason: ReasonRejectUnsafeType,
			Message:        "Password prompts must be answered locally, not over chat.",
			NextActionHint: "Type the value directly in the session's terminal.",
		}
	}
	return Decision{Action: ActionReply, Reason: ReasonAcceptReply, Message: "Reply accepted."}
}
