package classify

import "time"

// ButtonLayout hints the channel adapter how to render quick-reply buttons.
type ButtonLayout string

const (
	ButtonLayoutYesNo        ButtonLayout = "yes_no"
	ButtonLayoutNumbered     ButtonLayout = "numbered"
	ButtonLayoutConfirmEnter ButtonLayout = "confirm_enter"
	ButtonLayoutTrustFolder  ButtonLayout = "trust_folder"
	ButtonLayoutNone         ButtonLayout = "none"
)

// Plan is an immutable per-class injection strategy.
type Plan struct {
	AppendCR         bool
	MaxRetries       int // 0 or 1
	RetryDelay       time.Duration
	VerifyAdvance    bool
	AdvanceTimeout   time.Duration
	EscalateOnExhaustion bool
	ButtonLayout     ButtonLayout
	SuppressValue    bool // true for passwords

	FeedbackTemplate   string // e.g. "✓ Answered: '%s'"
	RetryingTemplate   string
	EscalateTemplate   string
}

// PlanFor returns the fixed strategy for a class. Plans are immutable
// package data, not derived per-call.
func PlanFor(class InteractionClass) Plan {
	switch class {
	case ClassYesNo:
		return Plan{
			AppendCR: true, MaxRetries: 1, RetryDelay: 2 * time.Second,
			VerifyAdvance: true, AdvanceTimeout: 5 * time.Second,
			EscalateOnExhaustion: true, ButtonLayout: ButtonLayoutYesNo,
			FeedbackTemplate: "✓ Answered: '%s'",
			RetryingTemplate: "Retrying...",
			EscalateTemplate: "Please respond locally.",
		}
	case ClassConfirmEnter:
		return Plan{
			AppendCR: true, MaxRetries: 1, RetryDelay: 2 * time.Second,
			VerifyAdvance: true, AdvanceTimeout: 5 * time.Second,
			EscalateOnExhaustion: true, ButtonLayout: ButtonLayoutConfirmEnter,
			FeedbackTemplate: "✓ Continued",
			RetryingTemplate: "Retrying...",
			EscalateTemplate: "Please respond locally.",
		}
	case ClassNumberedChoice:
		return Plan{
			AppendCR: true, MaxRetries: 1, RetryDelay: 2 * time.Second,
			VerifyAdvance: true, AdvanceTimeout: 5 * time.Second,
			EscalateOnExhaustion: true, ButtonLayout: ButtonLayoutNumbered,
			FeedbackTemplate: "✓ Answered: '%s'",
			RetryingTemplate: "Retrying...",
			EscalateTemplate: "Please respond locally.",
		}
	case ClassFolderTrust:
		return Plan{
			AppendCR: true, MaxRetries: 1, RetryDelay: 2 * time.Second,
			VerifyAdvance: true, AdvanceTimeout: 5 * time.Second,
			EscalateOnExhaustion: true, ButtonLayout: ButtonLayoutTrustFolder,
			FeedbackTemplate: "✓ Trust granted: '%s'",
			RetryingTemplate: "Retrying...",
			EscalateTemplate: "Please respond locally.",
		}
	case ClassFreeText:
		return Plan{
			AppendCR: true, MaxRetries: 0,
			VerifyAdvance: true, AdvanceTimeout: 8 * time.Second,
			EscalateOnExhaustion: true, ButtonLayout: ButtonLayoutNone,
			FeedbackTemplate: "✓ Sent: '%s'",
			EscalateTemplate: "Please respond locally.",
		}
	case ClassPasswordInput:
		return Plan{
			AppendCR: false, MaxRetries: 0,
			VerifyAdvance: false, ButtonLayout: ButtonLayoutNone,
			SuppressValue: true,
			FeedbackTemplate: "Password prompts must be answered locally.",
		}
	case ClassRawTerminal:
		return Plan{
			AppendCR: false, MaxRetries: 0,
			VerifyAdvance: false, ButtonLayout: ButtonLayoutNone,
			FeedbackTemplate: "Raw terminal output -- no reply expected.",
		}
	case ClassChatInput:
		return Plan{
			AppendCR: true, MaxRetries: 0,
			VerifyAdvance: false, ButtonLayout: ButtonLayoutNone,
			FeedbackTemplate: "",
		}
	default:
		return Plan{AppendCR: true, ButtonLayout: ButtonLayoutNone}
	}
}
