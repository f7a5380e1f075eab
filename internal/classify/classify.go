// Package classify maps a detected PromptEvent to a typed InteractionClass
// and an immutable Plan describing how to inject, verify, and retry a
// reply for that class (§4.3).
package classify

import (
	"regexp"

	"github.com/abdulraoufatia/atlasbridge/internal/detector"
)

// InteractionClass is the classifier's typed output.
type InteractionClass string

const (
	ClassYesNo         InteractionClass = "yes_no"
	ClassConfirmEnter  InteractionClass = "confirm_enter"
	ClassNumberedChoice InteractionClass = "numbered_choice"
	ClassFreeText      InteractionClass = "free_text"
	ClassPasswordInput InteractionClass = "password_input"
	ClassFolderTrust   InteractionClass = "folder_trust"
	ClassRawTerminal   InteractionClass = "raw_terminal"
	ClassChatInput     InteractionClass = "chat_input"
)

var secretWordPattern = regexp.MustCompile(`(?i)password|token|api.?key|secret|passphrase|credential`)

var trustFolderPattern = regexp.MustCompile(`(?i)trust[^\n]*folder`)

// Classify is a pure function: PromptEvent -> InteractionClass. hasActivePrompt
// distinguishes a real detected prompt from free conversation (chat_input).
func Classify(ev detector.PromptEvent, hasActivePrompt bool) InteractionClass {
	if !hasActivePrompt {
		return ClassChatInput
	}

	switch ev.Type {
	case detector.PromptYesNo:
		return ClassYesNo
	case detector.PromptConfirmEnter:
		return ClassConfirmEnter
	case detector.PromptMultiChoice:
		if trustFolderPattern.MatchString(ev.Excerpt) {
			return ClassFolderTrust
		}
		return ClassNumberedChoice
	case detector.PromptFreeText:
		if secretWordPattern.MatchString(ev.Excerpt) {
			return ClassPasswordInput
		}
		return ClassFreeText
	default:
		return ClassRawTerminal
	}
}

// FuserVerdict is the outcome of combining a deterministic classification
// with an (optional) ML classification.
type FuserVerdict struct {
	Class        InteractionClass
	Confidence   detector.Confidence
	Disagreement bool
}

// Fuser combines a deterministic classification with an ML-backed one.
// The default build ships NoopFuser, which always defers to the
// deterministic result, satisfying "the ML path never injects without a
// deterministic HIGH equivalent" trivially.
type Fuser interface {
	Fuse(det InteractionClass, detConf detector.Confidence, ml *FuserVerdict) FuserVerdict
}

// NoopFuser always returns the deterministic classification unchanged.
type NoopFuser struct{}

func (NoopFuser) Fuse(det InteractionClass, detConf detector.Confidence, ml *FuserVerdict) FuserVerdict {
	return FuserVerdict{Class: det, Confidence: detConf}
}

// StrictFuser implements the full fusion rule set (§4.3 "Optional ML
// fuser"): deterministic HIGH always wins; ML-only types (folder_trust,
// raw_terminal) may override; MED agreement boosts to HIGH; MED
// disagreement downgrades to LOW and flags disagreement.
type StrictFuser struct{}

func (StrictFuser) Fuse(det InteractionClass, detConf detector.Confidence, ml *FuserVerdict) FuserVerdict {
	if ml == nil {
		return FuserVerdict{Class: det, Confidence: detConf}
	}
	if detConf == detector.ConfidenceHigh {
		return FuserVerdict{Class: det, Confidence: detConf}
	}
	if ml.Class == ClassFolderTrust || ml.Class == ClassRawTerminal {
		return FuserVerdict{Class: ml.Class, Confidence: ml.Confidence}
	}
	if detConf == detector.ConfidenceMedium {
		if ml.Class == det {
			return FuserVerdict{Class: det, Confidence: detector.ConfidenceHigh}
		}
		return FuserVerdict{Class: det, Confidence: detector.ConfidenceLow, Disagreement: true}
	}
	return FuserVerdict{Class: det, Confidence: detConf}
}
