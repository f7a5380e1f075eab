package classify

import (
	"testing"

	"github.com/abdulraoufatia/atlasbridge/internal/detector"
)

func TestClassifyChatInputWhenNoActivePrompt(t *testing.T) {
	ev := detector.PromptEvent{Type: detector.PromptFreeText, Excerpt: "hi there"}
	if got := Classify(ev, false); got != ClassChatInput {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyYesNo(t *testing.T) {
	ev := detector.PromptEvent{Type: detector.PromptYesNo}
	if got := Classify(ev, true); got != ClassYesNo {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyPasswordInput(t *testing.T) {
	ev := detector.PromptEvent{Type: detector.PromptFreeText, Excerpt: "Enter your password:"}
	if got := Classify(ev, true); got != ClassPasswordInput {
		t.Fatalf("got %s, want password_input", got)
	}
}

func TestClassifyFreeTextWithoutSecretWords(t *testing.T) {
	ev := detector.PromptEvent{Type: detector.PromptFreeText, Excerpt: "Enter branch name:"}
	if got := Classify(ev, true); got != ClassFreeText {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyFolderTrust(t *testing.T) {
	ev := detector.PromptEvent{Type: detector.PromptMultiChoice, Excerpt: "Do you trust this folder?\n1) Yes\n2) No\n"}
	if got := Classify(ev, true); got != ClassFolderTrust {
		t.Fatalf("got %s", got)
	}
}

func TestStrictFuserDeterministicHighWins(t *testing.T) {
	f := StrictFuser{}
	ml := &FuserVerdict{Class: ClassFreeText, Confidence: detector.ConfidenceMedium}
	v := f.Fuse(ClassYesNo, detector.ConfidenceHigh, ml)
	if v.Class != ClassYesNo || v.Confidence != detector.ConfidenceHigh {
		t.Fatalf("got %+v", v)
	}
}

func TestStrictFuserMedAgreementBoostsToHigh(t *testing.T) {
	f := StrictFuser{}
	ml := &FuserVerdict{Class: ClassFreeText, Confidence: detector.ConfidenceMedium}
	v := f.Fuse(ClassFreeText, detector.ConfidenceMedium, ml)
	if v.Confidence != detector.ConfidenceHigh {
		t.Fatalf("expected boost to HIGH, got %+v", v)
	}
}

func TestStrictFuserMedDisagreementDowngrades(t *testing.T) {
	f := StrictFuser{}
	ml := &FuserVerdict{Class: ClassNumberedChoice, Confidence: detector.ConfidenceMedium}
	v := f.Fuse(ClassFreeText, detector.ConfidenceMedium, ml)
	if v.Confidence != detector.ConfidenceLow || !v.Disagreement {
		t.Fatalf("expected LOW + disagreement, got %+v", v)
	}
}

func TestStrictFuserMLOnlyOverride(t *testing.T) {
	f := StrictFuser{}
	ml := &FuserVerdict{Class: ClassFolderTrust, Confidence: detector.ConfidenceHigh}
	v := f.Fuse(ClassFreeText, detector.ConfidenceLow, ml)
	if v.Class != ClassFolderTrust {
		t.Fatalf("expected ML-only override, got %+v", v)
	}
}

func TestPlanForPasswordSuppressesValue(t *testing.T) {
	p := PlanFor(ClassPasswordInput)
	if !p.SuppressValue {
		t.Fatal("expected SuppressValue true for password_input")
	}
	if p.VerifyAdvance {
		t.Fatal("expected no verify-advance for password_input plan")
	}
}
