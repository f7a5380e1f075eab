package detector

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern families for signal 1, pre-compiled once at package level.
var (
	yesNoPattern = regexp.MustCompile(
		`(?i)(\[y/n\]|\(y/n\)|\(yes/no\)|y/n\s*>|\[Y/n\]|\[y/N\])\s*$`,
	)
	confirmEnterPattern = regexp.MustCompile(
		`(?i)(press enter to continue|--more--)\s*$`,
	)
	numberedLinePattern = regexp.MustCompile(`(?m)^\s*(\d+)\)\s+\S`)
	letterLinePattern   = regexp.MustCompile(`(?m)^\s*\[([A-Z])\]\s+\S`)
	trustFolderPattern  = regexp.MustCompile(`(?i)trust[^\n]*folder`)
	freeTextPattern     = regexp.MustCompile(
		`(?i)\b(enter|type|name|email|branch)\b[^:\n]{0,60}:\s*$`,
	)
)

// matchYesNo reports whether tail ends in a yes/no prompt.
func matchYesNo(tail string) (ok bool, choices []string) {
	if yesNoPattern.MatchString(tail) {
		return true, []string{"y", "n"}
	}
	return false, nil
}

// matchConfirmEnter reports whether tail ends in a confirm-enter prompt.
func matchConfirmEnter(tail string) bool {
	return confirmEnterPattern.MatchString(tail)
}

// matchNumberedChoice extracts a consecutive-from-1 numbered list, if one
// exists near the end of tail. Numeric choices must be consecutive
// starting at 1 to qualify per §4.2.
func matchNumberedChoice(tail string) (ok bool, choices []string) {
	matches := numberedLinePattern.FindAllStringSubmatch(tail, -1)
	if len(matches) == 0 {
		return false, nil
	}
	nums := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return false, nil
		}
		nums = append(nums, n)
	}
	for i, n := range nums {
		if n != i+1 {
			return false, nil
		}
	}
	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = strconv.Itoa(n)
	}
	return true, out
}

// matchLetterChoice extracts a lettered list like "[A] ... [B] ...".
func matchLetterChoice(tail string) (ok bool, choices []string) {
	matches := letterLinePattern.FindAllStringSubmatch(tail, -1)
	if len(matches) < 2 {
		return false, nil
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m[1]
	}
	return true, out
}

// matchFolderTrust reports whether tail looks like a "trust ... folder"
// prompt followed by a numbered list, and returns that list's choices.
func matchFolderTrust(tail string) (ok bool, choices []string) {
	if !trustFolderPattern.MatchString(tail) {
		return false, nil
	}
	if ok, ch := matchNumberedChoice(tail); ok {
		return true, ch
	}
	return false, nil
}

// matchFreeText reports whether tail ends in a generic free-text prompt.
// Deliberately excludes password/token/secret/credential wording: those
// prompts are left to the TTY-blocked signal and get reclassified as
// password_input downstream (§4.3), never announced by pattern match, so
// a password value is never echoed into a HIGH-confidence prompt excerpt
// by name.
func matchFreeText(tail string) bool {
	return freeTextPattern.MatchString(tail)
}

// looksLikeSecretPrompt is used by callers (not this package's pattern
// match) to decide whether a free-text prompt should be treated specially;
// exposed here because the word list is authoritative for both detector
// exclusion and classifier inclusion.
var secretWordPattern = regexp.MustCompile(`(?i)password|token|api.?key|secret|passphrase|credential`)

// LooksLikeSecretPrompt reports whether text mentions secret-like wording.
func LooksLikeSecretPrompt(text string) bool {
	return secretWordPattern.MatchString(text)
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
