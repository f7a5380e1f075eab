// Package redact provides the process-wide secret redaction set applied to
// any text that may reach an audit payload, decision trace, dashboard
// export, or channel message.
package redact

import "regexp"

// kind names the class of secret a pattern matches, preserved by
// RedactLabeled so operators can tell what was stripped without seeing it.
type kind string

const (
	kindTelegramToken kind = "telegram_bot_token"
	kindSlackBotToken kind = "slack_bot_token"
	kindSlackAppToken kind = "slack_app_token"
	kindOpenAIKey     kind = "openai_key"
	kindAnthropicKey  kind = "anthropic_key"
	kindGitHubToken   kind = "github_token"
	kindAWSKey        kind = "aws_access_key"
	kindGoogleKey     kind = "google_api_key"
	kindBearer        kind = "bearer_token"
	kindKeyValue      kind = "key_value_secret"
	kindHex           kind = "hex_blob"
)

type rule struct {
	kind kind
	re   *regexp.Regexp
}

// Redacted is the placeholder text substituted for any matched secret.
const Redacted = "[REDACTED]"

// rules is evaluated in order; earlier rules take precedence over later,
// more general ones (e.g. the bare hex-blob catch-all runs last).
var rules = []rule{
	{kindTelegramToken, regexp.MustCompile(`\b\d{8,12}:[A-Za-z0-9_-]{35}\b`)},
	{kindSlackBotToken, regexp.MustCompile(`\bxoxb-[A-Za-z0-9-]{10,}\b`)},
	{kindSlackAppToken, regexp.MustCompile(`\bxapp-[A-Za-z0-9-]{10,}\b`)},
	{kindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
	{kindOpenAIKey, regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{kindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{kindGoogleKey, regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{kindBearer, regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]{10,}\b`)},
	{kindKeyValue, regexp.MustCompile(`(?i)\b(api[_-]?key|password|passphrase|secret|token)\s*[:=]\s*["']?[^\s"']{4,}["']?`)},
	{kindHex, regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)},
}

// uuidLike excludes standard UUIDs from the hex-blob catch-all: they're
// benign identifiers, not secrets, even though they're long hex strings.
var uuidLike = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Redact replaces every matched secret in text with [REDACTED]. Idempotent:
// Redact(Redact(x)) == Redact(x) for all x, since the placeholder itself
// never matches any rule.
func Redact(text string) string {
	return apply(text, func(kind) string { return Redacted })
}

// RedactLabeled behaves like Redact but preserves the secret's kind in the
// placeholder, e.g. "[REDACTED:github_token]".
func RedactLabeled(text string) string {
	return apply(text, func(k kind) string { return "[REDACTED:" + string(k) + "]" })
}

func apply(text string, placeholder func(kind) string) string {
	for _, r := range rules {
		text = r.re.ReplaceAllStringFunc(text, func(m string) string {
			if r.kind == kindHex && uuidLike.MatchString(m) {
				return m
			}
			return placeholder(r.kind)
		})
	}
	return text
}
