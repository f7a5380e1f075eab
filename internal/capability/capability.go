// Package capability implements the static edition gate: a fixed matrix of
// named operations ("capabilities") tagged tooling or authority, each
// allowed or denied per build edition and authority mode.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Tier classifies a capability for gating purposes.
type Tier string

const (
	TierTooling   Tier = "tooling"
	TierAuthority Tier = "authority"
)

// Edition identifies the build of the supervisor.
type Edition string

const (
	EditionCore       Edition = "core"
	EditionEnterprise Edition = "enterprise"
)

// AuthorityMode gates write-capable authority operations even on Enterprise.
type AuthorityMode string

const (
	AuthorityModeReadOnly     AuthorityMode = "read_only"
	AuthorityModeWriteEnabled AuthorityMode = "write_enabled"
)

// ReasonCode explains an Allowed/denied decision.
type ReasonCode string

const (
	ReasonAllowed                ReasonCode = "ALLOWED"
	ReasonEditionDeny            ReasonCode = "EDITION_DENY"
	ReasonAuthorityModeRequired  ReasonCode = "AUTHORITY_MODE_REQUIRED"
	ReasonUnknownCapability      ReasonCode = "UNKNOWN_CAPABILITY"
)

// ID names a single gated capability.
type ID string

// Decision is the pure result of evaluating a capability against an
// edition and authority mode.
type Decision struct {
	Allowed     bool
	Reason      ReasonCode
	Fingerprint string
}

// Registry is a static, process-wide table of capability IDs and tiers.
// It is initialized once at startup and never mutated afterward (§9 "Global
// mutable state").
type Registry struct {
	tiers map[ID]Tier
}

// Default returns the registry covering every capability this build knows
// about. Tooling capabilities (detection, classification, injection,
// channel send) are always allowed; authority capabilities (policy write,
// workspace-trust grant, session force-stop, capability-gated automation)
// require Enterprise + write_enabled.
func Default() *Registry {
	return &Registry{tiers: map[ID]Tier{
		"detect_prompt":        TierTooling,
		"classify_prompt":      TierTooling,
		"inject_reply":         TierTooling,
		"channel_send":         TierTooling,
		"ml_classifier":        TierTooling,
		"dashboard_read":       TierTooling,
		"policy_write":         TierAuthority,
		"workspace_trust_grant": TierAuthority,
		"session_force_stop":   TierAuthority,
		"audit_archive":        TierAuthority,
	}}
}

// Register adds or overwrites a capability's tier. Intended for use only
// during registry construction (e.g. in tests), never after Default() has
// been handed to running code.
func (r *Registry) Register(id ID, tier Tier) {
	r.tiers[id] = tier
}

// IsAllowed is a pure function: same (edition, mode, id) always returns the
// same Decision, including a stable fingerprint.
func (r *Registry) IsAllowed(edition Edition, mode AuthorityMode, id ID) Decision {
	tier, known := r.tiers[id]
	if !known {
		return Decision{
			Allowed:     false,
			Reason:      ReasonUnknownCapability,
			Fingerprint: fingerprint(edition, mode, id, "unknown"),
		}
	}

	switch tier {
	case TierTooling:
		return Decision{Allowed: true, Reason: ReasonAllowed, Fingerprint: fingerprint(edition, mode, id, string(tier))}
	case TierAuthority:
		if edition != EditionEnterprise {
			return Decision{Allowed: false, Reason: ReasonEditionDeny, Fingerprint: fingerprint(edition, mode, id, string(tier))}
		}
		if mode != AuthorityModeWriteEnabled {
			return Decision{Allowed: false, Reason: ReasonAuthorityModeRequired, Fingerprint: fingerprint(edition, mode, id, string(tier))}
		}
		return Decision{Allowed: true, Reason: ReasonAllowed, Fingerprint: fingerprint(edition, mode, id, string(tier))}
	default:
		return Decision{Allowed: false, Reason: ReasonUnknownCapability, Fingerprint: fingerprint(edition, mode, id, "unknown")}
	}
}

func fingerprint(edition Edition, mode AuthorityMode, id ID, tier string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", edition, mode, id, tier)))
	return hex.EncodeToString(sum[:])
}

// DeniedError is returned by RequireCapability on deny.
type DeniedError struct {
	ID     ID
	Reason ReasonCode
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability %q denied: %s", e.ID, e.Reason)
}

// AuditFunc records a capability-deny event; callers wire this to the
// audit writer without capability importing it directly.
type AuditFunc func(id ID, reason ReasonCode)

// RequireCapability returns a DeniedError (and invokes onDeny, if non-nil)
// when the capability is not allowed for the given edition/mode.
func RequireCapability(r *Registry, edition Edition, mode AuthorityMode, id ID, onDeny AuditFunc) error {
	d := r.IsAllowed(edition, mode, id)
	if d.Allowed {
		return nil
	}
	if onDeny != nil {
		onDeny(id, d.Reason)
	}
	return &DeniedError{ID: id, Reason: d.Reason}
}
