package capability

import "testing"

func TestToolingAlwaysAllowed(t *testing.T) {
	r := Default()
	editions := []Edition{EditionCore, EditionEnterprise}
	modes := []AuthorityMode{AuthorityModeReadOnly, AuthorityModeWriteEnabled}
	for _, e := range editions {
		for _, m := range modes {
			d := r.IsAllowed(e, m, "inject_reply")
			if !d.Allowed || d.Reason != ReasonAllowed {
				t.Fatalf("tooling capability denied for %s/%s: %+v", e, m, d)
			}
		}
	}
}

func TestAuthorityRequiresEnterpriseAndWriteEnabled(t *testing.T) {
	r := Default()

	d := r.IsAllowed(EditionCore, AuthorityModeWriteEnabled, "policy_write")
	if d.Allowed || d.Reason != ReasonEditionDeny {
		t.Fatalf("expected EDITION_DENY on core, got %+v", d)
	}

	d = r.IsAllowed(EditionEnterprise, AuthorityModeReadOnly, "policy_write")
	if d.Allowed || d.Reason != ReasonAuthorityModeRequired {
		t.Fatalf("expected AUTHORITY_MODE_REQUIRED, got %+v", d)
	}

	d = r.IsAllowed(EditionEnterprise, AuthorityModeWriteEnabled, "policy_write")
	if !d.Allowed || d.Reason != ReasonAllowed {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestUnknownCapability(t *testing.T) {
	r := Default()
	d := r.IsAllowed(EditionEnterprise, AuthorityModeWriteEnabled, "not_a_real_capability")
	if d.Allowed || d.Reason != ReasonUnknownCapability {
		t.Fatalf("expected UNKNOWN_CAPABILITY, got %+v", d)
	}
}

func TestFingerprintStable(t *testing.T) {
	r := Default()
	a := r.IsAllowed(EditionCore, AuthorityModeReadOnly, "detect_prompt")
	b := r.IsAllowed(EditionCore, AuthorityModeReadOnly, "detect_prompt")
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("fingerprint not stable: %q vs %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestRequireCapabilityInvokesAuditOnDeny(t *testing.T) {
	r := Default()
	var gotID ID
	var gotReason ReasonCode
	err := RequireCapability(r, EditionCore, AuthorityModeReadOnly, "policy_write", func(id ID, reason ReasonCode) {
		gotID, gotReason = id, reason
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if gotID != "policy_write" || gotReason != ReasonEditionDeny {
		t.Fatalf("audit callback got (%q, %q)", gotID, gotReason)
	}
}
