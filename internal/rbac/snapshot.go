package rbac

import "sort"

// Snapshot is the resolved permission state for one (user, tenant) pair. It
// keeps the raw role-derived codes and the active REVOKE patterns separately
// so an exact REVOKE still suppresses a wildcard role grant at match time;
// a flat set cannot express "pos:*:create minus pos:orders:create".
type Snapshot struct {
	// AllowAll marks the SUPER_ADMIN bypass; no other field is consulted.
	AllowAll bool `json:"allow_all,omitempty"`
	// RoleCodes are the permission codes attached via role assignments.
	RoleCodes []string `json:"role_codes,omitempty"`
	// Revoked are the active REVOKE override patterns.
	Revoked []string `json:"revoked,omitempty"`
	// Granted are the exact codes added by active GRANT overrides.
	Granted []string `json:"granted,omitempty"`
}

// Has answers a single-permission query. REVOKE patterns win over any
// role-derived grant of a matching code; GRANT overrides are additive.
func (s Snapshot) Has(code string) bool {
	if s.AllowAll {
		return true
	}
	if MatchAny(s.Granted, code) {
		return true
	}
	if MatchAny(s.Revoked, code) {
		return false
	}
	return MatchAny(s.RoleCodes, code)
}

// Effective returns the final permission set: role-derived codes minus those
// removed by REVOKE overrides, plus GRANT override codes, sorted and unique.
func (s Snapshot) Effective() []string {
	set := make(map[string]struct{}, len(s.RoleCodes)+len(s.Granted))
	for _, code := range s.RoleCodes {
		if MatchAny(s.Revoked, code) {
			continue
		}
		set[code] = struct{}{}
	}
	for _, code := range s.Granted {
		set[code] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether the snapshot denies everything.
func (s Snapshot) Empty() bool {
	return !s.AllowAll && len(s.RoleCodes) == 0 && len(s.Granted) == 0
}
