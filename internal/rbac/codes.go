package rbac

import (
	"fmt"
	"strings"
)

// Wildcard is the segment value matching any concrete segment.
const Wildcard = "*"

const codeSegments = 3

// Permissions consumed by this service's own admin surface.
const (
	PermRolesView       = "core:roles:view"
	PermRolesAssign     = "core:roles:assign"
	PermRolesManage     = "core:roles:manage"
	PermPermissionsView = "core:permissions:view"
	PermOverridesGrant  = "core:overrides:grant"
	PermAuditView       = "core:audit:view"
)

// CoreScopes lists the permissions guarding the RBAC admin surface itself.
func CoreScopes() []string {
	return []string{
		PermRolesView,
		PermRolesAssign,
		PermRolesManage,
		PermPermissionsView,
		PermOverridesGrant,
		PermAuditView,
	}
}

// ValidateCode checks the wire format "<module>:<resource>:<action>".
// Segments are lowercase ASCII; resource and action may be "*", the module
// segment may not.
func ValidateCode(code string) error {
	parts := strings.Split(code, ":")
	if len(parts) != codeSegments {
		return fmt.Errorf("%w: permission code %q must have %d segments", ErrValidation, code, codeSegments)
	}
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: permission code %q has an empty segment", ErrValidation, code)
		}
		if part == Wildcard {
			if i == 0 {
				return fmt.Errorf("%w: permission code %q may not wildcard the module segment", ErrValidation, code)
			}
			continue
		}
		if !validSegment(part) {
			return fmt.Errorf("%w: permission code %q has an invalid segment %q", ErrValidation, code, part)
		}
	}
	return nil
}

func validSegment(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' && c != '-' {
			return false
		}
	}
	return true
}

// MatchCode reports whether pattern matches code segment-by-segment. A "*"
// segment in the pattern matches any single segment value; other segments
// must match literally.
func MatchCode(pattern, code string) bool {
	if pattern == code {
		return true
	}
	patternParts := strings.Split(pattern, ":")
	codeParts := strings.Split(code, ":")
	if len(patternParts) != len(codeParts) {
		return false
	}
	for i, pp := range patternParts {
		if pp == Wildcard {
			continue
		}
		if pp != codeParts[i] {
			return false
		}
	}
	return true
}

// MatchAny reports whether any pattern matches the code.
func MatchAny(patterns []string, code string) bool {
	for _, pattern := range patterns {
		if MatchCode(pattern, code) {
			return true
		}
	}
	return false
}
