package rbac

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by the RBAC core.
var (
	// ErrNotFound indicates an unknown role or permission code.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConflict indicates a duplicate unique-key insert.
	ErrConflict = errors.New("rbac: conflict")
	// ErrValidation indicates a malformed permission code or missing actor fields.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrStoreUnavailable indicates the relational store cannot be reached.
	// Callers must fail closed on this error.
	ErrStoreUnavailable = errors.New("rbac: store unavailable")
	// ErrCacheUnavailable indicates a degraded cache backend. The cache layer
	// recovers from it transparently; it never reaches external callers.
	ErrCacheUnavailable = errors.New("rbac: cache unavailable")
)

// RoleLevel classifies how a role is managed.
type RoleLevel string

// Role levels.
const (
	RoleLevelSystem RoleLevel = "SYSTEM"
	RoleLevelTenant RoleLevel = "TENANT"
	RoleLevelCustom RoleLevel = "CUSTOM"
)

// RoleScope determines where a role may be assigned.
type RoleScope string

// Role scopes.
const (
	RoleScopeSystem RoleScope = "SYSTEM"
	RoleScopeTenant RoleScope = "TENANT"
)

// RiskLevel classifies how sensitive a permission is.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// GrantType distinguishes per-user override kinds.
type GrantType string

// Override grant types.
const (
	GrantTypeGrant  GrantType = "GRANT"
	GrantTypeRevoke GrantType = "REVOKE"
)

// Role groups permissions under a unique code. CUSTOM roles are owned by a
// tenant; SYSTEM and TENANT level roles are shared platform configuration.
type Role struct {
	ID          int64
	Code        string
	Name        string
	Description string
	Level       RoleLevel
	Scope       RoleScope
	IsSystem    bool
	TenantID    *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is an atomic capability identified by a code of the form
// "module:resource:action". The resource and action segments may be "*".
type Permission struct {
	ID          int64
	Code        string
	Description string
	Risk        RiskLevel
	CreatedAt   time.Time
}

// RoleAssignment links a user to a role within a tenant. A nil TenantID
// denotes a system-wide assignment that applies across every tenant.
type RoleAssignment struct {
	ID         int64
	UserID     int64
	TenantID   *int64
	RoleID     int64
	AssignedBy int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// PermissionOverride grants or revokes one permission code for a user in a
// tenant, independent of role membership. At most one override is active per
// (user, tenant, permission); a newer override replaces the prior one.
type PermissionOverride struct {
	ID           int64
	UserID       int64
	TenantID     int64
	PermissionID int64
	Code         string
	GrantType    GrantType
	Reason       string
	GrantedBy    int64
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	IsActive     bool
}

// RoleDescriptor is the read-model view of a user's role membership.
type RoleDescriptor struct {
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Level     RoleLevel  `json:"level"`
	Scope     RoleScope  `json:"scope"`
	TenantID  *int64     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActorContext identifies the authenticated principal for authorization
// decisions. It is constructed once at the authentication boundary and passed
// explicitly through the call chain.
type ActorContext struct {
	UserID       int64
	TenantID     *int64
	IsSuperAdmin bool
}

// Validate reports whether the actor carries the fields every decision needs.
func (a ActorContext) Validate() error {
	if a.UserID <= 0 {
		return ErrValidation
	}
	return nil
}

// Expired reports whether a deadline has passed. The boundary is inclusive:
// expires_at equal to now contributes nothing.
func Expired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !expiresAt.After(now)
}
