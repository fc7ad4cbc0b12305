package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/TheNyokabi/MoranIP-sub003/internal/audit"
)

// Audit actions emitted by the assignment manager.
const (
	ActionRoleAssigned    = "rbac.role.assigned"
	ActionRoleRevoked     = "rbac.role.revoked"
	ActionOverrideGranted = "rbac.override.granted"
	ActionOverrideRevoked = "rbac.override.revoked"
	ActionRolePermsSet    = "rbac.role.permissions_set"
)

// AssignmentStore is the store surface the manager mutates through.
type AssignmentStore interface {
	RoleByCode(ctx context.Context, code string) (Role, error)
	PermissionByCode(ctx context.Context, code string) (Permission, error)
	InTx(ctx context.Context, fn func(MutationTx) error) error
}

// Invalidator is the cache surface the manager notifies after commit.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64, tenantID *int64)
	BumpRolesVersion(ctx context.Context)
}

// Manager performs every assignment and override mutation. Each operation is
// one transaction that persists the row change together with its audit
// entry; an authorization change that cannot be recorded does not take
// effect. The affected cache key is invalidated only after commit.
type Manager struct {
	store  AssignmentStore
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs a manager. A nil clock defaults to UTC wall time.
func NewManager(store AssignmentStore, cache Invalidator, logger *slog.Logger, clock func() time.Time) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: store, cache: cache, logger: logger, now: clock}
}

// AssignRole grants a role to a user within a tenant (nil tenant for
// system-wide assignments). A soft-revoked assignment for the same triple is
// reactivated; an already-active one surfaces ErrConflict from the store's
// unique constraint.
func (m *Manager) AssignRole(ctx context.Context, actor ActorContext, userID int64, tenantID *int64, roleCode string, expiresAt *time.Time) (RoleAssignment, error) {
	if userID <= 0 {
		return RoleAssignment{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	role, err := m.store.RoleByCode(ctx, roleCode)
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := checkRoleScope(role, tenantID); err != nil {
		return RoleAssignment{}, err
	}

	now := m.now()
	assignment := RoleAssignment{
		UserID:     userID,
		TenantID:   tenantID,
		RoleID:     role.ID,
		AssignedBy: actor.UserID,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
		IsActive:   true,
	}
	err = m.store.InTx(ctx, func(tx MutationTx) error {
		id, reactivated, err := tx.ReactivateAssignment(ctx, userID, tenantID, role.ID, actor.UserID, expiresAt, now)
		if err != nil {
			return err
		}
		if !reactivated {
			id, err = tx.InsertAssignment(ctx, assignment)
			if err != nil {
				return err
			}
		}
		assignment.ID = id
		return tx.AppendAudit(ctx, audit.Entry{
			ActorID:  actor.UserID,
			TenantID: tenantID,
			Action:   ActionRoleAssigned,
			Entity:   "role_assignment",
			EntityID: strconv.FormatInt(id, 10),
			AfterID:  &role.ID,
			Meta:     assignMeta(userID, role.Code, expiresAt, reactivated),
			At:       now,
		})
	})
	if err != nil {
		return RoleAssignment{}, err
	}

	m.invalidate(ctx, userID, tenantID)
	return assignment, nil
}

// RevokeRole soft-revokes a role assignment. The row is retained for audit.
func (m *Manager) RevokeRole(ctx context.Context, actor ActorContext, userID int64, tenantID *int64, roleCode string) error {
	role, err := m.store.RoleByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	now := m.now()
	err = m.store.InTx(ctx, func(tx MutationTx) error {
		rows, err := tx.DeactivateAssignment(ctx, userID, tenantID, role.ID, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rbac: revoke role %s: %w", roleCode, ErrNotFound)
		}
		return tx.AppendAudit(ctx, audit.Entry{
			ActorID:  actor.UserID,
			TenantID: tenantID,
			Action:   ActionRoleRevoked,
			Entity:   "role_assignment",
			EntityID: strconv.FormatInt(userID, 10),
			BeforeID: &role.ID,
			Meta:     map[string]any{"user_id": userID, "role_code": role.Code},
			At:       now,
		})
	})
	if err != nil {
		return err
	}

	m.invalidate(ctx, userID, tenantID)
	return nil
}

// GrantOverride records a per-user GRANT or REVOKE override for one
// permission code. A prior active override for the same (user, tenant,
// permission) is deactivated in the same transaction; only one override per
// triple is ever active.
func (m *Manager) GrantOverride(ctx context.Context, actor ActorContext, userID, tenantID int64, permissionCode string, grantType GrantType, reason string, expiresAt *time.Time) (PermissionOverride, error) {
	if userID <= 0 {
		return PermissionOverride{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if grantType != GrantTypeGrant && grantType != GrantTypeRevoke {
		return PermissionOverride{}, fmt.Errorf("%w: grant type %q", ErrValidation, grantType)
	}
	if err := ValidateCode(permissionCode); err != nil {
		return PermissionOverride{}, err
	}
	perm, err := m.store.PermissionByCode(ctx, permissionCode)
	if err != nil {
		return PermissionOverride{}, err
	}

	now := m.now()
	override := PermissionOverride{
		UserID:       userID,
		TenantID:     tenantID,
		PermissionID: perm.ID,
		Code:         perm.Code,
		GrantType:    grantType,
		Reason:       reason,
		GrantedBy:    actor.UserID,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		IsActive:     true,
	}
	err = m.store.InTx(ctx, func(tx MutationTx) error {
		replaced, err := tx.DeactivateOverride(ctx, userID, tenantID, perm.ID, now)
		if err != nil {
			return err
		}
		id, err := tx.InsertOverride(ctx, override)
		if err != nil {
			return err
		}
		override.ID = id
		return tx.AppendAudit(ctx, audit.Entry{
			ActorID:  actor.UserID,
			TenantID: &tenantID,
			Action:   ActionOverrideGranted,
			Entity:   "permission_override",
			EntityID: strconv.FormatInt(id, 10),
			AfterID:  &perm.ID,
			Meta: map[string]any{
				"user_id":         userID,
				"permission_code": perm.Code,
				"grant_type":      string(grantType),
				"reason":          reason,
				"replaced":        replaced > 0,
			},
			At: now,
		})
	})
	if err != nil {
		return PermissionOverride{}, err
	}

	m.invalidate(ctx, userID, &tenantID)
	return override, nil
}

// RevokeOverride deactivates the active override for (user, tenant,
// permission). The row is retained for audit.
func (m *Manager) RevokeOverride(ctx context.Context, actor ActorContext, userID, tenantID int64, permissionCode string) error {
	if err := ValidateCode(permissionCode); err != nil {
		return err
	}
	perm, err := m.store.PermissionByCode(ctx, permissionCode)
	if err != nil {
		return err
	}
	now := m.now()
	err = m.store.InTx(ctx, func(tx MutationTx) error {
		rows, err := tx.DeactivateOverride(ctx, userID, tenantID, perm.ID, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rbac: revoke override %s: %w", permissionCode, ErrNotFound)
		}
		return tx.AppendAudit(ctx, audit.Entry{
			ActorID:  actor.UserID,
			TenantID: &tenantID,
			Action:   ActionOverrideRevoked,
			Entity:   "permission_override",
			EntityID: strconv.FormatInt(userID, 10),
			BeforeID: &perm.ID,
			Meta:     map[string]any{"user_id": userID, "permission_code": perm.Code},
			At:       now,
		})
	})
	if err != nil {
		return err
	}

	m.invalidate(ctx, userID, &tenantID)
	return nil
}

// SetRolePermissions replaces a role's permission set by diffing against the
// current attachments. Because every cached snapshot may derive from the
// role, the global roles version is bumped instead of deleting per-user keys.
func (m *Manager) SetRolePermissions(ctx context.Context, actor ActorContext, roleCode string, permissionCodes []string) error {
	role, err := m.store.RoleByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	wanted := make([]int64, 0, len(permissionCodes))
	for _, code := range permissionCodes {
		if err := ValidateCode(code); err != nil {
			return err
		}
		perm, err := m.store.PermissionByCode(ctx, code)
		if err != nil {
			return err
		}
		wanted = append(wanted, perm.ID)
	}

	now := m.now()
	err = m.store.InTx(ctx, func(tx MutationTx) error {
		current, err := tx.RolePermissionIDs(ctx, role.ID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{}, len(current))
		for _, id := range current {
			existing[id] = struct{}{}
		}
		keep := make(map[int64]struct{}, len(wanted))
		for _, id := range wanted {
			keep[id] = struct{}{}
			if _, ok := existing[id]; !ok {
				if err := tx.AttachPermission(ctx, role.ID, id); err != nil {
					return err
				}
			}
		}
		for id := range existing {
			if _, ok := keep[id]; !ok {
				if err := tx.DetachPermission(ctx, role.ID, id); err != nil {
					return err
				}
			}
		}
		return tx.AppendAudit(ctx, audit.Entry{
			ActorID:  actor.UserID,
			TenantID: actor.TenantID,
			Action:   ActionRolePermsSet,
			Entity:   "role",
			EntityID: strconv.FormatInt(role.ID, 10),
			Meta:     map[string]any{"role_code": role.Code, "permission_codes": permissionCodes},
			At:       now,
		})
	})
	if err != nil {
		return err
	}

	if m.cache != nil {
		m.cache.BumpRolesVersion(ctx)
	}
	return nil
}

func (m *Manager) invalidate(ctx context.Context, userID int64, tenantID *int64) {
	if m.cache == nil {
		return
	}
	m.cache.Invalidate(ctx, userID, tenantID)
}

func checkRoleScope(role Role, tenantID *int64) error {
	switch role.Scope {
	case RoleScopeSystem:
		if tenantID != nil {
			return fmt.Errorf("%w: role %s is system scoped", ErrValidation, role.Code)
		}
	case RoleScopeTenant:
		if tenantID == nil {
			return fmt.Errorf("%w: role %s requires a tenant", ErrValidation, role.Code)
		}
	}
	if role.Level == RoleLevelCustom {
		if role.TenantID == nil || tenantID == nil || *role.TenantID != *tenantID {
			return fmt.Errorf("%w: custom role %s belongs to another tenant", ErrValidation, role.Code)
		}
	}
	return nil
}

func assignMeta(userID int64, roleCode string, expiresAt *time.Time, reactivated bool) map[string]any {
	meta := map[string]any{
		"user_id":     userID,
		"role_code":   roleCode,
		"reactivated": reactivated,
	}
	if expiresAt != nil {
		meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	return meta
}
