package rbac

import (
	"context"
	"fmt"
	"log/slog"
)

// System role codes seeded at startup.
const (
	RoleSuperAdmin  = "SUPER_ADMIN"
	RoleTenantAdmin = "TENANT_ADMIN"
	RoleManager     = "MANAGER"
	RoleStaff       = "STAFF"
)

// Bootstrap idempotently seeds the SYSTEM role set and the permissions
// guarding this service's own admin surface. Re-running it is safe; races
// between replicas resolve through the unique constraints.
func Bootstrap(ctx context.Context, store *Store, manager *Manager, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	corePerms := map[string]struct {
		description string
		risk        RiskLevel
	}{
		PermRolesView:       {"View roles and their permission sets", RiskLow},
		PermRolesAssign:     {"Assign and revoke role assignments", RiskHigh},
		PermRolesManage:     {"Change which permissions a role grants", RiskCritical},
		PermPermissionsView: {"View the permission catalog", RiskLow},
		PermOverridesGrant:  {"Grant and revoke per-user overrides", RiskCritical},
		PermAuditView:       {"View the audit timeline", RiskMedium},
	}
	for code, def := range corePerms {
		if _, err := store.EnsurePermission(ctx, Permission{Code: code, Description: def.description, Risk: def.risk}); err != nil {
			return fmt.Errorf("rbac: bootstrap permission %s: %w", code, err)
		}
	}

	systemRoles := []Role{
		{Code: RoleSuperAdmin, Name: "Super Administrator", Description: "Unrestricted platform access", Level: RoleLevelSystem, Scope: RoleScopeSystem, IsSystem: true},
		{Code: RoleTenantAdmin, Name: "Tenant Administrator", Description: "Full administration within a tenant", Level: RoleLevelSystem, Scope: RoleScopeTenant, IsSystem: true},
		{Code: RoleManager, Name: "Manager", Description: "Operational management within a tenant", Level: RoleLevelTenant, Scope: RoleScopeTenant, IsSystem: true},
		{Code: RoleStaff, Name: "Staff", Description: "Day-to-day operations within a tenant", Level: RoleLevelTenant, Scope: RoleScopeTenant, IsSystem: true},
	}
	for _, role := range systemRoles {
		if _, err := store.EnsureRole(ctx, role); err != nil {
			return fmt.Errorf("rbac: bootstrap role %s: %w", role.Code, err)
		}
	}

	// TENANT_ADMIN carries the whole admin surface of this service. Actor 0
	// marks system-initiated changes in the audit trail.
	if err := manager.SetRolePermissions(ctx, ActorContext{UserID: 0}, RoleTenantAdmin, CoreScopes()); err != nil {
		return fmt.Errorf("rbac: bootstrap tenant admin permissions: %w", err)
	}

	logger.Info("rbac bootstrap complete",
		slog.Int("roles", len(systemRoles)), slog.Int("permissions", len(corePerms)))
	return nil
}
