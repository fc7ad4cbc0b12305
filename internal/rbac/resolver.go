package rbac

import (
	"context"
	"time"
)

// ResolverStore is the read surface the resolver needs. Expiry filtering
// happens in the store so cached and uncached reads see the same predicate.
type ResolverStore interface {
	ActiveAssignments(ctx context.Context, userID int64, tenantID *int64, now time.Time) ([]RoleAssignment, error)
	RolePermissionCodes(ctx context.Context, roleIDs []int64) ([]string, error)
	ActiveOverrides(ctx context.Context, userID, tenantID int64, now time.Time) ([]PermissionOverride, error)
}

// Resolver computes effective permission snapshots from store data.
type Resolver struct {
	store ResolverStore
	now   func() time.Time
}

// NewResolver constructs a resolver. A nil clock defaults to UTC wall time.
func NewResolver(store ResolverStore, clock func() time.Time) *Resolver {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{store: store, now: clock}
}

// Resolve computes the snapshot for the actor.
//
// SUPER_ADMIN actors short-circuit to allow-everything without touching the
// role or override tables; the bypass is the caller's to record. Everyone
// else gets the union of permission codes from their active, unexpired role
// assignments (tenant-scoped plus system-wide), REVOKE overrides retained as
// patterns that always win over role grants, and GRANT overrides added on
// top. An actor with nothing assigned resolves to the empty snapshot: the
// default policy is deny.
func (r *Resolver) Resolve(ctx context.Context, actor ActorContext) (Snapshot, error) {
	if err := actor.Validate(); err != nil {
		return Snapshot{}, err
	}
	if actor.IsSuperAdmin {
		return Snapshot{AllowAll: true}, nil
	}

	now := r.now()

	assignments, err := r.store.ActiveAssignments(ctx, actor.UserID, actor.TenantID, now)
	if err != nil {
		return Snapshot{}, err
	}

	// The store already filters, but the predicate is re-applied here so the
	// expiry boundary stays inclusive no matter which store backs us.
	var snapshot Snapshot
	roleIDs := make([]int64, 0, len(assignments))
	seen := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.IsActive || Expired(a.ExpiresAt, now) {
			continue
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(roleIDs) > 0 {
		codes, err := r.store.RolePermissionCodes(ctx, roleIDs)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.RoleCodes = codes
	}

	// Overrides are tenant-scoped; a tenant-less actor carries none.
	if actor.TenantID != nil {
		overrides, err := r.store.ActiveOverrides(ctx, actor.UserID, *actor.TenantID, now)
		if err != nil {
			return Snapshot{}, err
		}
		for _, ov := range overrides {
			if !ov.IsActive || Expired(ov.ExpiresAt, now) {
				continue
			}
			switch ov.GrantType {
			case GrantTypeRevoke:
				snapshot.Revoked = append(snapshot.Revoked, ov.Code)
			case GrantTypeGrant:
				snapshot.Granted = append(snapshot.Granted, ov.Code)
			}
		}
	}

	return snapshot, nil
}

// HasPermission resolves the actor and answers one query.
func (r *Resolver) HasPermission(ctx context.Context, actor ActorContext, code string) (bool, error) {
	snapshot, err := r.Resolve(ctx, actor)
	if err != nil {
		return false, err
	}
	return snapshot.Has(code), nil
}
