package rbac

import (
	"context"
	"log/slog"
	"time"
)

// SuperAdminScope is the synthetic pattern reported as the effective set of
// a SUPER_ADMIN actor. It is never stored as a permission row.
const SuperAdminScope = "*:*:*"

// ServiceStore is the read surface the service facade needs on top of the
// resolver's.
type ServiceStore interface {
	ResolverStore
	RolesForUser(ctx context.Context, userID int64, tenantID *int64, now time.Time) ([]RoleDescriptor, error)
	ListRoles(ctx context.Context, tenantID *int64) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Service answers permission queries through the cache and resolver. It is
// the single decision point external callers consume.
type Service struct {
	resolver  *Resolver
	cache     *SnapshotCache
	store     ServiceStore
	logger    *slog.Logger
	telemetry Telemetry
	now       func() time.Time
}

// NewService wires the decision path together.
func NewService(store ServiceStore, cache *SnapshotCache, logger *slog.Logger, telemetry Telemetry, clock func() time.Time) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		resolver:  NewResolver(store, clock),
		cache:     cache,
		store:     store,
		logger:    logger,
		telemetry: telemetry,
		now:       clock,
	}
}

// CheckPermission reports whether the actor holds the permission code. A
// denied code and a nonexistent code are indistinguishable to the caller. On
// store failure the error propagates and the caller must fail closed.
func (s *Service) CheckPermission(ctx context.Context, actor ActorContext, code string) (bool, error) {
	if err := ValidateCode(code); err != nil {
		return false, err
	}
	if err := actor.Validate(); err != nil {
		return false, err
	}
	if actor.IsSuperAdmin {
		// The bypass is visible, not hidden: it is logged here and the
		// resolver never touches role or override tables for it.
		s.logger.Info("super admin bypass",
			slog.Int64("user_id", actor.UserID), slog.String("permission", code))
		s.decision("bypass")
		return true, nil
	}

	snapshot, err := s.snapshot(ctx, actor)
	if err != nil {
		s.decision("error")
		return false, err
	}
	if snapshot.Has(code) {
		s.decision("allow")
		return true, nil
	}
	s.decision("deny")
	return false, nil
}

// EffectivePermissions returns the actor's full effective permission set.
func (s *Service) EffectivePermissions(ctx context.Context, actor ActorContext) ([]string, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if actor.IsSuperAdmin {
		return []string{SuperAdminScope}, nil
	}
	snapshot, err := s.snapshot(ctx, actor)
	if err != nil {
		return nil, err
	}
	return snapshot.Effective(), nil
}

// Roles returns descriptors for the actor's active role assignments.
func (s *Service) Roles(ctx context.Context, actor ActorContext) ([]RoleDescriptor, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	return s.store.RolesForUser(ctx, actor.UserID, actor.TenantID, s.now())
}

// ListRoles returns the role catalog visible to the actor's tenant.
func (s *Service) ListRoles(ctx context.Context, actor ActorContext) ([]Role, error) {
	return s.store.ListRoles(ctx, actor.TenantID)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// Warm resolves and caches the snapshot for one (user, tenant) pair. Used by
// the background warmup job.
func (s *Service) Warm(ctx context.Context, userID int64, tenantID *int64) error {
	_, err := s.snapshot(ctx, ActorContext{UserID: userID, TenantID: tenantID})
	return err
}

func (s *Service) snapshot(ctx context.Context, actor ActorContext) (Snapshot, error) {
	start := time.Now()
	snapshot, err := s.cache.Fetch(ctx, actor, func(ctx context.Context) (Snapshot, error) {
		return s.resolver.Resolve(ctx, actor)
	})
	if s.telemetry != nil {
		s.telemetry.ObserveResolve(time.Since(start))
	}
	return snapshot, err
}

func (s *Service) decision(outcome string) {
	if s.telemetry != nil {
		s.telemetry.Decision(outcome)
	}
}
