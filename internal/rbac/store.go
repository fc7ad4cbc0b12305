package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheNyokabi/MoranIP-sub003/internal/audit"
	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/db"
)

// Store provides PostgreSQL backed persistence for roles, permissions and
// their relations.
type Store struct {
	pool  *pgxpool.Pool
	audit *audit.Recorder
}

// NewStore constructs a store.
func NewStore(pool *pgxpool.Pool, recorder *audit.Recorder) *Store {
	return &Store{pool: pool, audit: recorder}
}

// RoleByCode fetches a role by its unique code.
func (s *Store) RoleByCode(ctx context.Context, code string) (Role, error) {
	const query = `
		SELECT id, code, name, description, level, scope, is_system, tenant_id, created_at, updated_at
		FROM roles WHERE code = $1`
	var role Role
	err := s.pool.QueryRow(ctx, query, code).Scan(
		&role.ID, &role.Code, &role.Name, &role.Description, &role.Level,
		&role.Scope, &role.IsSystem, &role.TenantID, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return Role{}, mapStoreError("role by code", err)
	}
	return role, nil
}

// PermissionByCode fetches a permission by its unique code.
func (s *Store) PermissionByCode(ctx context.Context, code string) (Permission, error) {
	const query = `SELECT id, code, description, risk_level, created_at FROM permissions WHERE code = $1`
	var perm Permission
	err := s.pool.QueryRow(ctx, query, code).Scan(
		&perm.ID, &perm.Code, &perm.Description, &perm.Risk, &perm.CreatedAt,
	)
	if err != nil {
		return Permission{}, mapStoreError("permission by code", err)
	}
	return perm, nil
}

// ListRoles returns all roles visible to the tenant: shared platform roles
// plus the tenant's own CUSTOM roles.
func (s *Store) ListRoles(ctx context.Context, tenantID *int64) ([]Role, error) {
	const query = `
		SELECT id, code, name, description, level, scope, is_system, tenant_id, created_at, updated_at
		FROM roles
		WHERE tenant_id IS NULL OR tenant_id IS NOT DISTINCT FROM $1
		ORDER BY code`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, mapStoreError("list roles", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(
			&role.ID, &role.Code, &role.Name, &role.Description, &role.Level,
			&role.Scope, &role.IsSystem, &role.TenantID, &role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, mapStoreError("list roles", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("list roles", err)
	}
	return roles, nil
}

// ListPermissions returns all permissions ordered by code.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	const query = `SELECT id, code, description, risk_level, created_at FROM permissions ORDER BY code`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapStoreError("list permissions", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Code, &perm.Description, &perm.Risk, &perm.CreatedAt); err != nil {
			return nil, mapStoreError("list permissions", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("list permissions", err)
	}
	return perms, nil
}

// ActiveAssignments returns the user's role assignments that are active and
// unexpired at now, for the given tenant plus any system-wide assignments.
func (s *Store) ActiveAssignments(ctx context.Context, userID int64, tenantID *int64, now time.Time) ([]RoleAssignment, error) {
	const query = `
		SELECT id, user_id, tenant_id, role_id, assigned_by, assigned_at, expires_at, is_active
		FROM role_assignments
		WHERE user_id = $1
		  AND (tenant_id IS NULL OR tenant_id IS NOT DISTINCT FROM $2)
		  AND is_active
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, userID, tenantID, now)
	if err != nil {
		return nil, mapStoreError("active assignments", err)
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		var ra RoleAssignment
		if err := rows.Scan(
			&ra.ID, &ra.UserID, &ra.TenantID, &ra.RoleID,
			&ra.AssignedBy, &ra.AssignedAt, &ra.ExpiresAt, &ra.IsActive,
		); err != nil {
			return nil, mapStoreError("active assignments", err)
		}
		assignments = append(assignments, ra)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("active assignments", err)
	}
	return assignments, nil
}

// RolePermissionCodes returns the deduplicated permission codes attached to
// the given roles.
func (s *Store) RolePermissionCodes(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT p.code
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
		ORDER BY p.code`
	rows, err := s.pool.Query(ctx, query, roleIDs)
	if err != nil {
		return nil, mapStoreError("role permission codes", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, mapStoreError("role permission codes", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("role permission codes", err)
	}
	return codes, nil
}

// ActiveOverrides returns unexpired active overrides for (user, tenant).
func (s *Store) ActiveOverrides(ctx context.Context, userID, tenantID int64, now time.Time) ([]PermissionOverride, error) {
	const query = `
		SELECT o.id, o.user_id, o.tenant_id, o.permission_id, p.code, o.grant_type,
		       o.reason, o.granted_by, o.created_at, o.expires_at, o.is_active
		FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1 AND o.tenant_id = $2
		  AND o.is_active
		  AND (o.expires_at IS NULL OR o.expires_at > $3)
		ORDER BY o.id`
	rows, err := s.pool.Query(ctx, query, userID, tenantID, now)
	if err != nil {
		return nil, mapStoreError("active overrides", err)
	}
	defer rows.Close()
	var overrides []PermissionOverride
	for rows.Next() {
		var ov PermissionOverride
		if err := rows.Scan(
			&ov.ID, &ov.UserID, &ov.TenantID, &ov.PermissionID, &ov.Code, &ov.GrantType,
			&ov.Reason, &ov.GrantedBy, &ov.CreatedAt, &ov.ExpiresAt, &ov.IsActive,
		); err != nil {
			return nil, mapStoreError("active overrides", err)
		}
		overrides = append(overrides, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("active overrides", err)
	}
	return overrides, nil
}

// RolesForUser returns role descriptors for the user's active, unexpired
// assignments visible from the given tenant.
func (s *Store) RolesForUser(ctx context.Context, userID int64, tenantID *int64, now time.Time) ([]RoleDescriptor, error) {
	const query = `
		SELECT r.code, r.name, r.level, r.scope, ra.tenant_id, ra.expires_at
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		WHERE ra.user_id = $1
		  AND (ra.tenant_id IS NULL OR ra.tenant_id IS NOT DISTINCT FROM $2)
		  AND ra.is_active
		  AND (ra.expires_at IS NULL OR ra.expires_at > $3)
		ORDER BY r.code`
	rows, err := s.pool.Query(ctx, query, userID, tenantID, now)
	if err != nil {
		return nil, mapStoreError("roles for user", err)
	}
	defer rows.Close()
	var descriptors []RoleDescriptor
	for rows.Next() {
		var rd RoleDescriptor
		if err := rows.Scan(&rd.Code, &rd.Name, &rd.Level, &rd.Scope, &rd.TenantID, &rd.ExpiresAt); err != nil {
			return nil, mapStoreError("roles for user", err)
		}
		descriptors = append(descriptors, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("roles for user", err)
	}
	return descriptors, nil
}

// EnsureRole upserts a role by code. Used by the bootstrap seeding path;
// concurrent creation races resolve through the unique constraint.
func (s *Store) EnsureRole(ctx context.Context, role Role) (Role, error) {
	const query = `
		INSERT INTO roles (code, name, description, level, scope, is_system, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			updated_at = NOW()
		RETURNING id, code, name, description, level, scope, is_system, tenant_id, created_at, updated_at`
	var out Role
	err := s.pool.QueryRow(ctx, query,
		role.Code, role.Name, role.Description, role.Level, role.Scope, role.IsSystem, role.TenantID,
	).Scan(
		&out.ID, &out.Code, &out.Name, &out.Description, &out.Level,
		&out.Scope, &out.IsSystem, &out.TenantID, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return Role{}, mapStoreError("ensure role", err)
	}
	return out, nil
}

// EnsurePermission upserts a permission by code.
func (s *Store) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	const query = `
		INSERT INTO permissions (code, description, risk_level, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			risk_level = EXCLUDED.risk_level
		RETURNING id, code, description, risk_level, created_at`
	var out Permission
	err := s.pool.QueryRow(ctx, query, perm.Code, perm.Description, perm.Risk).Scan(
		&out.ID, &out.Code, &out.Description, &out.Risk, &out.CreatedAt,
	)
	if err != nil {
		return Permission{}, mapStoreError("ensure permission", err)
	}
	return out, nil
}

// InTx runs fn against a transactional view of the store. Every mutation the
// assignment manager performs goes through here so the row change and its
// audit entry commit or roll back together.
func (s *Store) InTx(ctx context.Context, fn func(MutationTx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&storeTx{tx: tx, audit: s.audit})
	})
}

// MutationTx is the transactional mutation surface consumed by the
// assignment manager. Implemented by storeTx in production and by fakes in
// tests.
type MutationTx interface {
	ReactivateAssignment(ctx context.Context, userID int64, tenantID *int64, roleID, assignedBy int64, expiresAt *time.Time, at time.Time) (int64, bool, error)
	InsertAssignment(ctx context.Context, assignment RoleAssignment) (int64, error)
	DeactivateAssignment(ctx context.Context, userID int64, tenantID *int64, roleID int64, at time.Time) (int64, error)
	DeactivateOverride(ctx context.Context, userID, tenantID, permissionID int64, at time.Time) (int64, error)
	InsertOverride(ctx context.Context, override PermissionOverride) (int64, error)
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	AppendAudit(ctx context.Context, entry audit.Entry) error
}

type storeTx struct {
	tx    pgx.Tx
	audit *audit.Recorder
}

// ReactivateAssignment flips an existing soft-revoked assignment back on.
// Returns found=false when no inactive row exists for the triple.
func (t *storeTx) ReactivateAssignment(ctx context.Context, userID int64, tenantID *int64, roleID, assignedBy int64, expiresAt *time.Time, at time.Time) (int64, bool, error) {
	const query = `
		UPDATE role_assignments
		SET is_active = TRUE, assigned_by = $4, assigned_at = $5, expires_at = $6
		WHERE user_id = $1 AND tenant_id IS NOT DISTINCT FROM $2 AND role_id = $3 AND NOT is_active
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, query, userID, tenantID, roleID, assignedBy, at, expiresAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapStoreError("reactivate assignment", err)
	}
	return id, true, nil
}

func (t *storeTx) InsertAssignment(ctx context.Context, a RoleAssignment) (int64, error) {
	const query = `
		INSERT INTO role_assignments (user_id, tenant_id, role_id, assigned_by, assigned_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, query, a.UserID, a.TenantID, a.RoleID, a.AssignedBy, a.AssignedAt, a.ExpiresAt).Scan(&id)
	if err != nil {
		return 0, mapStoreError("insert assignment", err)
	}
	return id, nil
}

func (t *storeTx) DeactivateAssignment(ctx context.Context, userID int64, tenantID *int64, roleID int64, at time.Time) (int64, error) {
	const query = `
		UPDATE role_assignments
		SET is_active = FALSE
		WHERE user_id = $1 AND tenant_id IS NOT DISTINCT FROM $2 AND role_id = $3 AND is_active`
	tag, err := t.tx.Exec(ctx, query, userID, tenantID, roleID)
	if err != nil {
		return 0, mapStoreError("deactivate assignment", err)
	}
	return tag.RowsAffected(), nil
}

func (t *storeTx) DeactivateOverride(ctx context.Context, userID, tenantID, permissionID int64, at time.Time) (int64, error) {
	const query = `
		UPDATE permission_overrides
		SET is_active = FALSE
		WHERE user_id = $1 AND tenant_id = $2 AND permission_id = $3 AND is_active`
	tag, err := t.tx.Exec(ctx, query, userID, tenantID, permissionID)
	if err != nil {
		return 0, mapStoreError("deactivate override", err)
	}
	return tag.RowsAffected(), nil
}

func (t *storeTx) InsertOverride(ctx context.Context, o PermissionOverride) (int64, error) {
	const query = `
		INSERT INTO permission_overrides (user_id, tenant_id, permission_id, grant_type, reason, granted_by, created_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		o.UserID, o.TenantID, o.PermissionID, o.GrantType, o.Reason, o.GrantedBy, o.CreatedAt, o.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return 0, mapStoreError("insert override", err)
	}
	return id, nil
}

func (t *storeTx) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	const query = `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`
	rows, err := t.tx.Query(ctx, query, roleID)
	if err != nil {
		return nil, mapStoreError("role permission ids", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapStoreError("role permission ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("role permission ids", err)
	}
	return ids, nil
}

func (t *storeTx) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	const query = `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (role_id, permission_id) DO NOTHING`
	if _, err := t.tx.Exec(ctx, query, roleID, permissionID); err != nil {
		return mapStoreError("attach permission", err)
	}
	return nil
}

func (t *storeTx) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	const query = `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`
	if _, err := t.tx.Exec(ctx, query, roleID, permissionID); err != nil {
		return mapStoreError("detach permission", err)
	}
	return nil
}

func (t *storeTx) AppendAudit(ctx context.Context, entry audit.Entry) error {
	return t.audit.Append(ctx, t.tx, entry)
}

// mapStoreError translates driver errors into this package's sentinels.
// Unique violations become ErrConflict, empty results become ErrNotFound and
// connectivity failures become ErrStoreUnavailable so callers fail closed.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rbac: %s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("rbac: %s: %w", op, ErrConflict)
		}
		return fmt.Errorf("rbac: %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("rbac: %s: %v: %w", op, err, ErrStoreUnavailable)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("rbac: %s: %v: %w", op, err, ErrStoreUnavailable)
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}
