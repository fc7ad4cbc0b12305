package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/httpx"
)

// Handler exposes the authorization query and admin mutation API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	manager  *Manager
	validate *validator.Validate
	rbac     Middleware
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service *Service, manager *Manager, mw Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		manager:  manager,
		validate: validator.New(),
		rbac:     mw,
	}
}

// MountRoutes registers the authz query routes and the permission-gated
// admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/permissions", h.effectivePermissions)
	r.Get("/roles", h.actorRoles)

	r.Route("/admin", func(r chi.Router) {
		r.With(h.rbac.Require(PermRolesView)).Get("/roles", h.listRoles)
		r.With(h.rbac.Require(PermPermissionsView)).Get("/permissions", h.listPermissions)
		r.With(h.rbac.Require(PermRolesManage)).Put("/roles/{code}/permissions", h.setRolePermissions)
		r.With(h.rbac.Require(PermRolesAssign)).Post("/assignments", h.assignRole)
		r.With(h.rbac.Require(PermRolesAssign)).Delete("/assignments", h.revokeRole)
		r.With(h.rbac.Require(PermOverridesGrant)).Post("/overrides", h.grantOverride)
		r.With(h.rbac.Require(PermOverridesGrant)).Delete("/overrides", h.revokeOverride)
	})
}

type checkRequest struct {
	Permission string `json:"permission" validate:"required"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor context")
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	allowed, err := h.service.CheckPermission(r.Context(), actor, req.Permission)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor context")
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) actorRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor context")
		return
	}
	roles, err := h.service.Roles(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if roles == nil {
		roles = []RoleDescriptor{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type roleResponse struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Level       RoleLevel `json:"level"`
	Scope       RoleScope `json:"scope"`
	IsSystem    bool      `json:"is_system"`
	TenantID    *int64    `json:"tenant_id,omitempty"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	roles, err := h.service.ListRoles(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			Code:        role.Code,
			Name:        role.Name,
			Description: role.Description,
			Level:       role.Level,
			Scope:       role.Scope,
			IsSystem:    role.IsSystem,
			TenantID:    role.TenantID,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type permissionResponse struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Risk        RiskLevel `json:"risk_level"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, permissionResponse{Code: perm.Code, Description: perm.Description, Risk: perm.Risk})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type setRolePermissionsRequest struct {
	PermissionCodes []string `json:"permission_codes" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	roleCode := chi.URLParam(r, "code")
	var req setRolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if err := h.manager.SetRolePermissions(r.Context(), actor, roleCode, req.PermissionCodes); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_code": roleCode, "permission_codes": req.PermissionCodes})
}

type assignRoleRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	TenantID  *int64     `json:"tenant_id,omitempty"`
	RoleCode  string     `json:"role_code" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	assignment, err := h.manager.AssignRole(r.Context(), actor, req.UserID, req.TenantID, req.RoleCode, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":         assignment.ID,
		"user_id":    assignment.UserID,
		"tenant_id":  assignment.TenantID,
		"role_code":  req.RoleCode,
		"expires_at": assignment.ExpiresAt,
	})
}

type revokeRoleRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	TenantID *int64 `json:"tenant_id,omitempty"`
	RoleCode string `json:"role_code" validate:"required"`
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req revokeRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if err := h.manager.RevokeRole(r.Context(), actor, req.UserID, req.TenantID, req.RoleCode); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantOverrideRequest struct {
	UserID         int64      `json:"user_id" validate:"required,gt=0"`
	TenantID       int64      `json:"tenant_id" validate:"required,gt=0"`
	PermissionCode string     `json:"permission_code" validate:"required"`
	GrantType      string     `json:"grant_type" validate:"required,oneof=GRANT REVOKE"`
	Reason         string     `json:"reason" validate:"required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) grantOverride(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req grantOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	override, err := h.manager.GrantOverride(r.Context(), actor, req.UserID, req.TenantID, req.PermissionCode, GrantType(req.GrantType), req.Reason, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":              override.ID,
		"user_id":         override.UserID,
		"tenant_id":       override.TenantID,
		"permission_code": override.Code,
		"grant_type":      override.GrantType,
		"expires_at":      override.ExpiresAt,
	})
}

type revokeOverrideRequest struct {
	UserID         int64  `json:"user_id" validate:"required,gt=0"`
	TenantID       int64  `json:"tenant_id" validate:"required,gt=0"`
	PermissionCode string `json:"permission_code" validate:"required"`
}

func (h *Handler) revokeOverride(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	var req revokeOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	if err := h.manager.RevokeOverride(r.Context(), actor, req.UserID, req.TenantID, req.PermissionCode); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Error("rbac store unavailable", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Store Unavailable", "")
	default:
		h.logger.Error("rbac request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}
