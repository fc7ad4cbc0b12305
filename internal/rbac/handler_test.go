package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func handlerFixture(t *testing.T, store ServiceStore) (http.Handler, *fakeAssignmentStore, *fakeInvalidator) {
	t.Helper()
	svc := NewService(store, nil, nil, nil, fixedClock(testNow))

	assignStore := newFakeAssignmentStore()
	assignStore.roles["manager"] = Role{ID: 10, Code: "manager", Level: RoleLevelTenant, Scope: RoleScopeTenant}
	assignStore.permissions["pos:orders:create"] = Permission{ID: 100, Code: "pos:orders:create"}
	inv := &fakeInvalidator{}
	manager := NewManager(assignStore, inv, nil, fixedClock(testNow))

	h := NewHandler(nil, svc, manager, Middleware{Service: svc})
	router := chi.NewRouter()
	router.Route("/authz", h.MountRoutes)
	return router, assignStore, inv
}

func grantingStore(codes ...string) *stubServiceStore {
	return &stubServiceStore{
		stubResolverStore: stubResolverStore{
			assignments: []RoleAssignment{
				{ID: 1, UserID: 7, TenantID: int64Ptr(1), RoleID: 10, IsActive: true},
			},
			roleCodes: map[int64][]string{10: codes},
		},
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, actor *ActorContext) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req = req.WithContext(ContextWithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCheckEndpoint(t *testing.T) {
	h, _, _ := handlerFixture(t, grantingStore("pos:orders:view"))
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodPost, "/authz/check", `{"permission":"pos:orders:view"}`, &actor)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed=true")
	}

	rec = doRequest(t, h, http.MethodPost, "/authz/check", `{"permission":"pos:orders:void"}`, &actor)
	if rec.Code != http.StatusOK {
		t.Fatalf("deny status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected allowed=false for unassigned code")
	}
}

func TestCheckEndpointRejectsAnonymous(t *testing.T) {
	h, _, _ := handlerFixture(t, grantingStore())

	rec := doRequest(t, h, http.MethodPost, "/authz/check", `{"permission":"pos:orders:view"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCheckEndpointMalformedCode(t *testing.T) {
	h, _, _ := handlerFixture(t, grantingStore())
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodPost, "/authz/check", `{"permission":"nope"}`, &actor)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/authz/check", `{"permission":`, &actor)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("truncated body status = %d, want 400", rec.Code)
	}
}

func TestEffectivePermissionsEndpoint(t *testing.T) {
	h, _, _ := handlerFixture(t, grantingStore("pos:orders:view"))
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodGet, "/authz/permissions", "", &actor)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Permissions) != 1 || resp.Permissions[0] != "pos:orders:view" {
		t.Fatalf("permissions = %v", resp.Permissions)
	}
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	// Actor holds nothing, so every admin route must answer 403.
	h, _, _ := handlerFixture(t, grantingStore())
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	routes := []struct {
		method, path string
	}{
		{http.MethodGet, "/authz/admin/roles"},
		{http.MethodGet, "/authz/admin/permissions"},
		{http.MethodPut, "/authz/admin/roles/manager/permissions"},
		{http.MethodPost, "/authz/admin/assignments"},
		{http.MethodDelete, "/authz/admin/assignments"},
		{http.MethodPost, "/authz/admin/overrides"},
		{http.MethodDelete, "/authz/admin/overrides"},
	}
	for _, rt := range routes {
		rec := doRequest(t, h, rt.method, rt.path, "", &actor)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", rt.method, rt.path, rec.Code)
		}
	}
}

func TestAdminRoutesFailClosedOnStoreError(t *testing.T) {
	store := &stubServiceStore{
		stubResolverStore: stubResolverStore{assignmentsErr: errors.New("connection refused")},
	}
	h, _, _ := handlerFixture(t, store)
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodGet, "/authz/admin/roles", "", &actor)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestAssignEndpoint(t *testing.T) {
	h, assignStore, inv := handlerFixture(t, grantingStore(PermRolesAssign))
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodPost, "/authz/admin/assignments",
		`{"user_id":42,"tenant_id":1,"role_code":"manager"}`, &actor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(assignStore.assignments) != 1 || assignStore.assignments[0].UserID != 42 {
		t.Fatalf("assignment rows = %+v", assignStore.assignments)
	}
	if len(inv.invalidated) != 1 || inv.invalidated[0] != "42/1" {
		t.Fatalf("invalidated = %v, want [42/1]", inv.invalidated)
	}

	// Same triple again: conflict.
	rec = doRequest(t, h, http.MethodPost, "/authz/admin/assignments",
		`{"user_id":42,"tenant_id":1,"role_code":"manager"}`, &actor)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	// Unknown role: 404.
	rec = doRequest(t, h, http.MethodPost, "/authz/admin/assignments",
		`{"user_id":42,"tenant_id":1,"role_code":"nope"}`, &actor)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown role status = %d, want 404", rec.Code)
	}

	// Missing user id fails request validation.
	rec = doRequest(t, h, http.MethodPost, "/authz/admin/assignments",
		`{"tenant_id":1,"role_code":"manager"}`, &actor)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing user status = %d, want 422", rec.Code)
	}
}

func TestOverrideEndpoints(t *testing.T) {
	h, assignStore, _ := handlerFixture(t, grantingStore(PermOverridesGrant))
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	rec := doRequest(t, h, http.MethodPost, "/authz/admin/overrides",
		`{"user_id":42,"tenant_id":1,"permission_code":"pos:orders:create","grant_type":"REVOKE","reason":"incident 4411"}`, &actor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(assignStore.overrides) != 1 || assignStore.overrides[0].GrantType != GrantTypeRevoke {
		t.Fatalf("override rows = %+v", assignStore.overrides)
	}

	// grant_type outside the enum fails request validation.
	rec = doRequest(t, h, http.MethodPost, "/authz/admin/overrides",
		`{"user_id":42,"tenant_id":1,"permission_code":"pos:orders:create","grant_type":"MAYBE","reason":"x"}`, &actor)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad grant_type status = %d, want 422", rec.Code)
	}

	rec = doRequest(t, h, http.MethodDelete, "/authz/admin/overrides",
		`{"user_id":42,"tenant_id":1,"permission_code":"pos:orders:create"}`, &actor)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if assignStore.overrides[0].IsActive {
		t.Fatal("override still active after revoke")
	}
}

func TestRequireAnyPassesOnSecondCode(t *testing.T) {
	store := grantingStore("core:audit:view")
	svc := NewService(store, nil, nil, nil, fixedClock(testNow))
	mw := Middleware{Service: svc}

	var reached bool
	handler := mw.RequireAny(PermRolesManage, PermAuditView)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(ContextWithActor(context.Background(), actor))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !reached || rec.Code != http.StatusOK {
		t.Fatalf("reached=%v status=%d, want handler reached with 200", reached, rec.Code)
	}
}
