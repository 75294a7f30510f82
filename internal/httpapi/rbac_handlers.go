package httpapi

import (
	"net/http"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/rbac"
	"wattguard.io/internal/tenancy"
)

type createTenantRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

type tenantActiveRequest struct {
	Active *bool `json:"active"`
}

type createPrincipalRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Status     string `json:"status"`
}

type principalStatusRequest struct {
	Status string `json:"status"`
}

type memberRequest struct {
	PrincipalID string `json:"principal_id"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type roleBindingRequest struct {
	RoleID string `json:"role_id"`
}

type grantRequest struct {
	PrincipalID  string `json:"principal_id"`
	Permission   string `json:"permission"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Effect       string `json:"effect"`
}

type createGroupRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type moveGroupRequest struct {
	ParentID string `json:"parent_id"`
}

type resourceRequest struct {
	OwnerID    string         `json:"owner_id"`
	GroupID    string         `json:"group_id"`
	Attributes map[string]any `json:"attributes"`
}

type principalResponse struct {
	ID            string               `json:"id"`
	Identifier    string               `json:"identifier"`
	Status        auth.PrincipalStatus `json:"status"`
	EmailVerified bool                 `json:"email_verified"`
}

func (a *API) routeAdmin() {
	tenant := PathResource(tenancy.ResourceTypeTenant, "tenant")
	group := PathResource(auth.ResourceTypeDeviceGroup, "group")
	guard := func(action string, res ResourceFunc, h http.HandlerFunc) http.Handler {
		return a.RequireAction(action, res)(h)
	}

	// Platform-wide operations need a global role.
	a.mux.Handle("POST /v1/tenants", a.platform(a.createTenant))
	a.mux.Handle("PATCH /v1/tenants/{tenant}", a.platform(a.setTenantActive))
	a.mux.Handle("POST /v1/principals", a.platform(a.createPrincipal))
	a.mux.Handle("PUT /v1/principals/{identifier}/status", a.platform(a.setPrincipalStatus))
	a.mux.Handle("POST /v1/principals/{identifier}/unlock", a.platform(a.unlockPrincipal))
	a.mux.Handle("POST /v1/principals/{principal}/global-roles", a.platform(a.assignGlobalRole))
	a.mux.Handle("POST /v1/permissions", a.platform(a.definePermission))

	a.mux.Handle("GET /v1/permissions", guard(auth.PermRoleManage, nil, a.listPermissions))
	a.mux.Handle("GET /v1/tenants/{tenant}", guard(auth.PermTenantManage, tenant, a.getTenant))
	a.mux.Handle("POST /v1/tenants/{tenant}/members", guard(auth.PermUserManage, tenant, a.addMember))
	a.mux.Handle("DELETE /v1/tenants/{tenant}/members/{principal}", guard(auth.PermUserManage, tenant, a.removeMember))
	a.mux.Handle("GET /v1/tenants/{tenant}/roles", guard(auth.PermRoleManage, tenant, a.listRoles))
	a.mux.Handle("POST /v1/tenants/{tenant}/roles", guard(auth.PermRoleManage, tenant, a.createRole))
	a.mux.Handle("PUT /v1/tenants/{tenant}/roles/{role}/permissions", guard(auth.PermRoleManage, tenant, a.setRolePermissions))
	a.mux.Handle("POST /v1/tenants/{tenant}/members/{principal}/roles", guard(auth.PermRoleManage, tenant, a.assignRole))
	a.mux.Handle("DELETE /v1/tenants/{tenant}/members/{principal}/roles/{role}", guard(auth.PermRoleManage, tenant, a.revokeRole))
	a.mux.Handle("POST /v1/tenants/{tenant}/grants", guard(auth.PermUserManage, tenant, a.grant))
	a.mux.Handle("DELETE /v1/tenants/{tenant}/grants/{grant}", guard(auth.PermUserManage, tenant, a.revokeGrant))
	a.mux.Handle("POST /v1/tenants/{tenant}/groups", guard(auth.PermGroupManage, tenant, a.createGroup))
	a.mux.Handle("PUT /v1/tenants/{tenant}/groups/{group}/parent", guard(auth.PermGroupManage, group, a.moveGroup))
	a.mux.Handle("GET /v1/tenants/{tenant}/groups/{group}/children", guard(auth.PermGroupRead, group, a.groupChildren))
	a.mux.Handle("PUT /v1/tenants/{tenant}/resources/{type}/{id}", guard(auth.PermDeviceWrite, tenant, a.registerResource))
}

// platform admits only principals holding the super_admin global role.
func (a *API) platform(next http.HandlerFunc) http.Handler {
	return a.authenticated(func(w http.ResponseWriter, r *http.Request, pc auth.PrincipalContext) {
		if !pc.HasSystemRole(auth.RoleSuperAdmin) {
			writeError(w, r, http.StatusForbidden, "access denied")
			return
		}
		next(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), pc)))
	})
}

func actor(r *http.Request) auth.PrincipalContext {
	pc, _ := auth.PrincipalFromContext(r.Context())
	return pc
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.admin.CreateTenant(r.Context(), actor(r), req.Name, req.Config)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tenants/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.admin.GetTenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) setTenantActive(w http.ResponseWriter, r *http.Request) {
	var req tenantActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	if err := a.admin.SetTenantActive(r.Context(), actor(r), r.PathValue("tenant"), *req.Active); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.admin.RegisterPrincipal(r.Context(), actor(r), req.Identifier, req.Secret, auth.PrincipalStatus(req.Status))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, principalResponse{
		ID:            p.ID,
		Identifier:    p.Identifier,
		Status:        p.Status,
		EmailVerified: p.EmailVerified,
	})
}

func (a *API) setPrincipalStatus(w http.ResponseWriter, r *http.Request) {
	var req principalStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.SetPrincipalStatus(r.Context(), actor(r), r.PathValue("identifier"), auth.PrincipalStatus(req.Status)); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unlockPrincipal(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.UnlockPrincipal(r.Context(), actor(r), r.PathValue("identifier")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignGlobalRole(w http.ResponseWriter, r *http.Request) {
	var req roleBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.AssignGlobalRole(r.Context(), actor(r), r.PathValue("principal"), req.RoleID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) definePermission(w http.ResponseWriter, r *http.Request) {
	var req auth.Permission
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.DefinePermission(r.Context(), actor(r), req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.admin.ListPermissions(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.AddMember(r.Context(), actor(r), r.PathValue("tenant"), req.PrincipalID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.RemoveMember(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("principal")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.ListRoles(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.admin.CreateRole(r.Context(), actor(r), r.PathValue("tenant"), req.Name, req.Description, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.SetRolePermissions(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("role"), req.Permissions); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var req roleBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.AssignRole(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("principal"), req.RoleID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.RevokeRole(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("principal"), r.PathValue("role")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.admin.Grant(r.Context(), actor(r), rbac.GrantRequest{
		PrincipalID:  req.PrincipalID,
		TenantID:     r.PathValue("tenant"),
		Permission:   req.Permission,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Effect:       auth.Effect(req.Effect),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.RevokeGrant(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("grant")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.admin.CreateGroup(r.Context(), actor(r), r.PathValue("tenant"), req.Name, req.ParentID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) moveGroup(w http.ResponseWriter, r *http.Request) {
	var req moveGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.MoveGroup(r.Context(), actor(r), r.PathValue("tenant"), r.PathValue("group"), req.ParentID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) groupChildren(w http.ResponseWriter, r *http.Request) {
	children, err := a.admin.Children(r.Context(), r.PathValue("tenant"), r.PathValue("group"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": children})
}

func (a *API) registerResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.admin.RegisterResource(r.Context(), actor(r), auth.Resource{
		ID:         r.PathValue("id"),
		Type:       r.PathValue("type"),
		TenantID:   r.PathValue("tenant"),
		OwnerID:    req.OwnerID,
		GroupID:    req.GroupID,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
