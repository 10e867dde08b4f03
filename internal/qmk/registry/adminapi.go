package registry

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/qmk/infrastructure/httputil"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
)

// createTenantRequest is the body of the admin-only tenant bootstrap
// endpoint. spec.md §4.D names create_tenant as a registry operation but
// the normative RPC surface (§4.J) never exposes it over the untrusted
// session socket — provisioning a tenant is an operator action, mounted
// here on the kernel's admin HTTP router instead.
type createTenantRequest struct {
	ID            string             `json:"id"`
	Quota         Quota              `json:"quota"`
	InitialRights []capability.Right `json:"initial_rights"`
}

type createTenantResponse struct {
	ID string `json:"id"`
}

// AdminCreateTenantHandler returns an http.HandlerFunc that provisions a new
// tenant, for mounting on an operator-facing router separate from the RPC
// server's public socket (cmd/qmkd wires it onto the admin BaseService).
func (r *Registry) AdminCreateTenantHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body createTenantRequest
		if !httputil.DecodeJSON(w, req, &body) {
			return
		}
		if body.ID == "" {
			httputil.BadRequest(w, "id required")
			return
		}
		if _, err := r.CreateTenant(body.ID, body.Quota, body.InitialRights); err != nil {
			httputil.WriteErrorResponse(w, req, http.StatusConflict, "TENANT_EXISTS", err.Error(), nil)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, createTenantResponse{ID: body.ID})
	}
}

// AdminSuspendTenantHandler toggles a tenant's suspended flag (spec.md
// §4.D suspend/resume), keyed by the `id` mux path variable.
func (r *Registry) AdminSuspendTenantHandler(suspend bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		t, err := r.Tenant(id)
		if err != nil {
			httputil.NotFound(w, "tenant not found")
			return
		}
		if suspend {
			err = r.Suspend(t.ID)
		} else {
			err = r.Resume(t.ID)
		}
		if err != nil {
			httputil.WriteErrorResponse(w, req, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, createTenantResponse{ID: t.ID})
	}
}
