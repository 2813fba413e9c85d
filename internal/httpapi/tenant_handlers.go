package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/policy"
	"tenantauth.dev/internal/rbac"
)

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if !a.requireScope(w, r, tenantID, rbac.ScopeTenantsRead) {
		return
	}
	tenant, err := a.tenants.FindTenant(r.Context(), tenantID)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant.Policy)
}

func (a *API) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if !a.requireScope(w, r, tenantID, rbac.ScopeTenantsWrite) {
		return
	}
	var p policy.SecurityPolicy
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.storePolicy(r, tenantID, p, audit.EventPolicyUpdated, audit.SeverityMedium); err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleEnforce2FA requires a second factor for every member from now on.
func (a *API) handleEnforce2FA(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if !a.requireScope(w, r, tenantID, rbac.ScopeTenantsWrite) {
		return
	}
	tenant, err := a.tenants.FindTenant(r.Context(), tenantID)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	info, _ := auth.TokenInfoFromContext(r.Context())
	p := policy.Enforce2FA(tenant.Policy, info.UserID, a.now())
	if err := a.storePolicy(r, tenantID, p, audit.EventMFAEnforced, audit.SeverityHigh); err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) storePolicy(r *http.Request, tenantID string, p policy.SecurityPolicy, event string, sev audit.Severity) error {
	if err := policy.ValidatePolicy(p); err != nil {
		return err
	}
	if err := a.tenants.UpdatePolicy(r.Context(), tenantID, p); err != nil {
		return err
	}
	info, _ := auth.TokenInfoFromContext(r.Context())
	a.sink.Record(r.Context(), audit.Entry{
		UserID:    info.UserID,
		Event:     event,
		Severity:  sev,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Details: map[string]any{
			"tenant_id":    tenantID,
			"mfa_required": p.MFARequired(),
			"max_sessions": p.Session.MaxConcurrentSessions,
			"ip_enabled":   p.IPRestrictions.Enabled,
		},
	})
	return nil
}

func handlePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidPolicy):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "tenant not found")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	}
}
