package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/rbac"
)

type issueCodeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type putRoleRequest struct {
	Scopes    []string `json:"scopes"`
	IsDefault bool     `json:"is_default"`
}

// handleIssueCode hands an authorization code to the signed-in user for the
// tenant of their current token.
func (a *API) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	info, _ := auth.TokenInfoFromContext(r.Context())
	if info.UserID == "" {
		writeError(w, r, http.StatusForbidden, "a user token is required")
		return
	}
	var req issueCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code, err := a.engine.IssueAuthCode(r.Context(), auth.AuthCodeRequest{
		ClientID:        req.ClientID,
		UserID:          info.UserID,
		TenantID:        info.TenantID,
		RedirectURI:     req.RedirectURI,
		Scope:           rbac.ParseScope(req.Scope),
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		Meta:            requestMeta(r),
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":         code,
		"redirect_uri": req.RedirectURI,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if !isSelf(r, userID) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestReset answers 202 whether or not the address is known.
func (a *API) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.RequestPasswordReset(r.Context(), req.Email, requestMeta(r)); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.ResetPassword(r.Context(), req.Token, req.NewPassword, requestMeta(r)); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if !a.authorizeUserAction(w, r, userID, rbac.ScopeUsersDelete) {
		return
	}
	var req reasonRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	info, _ := auth.TokenInfoFromContext(r.Context())
	if err := a.engine.DeactivateUser(r.Context(), userID, info.UserID, strings.TrimSpace(req.Reason), requestMeta(r)); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if !a.authorizeUserAction(w, r, userID, rbac.ScopeTokensRevoke) {
		return
	}
	reason := "revoked_by_admin"
	if isSelf(r, userID) {
		reason = "logout_everywhere"
	}
	n, err := a.engine.RevokeUser(r.Context(), userID, reason, requestMeta(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handlePutRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, name := vars["id"], vars["name"]
	if !a.requireScope(w, r, tenantID, rbac.ScopeRolesWrite) {
		return
	}
	var req putRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := rbac.Role{
		TenantID:  tenantID,
		Name:      name,
		Scopes:    req.Scopes,
		IsDefault: req.IsDefault,
	}
	if err := a.resolver.PutRole(r.Context(), role); err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  role.TenantID,
		"name":       role.Name,
		"scopes":     rbac.NewSet(role.Scopes...).Slice(),
		"is_default": role.IsDefault,
	})
}

// handleRotateClientSecret lets tenant admins rotate their tenant's clients.
// Admins of the system tenant may rotate any client.
func (a *API) handleRotateClientSecret(w http.ResponseWriter, r *http.Request) {
	if !a.requireScope(w, r, "", rbac.ScopeAdmin) {
		return
	}
	info, _ := auth.TokenInfoFromContext(r.Context())
	owner := info.TenantID
	if owner == "" {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}
	if sys := a.resolver.SystemTenant(); sys != "" && owner == sys {
		owner = ""
	}
	clientID := mux.Vars(r)["id"]
	secret, err := a.engine.RotateClientSecret(r.Context(), clientID, owner)
	if errors.Is(err, auth.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":     clientID,
		"client_secret": secret,
	})
}

// authorizeUserAction lets users act on themselves. Otherwise the caller
// needs scope in their token's tenant and the target must belong to it.
func (a *API) authorizeUserAction(w http.ResponseWriter, r *http.Request, userID, scope string) bool {
	if isSelf(r, userID) {
		return true
	}
	if !a.requireScope(w, r, "", scope) {
		return false
	}
	info, _ := auth.TokenInfoFromContext(r.Context())
	roles, err := a.resolver.RoleNames(r.Context(), userID, info.TenantID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
		return false
	}
	if len(roles) == 0 {
		writeError(w, r, http.StatusNotFound, "user not found")
		return false
	}
	return true
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidInput), errors.Is(err, rbac.ErrUnknownScope):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "tenant not found")
	case errors.Is(err, rbac.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
