package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/rbac"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		info, err := a.engine.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTransient):
				a.writeAuthError(w, r, err)
			default:
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithTokenInfo(r.Context(), info)))
	})
}

// requireScope reports whether the caller's token was granted every scope
// within tenantID. It writes the 403 itself.
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, tenantID string, scopes ...string) bool {
	info, ok := auth.TokenInfoFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if tenantID != "" && info.TenantID != tenantID {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	if err := rbac.Authorize(rbac.NewSet(info.Scopes...), scopes...); err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// isSelf reports whether the caller is acting on their own account.
func isSelf(r *http.Request, userID string) bool {
	info, ok := auth.TokenInfoFromContext(r.Context())
	return ok && info.UserID != "" && info.UserID == userID
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
