package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/rbac"
)

const dateOnly = "2006-01-02"

// handleAuditHistory lists a user's audit trail. Users may read their own;
// anyone else needs audit:read in the X-Tenant tenant, and the target must be
// a member of it.
func (a *API) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if !isSelf(r, userID) {
		tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
		if tenantID == "" {
			writeError(w, r, http.StatusBadRequest, "X-Tenant header is required")
			return
		}
		if !a.requireScope(w, r, tenantID, rbac.ScopeAuditRead) {
			return
		}
		roles, err := a.resolver.RoleNames(r.Context(), userID, tenantID)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		}
		if len(roles) == 0 {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
	}

	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter.UserID = userID

	page, err := a.audit.Query(r.Context(), filter)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseAuditFilter(q url.Values) (audit.Filter, error) {
	var (
		f   audit.Filter
		err error
	)
	if f.Page, err = parsePositiveInt("page", q.Get("page"), 1, 1, 1_000_000); err != nil {
		return f, err
	}
	if f.Limit, err = parsePositiveInt("limit", q.Get("limit"), 20, 1, 100); err != nil {
		return f, err
	}
	switch order := strings.ToUpper(strings.TrimSpace(q.Get("sortOrder"))); order {
	case "", "DESC", "ASC":
		f.SortOrder = order
	default:
		return f, errors.New("sortOrder must be ASC or DESC")
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		f.Severity = audit.Severity(strings.ToLower(raw))
		if !f.Severity.Valid() {
			return f, errors.New("severity must be one of low, medium, high, critical")
		}
	}
	f.Event = strings.TrimSpace(q.Get("event"))
	if f.From, err = parseDate("startDate", q.Get("startDate"), false); err != nil {
		return f, err
	}
	if f.To, err = parseDate("endDate", q.Get("endDate"), true); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.New("endDate must not be before startDate")
	}
	return f.Normalize(), nil
}

// parseDate accepts RFC 3339 or a bare date. A bare endDate covers the whole
// day.
func parseDate(name, raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
