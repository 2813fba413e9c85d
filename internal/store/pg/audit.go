package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/ids"
)

func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.CreatedAt)
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, event, details, ip_address, user_agent, severity, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, nullIfEmpty(e.UserID), e.Event, details, nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), string(e.Severity), e.CreatedAt)
	return err
}

func (s *Store) Query(ctx context.Context, f audit.Filter) (audit.Page, error) {
	if s.db == nil {
		return audit.Page{}, errNoDB
	}
	f = f.Normalize()

	var (
		clauses []string
		args    []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Event != "" {
		add("event = $%d", f.Event)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = " where " + strings.Join(clauses, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+where, args...).Scan(&total); err != nil {
		return audit.Page{}, err
	}

	query := fmt.Sprintf(`
		select id, coalesce(user_id, ''), event, details, coalesce(ip_address, ''), coalesce(user_agent, ''), severity, created_at
		from audit_logs%s
		order by created_at %s
		limit $%d offset $%d
	`, where, f.SortOrder, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset())...)
	if err != nil {
		return audit.Page{}, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			raw      []byte
			severity string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Event, &raw, &e.IPAddress, &e.UserAgent, &severity, &e.CreatedAt); err != nil {
			return audit.Page{}, err
		}
		e.Severity = audit.Severity(severity)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return audit.Page{}, fmt.Errorf("decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, err
	}
	return audit.NewPage(entries, total, f), nil
}
