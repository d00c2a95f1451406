package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Filter narrows a List call. Zero-value fields are ignored.
type Filter struct {
	Action       string
	ResourceType string
	ResourceID   string
	Limit        int
	Offset       int
}

// ListResult is a page of audit entries plus the total match count.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns entries newest-first, filtered and paginated. Limit is
// clamped to [1, 200] with a default of 50.
func (c *Chain) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where, args := buildWhere(filter)

	var total int
	//nolint:gosec // where is built from fixed fragments, values are bound
	countQuery := "SELECT COUNT(*) FROM audit_log" + where
	if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	//nolint:gosec // where is built from fixed fragments, values are bound
	query := `SELECT id, action, resource_type, resource_id, success, reason,
		details, previous_hash, current_hash, created_at
	FROM audit_log` + where + ` ORDER BY rowid DESC LIMIT ? OFFSET ?`

	rows, err := c.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, filter.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func buildWhere(filter Filter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var success int
	var details sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID,
		&success, &e.Reason, &details, &e.PreviousHash, &e.CurrentHash,
		&createdAt); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Success = success != 0

	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return nil, fmt.Errorf("parsing details for entry %s: %w", e.ID, err)
		}
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05Z", createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for entry %s: %w", e.ID, err)
		}
	}
	e.CreatedAt = t

	return &e, nil
}
