package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/jobfiltr/internal/domain"
)

const reportColumns = `id, message, stack, error_type, platform, url, user_agent, user_id,
	extension_version, job_context, dom_snapshot, console_logs, created_at,
	resolved, resolved_at, resolved_by, notes`

// ReportFilter narrows ListReports
type ReportFilter struct {
	Platform string
	Resolved *bool
	Since    time.Time
	Limit    int
}

// ReportStats summarizes stored reports
type ReportStats struct {
	Total      int            `json:"total"`
	Last24h    int            `json:"last24Hours"`
	Last7d     int            `json:"last7Days"`
	Unresolved int            `json:"unresolved"`
	ByPlatform map[string]int `json:"byPlatform"`
	ByType     map[string]int `json:"byType"`
}

// ReportGroup counts reports sharing the same message
type ReportGroup struct {
	Message   string    `json:"message"`
	ErrorType string    `json:"errorType"`
	Count     int       `json:"count"`
	LastSeen  time.Time `json:"lastSeen"`
	LatestID  string    `json:"latestId"`
}

// AddReport stores a report, assigning an ID and timestamp when missing
func (s *Store) AddReport(ctx context.Context, r domain.ErrorReport) (*domain.ErrorReport, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	if r.ErrorType == "" {
		r.ErrorType = "Error"
	}
	if r.Platform == "" {
		r.Platform = "unknown"
	}

	jobContext, err := encodeOptional(r.JobContext)
	if err != nil {
		return nil, err
	}
	snapshot, err := encodeOptional(r.DOMSnapshot)
	if err != nil {
		return nil, err
	}
	logs, err := encodeOptional(r.ConsoleLogs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', '')`,
		r.ID, r.Message, r.Stack, r.ErrorType, r.Platform, r.URL, r.UserAgent, r.UserID,
		r.ExtensionVersion, jobContext, snapshot, logs, r.Timestamp.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}

	r.Resolved = false
	r.ResolvedAt = nil
	r.ResolvedBy = ""
	r.Notes = ""
	return &r, nil
}

// GetReport retrieves a report by ID
func (s *Store) GetReport(ctx context.Context, id string) (*domain.ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = ?", id)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// ListReports returns reports newest first
func (s *Store) ListReports(ctx context.Context, f ReportFilter) ([]domain.ErrorReport, error) {
	var where []string
	var args []any
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.Resolved != nil {
		where = append(where, "resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + reportColumns + " FROM reports"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []domain.ErrorReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	return reports, nil
}

// ResolveReport marks a report as handled
func (s *Store) ResolveReport(ctx context.Context, id, by, notes string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE reports SET resolved = 1, resolved_at = ?, resolved_by = ?, notes = ? WHERE id = ?",
		s.now().UnixMilli(), by, notes, id,
	)
	if err != nil {
		return fmt.Errorf("resolve report: %w", err)
	}
	return requireAffected(res, id)
}

// DeleteReport removes a report
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return requireAffected(res, id)
}

// ReportStats aggregates counts over all stored reports
func (s *Store) ReportStats(ctx context.Context) (*ReportStats, error) {
	now := s.now()
	dayAgo := now.Add(-24 * time.Hour).UnixMilli()
	weekAgo := now.Add(-7 * 24 * time.Hour).UnixMilli()

	stats := &ReportStats{
		ByPlatform: make(map[string]int),
		ByType:     make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0)
		FROM reports
	`, dayAgo, weekAgo).Scan(&stats.Total, &stats.Last24h, &stats.Last7d, &stats.Unresolved)
	if err != nil {
		return nil, fmt.Errorf("report totals: %w", err)
	}

	if err := s.countBy(ctx, "platform", stats.ByPlatform); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "error_type", stats.ByType); err != nil {
		return nil, err
	}

	return stats, nil
}

// GroupReports groups reports by message, most frequent first
func (s *Store) GroupReports(ctx context.Context, limit int) ([]ReportGroup, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message, error_type, COUNT(*), MAX(created_at),
		       (SELECT r2.id FROM reports r2 WHERE r2.message = r.message AND r2.error_type = r.error_type
		        ORDER BY r2.created_at DESC LIMIT 1)
		FROM reports r
		GROUP BY message, error_type
		ORDER BY COUNT(*) DESC, MAX(created_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("group reports: %w", err)
	}
	defer rows.Close()

	var groups []ReportGroup
	for rows.Next() {
		var g ReportGroup
		var last int64
		if err := rows.Scan(&g.Message, &g.ErrorType, &g.Count, &last, &g.LatestID); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.LastSeen = time.UnixMilli(last)
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM reports GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*domain.ErrorReport, error) {
	var r domain.ErrorReport
	var jobContext, snapshot, logs sql.NullString
	var createdAt int64
	var resolved int
	var resolvedAt sql.NullInt64

	err := row.Scan(&r.ID, &r.Message, &r.Stack, &r.ErrorType, &r.Platform, &r.URL, &r.UserAgent,
		&r.UserID, &r.ExtensionVersion, &jobContext, &snapshot, &logs, &createdAt,
		&resolved, &resolvedAt, &r.ResolvedBy, &r.Notes)
	if err != nil {
		return nil, err
	}

	r.Timestamp = time.UnixMilli(createdAt)
	r.Resolved = resolved != 0
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		r.ResolvedAt = &t
	}
	if jobContext.Valid {
		r.JobContext = new(domain.JobContext)
		if err := json.Unmarshal([]byte(jobContext.String), r.JobContext); err != nil {
			return nil, fmt.Errorf("decode job context: %w", err)
		}
	}
	if snapshot.Valid {
		r.DOMSnapshot = new(domain.DOMSnapshot)
		if err := json.Unmarshal([]byte(snapshot.String), r.DOMSnapshot); err != nil {
			return nil, fmt.Errorf("decode dom snapshot: %w", err)
		}
	}
	if logs.Valid {
		if err := json.Unmarshal([]byte(logs.String), &r.ConsoleLogs); err != nil {
			return nil, fmt.Errorf("decode console logs: %w", err)
		}
	}

	return &r, nil
}

func encodeOptional[T any](v T) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode report field: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
