package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Filter narrows ledger queries.
type Filter struct {
	Model    string
	Provider string
	Since    time.Time
	Offset   int
	Limit    int
}

// Row is one ledger entry as served by the read API.
type Row struct {
	ID               string   `json:"id"`
	Timestamp        string   `json:"timestamp"`
	Model            string   `json:"model"`
	Provider         string   `json:"provider"`
	PromptTokens     *int     `json:"prompt_tokens"`
	CompletionTokens *int     `json:"completion_tokens"`
	TotalTokens      *int     `json:"total_tokens"`
	Cost             *float64 `json:"cost"`
	DurationMS       int64    `json:"duration_ms"`
	Outcome          string   `json:"outcome"`
	ErrorCode        *string  `json:"error_code"`
	Error            *string  `json:"error"`
}

// ModelStats aggregates the ledger per model.
type ModelStats struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	Errors           int64   `json:"errors"`
	Cancelled        int64   `json:"cancelled"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

const maxPageSize = 200

// Recent returns ledger rows newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Row, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}

	query := `SELECT id, timestamp, model, provider, prompt_tokens,
		completion_tokens, total_tokens, cost, duration_ms, outcome,
		error_code, error FROM requests WHERE 1=1`
	var args []any
	if f.Model != "" {
		query += " AND model = ?"
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		query += " AND provider = ?"
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage store: query requests: %w", err)
	}
	defer rows.Close()

	out := make([]Row, 0, f.Limit)
	for rows.Next() {
		var r Row
		var prompt, completion, total sql.NullInt64
		var cost sql.NullFloat64
		var errCode, errDetail sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Model, &r.Provider,
			&prompt, &completion, &total, &cost, &r.DurationMS,
			&r.Outcome, &errCode, &errDetail); err != nil {
			return nil, fmt.Errorf("usage store: scan request row: %w", err)
		}
		r.PromptTokens = int64Ptr(prompt)
		r.CompletionTokens = int64Ptr(completion)
		r.TotalTokens = int64Ptr(total)
		if cost.Valid {
			r.Cost = &cost.Float64
		}
		if errCode.Valid {
			r.ErrorCode = &errCode.String
		}
		if errDetail.Valid {
			r.Error = &errDetail.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the ledger per model since the given time (all time
// when zero).
func (s *Store) Stats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	query := `SELECT model, provider,
		COUNT(*),
		SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome = 'client_cancelled' THEN 1 ELSE 0 END),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(cost), 0)
		FROM requests`
	var args []any
	if !since.IsZero() {
		query += " WHERE timestamp >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " GROUP BY model, provider ORDER BY model"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage store: query stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var st ModelStats
		if err := rows.Scan(&st.Model, &st.Provider, &st.Requests,
			&st.Errors, &st.Cancelled, &st.PromptTokens,
			&st.CompletionTokens, &st.Cost); err != nil {
			return nil, fmt.Errorf("usage store: scan stats row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func int64Ptr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
