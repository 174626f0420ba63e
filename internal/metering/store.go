package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists execution records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const executionColumns = `id, organization_id, agent_id, caller_id, tier, environment,
	timestamp, outcome, error_kind, finish_reason, snapshot_version, steps, tool_calls,
	prompt_tokens, completion_tokens, snapshot_load_ms, agent_build_ms, invoke_ms, total_ms`

// BatchInsert writes executions in a single multi-row INSERT statement. It
// is a no-op when execs is empty.
func (s *Store) BatchInsert(ctx context.Context, execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}

	const cols = 19
	args := make([]any, 0, len(execs)*cols)
	rows := make([]string, 0, len(execs))

	for i, e := range execs {
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(i*cols+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		args = append(args,
			id, e.OrganizationID, e.AgentID, e.CallerID, e.Tier, e.Environment,
			e.Timestamp, e.Outcome, e.ErrorKind, e.FinishReason, e.SnapshotVersion, e.Steps, e.ToolCalls,
			e.PromptTokens, e.CompletionTokens, e.SnapshotLoadMs, e.AgentBuildMs, e.InvokeMs, e.TotalMs,
		)
	}

	query := `INSERT INTO executions (` + executionColumns + `) VALUES ` + strings.Join(rows, ", ")
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting executions: %w", err)
	}
	return nil
}

// GetSummary returns aggregate execution metrics matching the query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'rejected' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(prompt_tokens + completion_tokens), 0),
		COALESCE(AVG(total_ms), 0)
	FROM executions` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalExecutions,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.RejectedCount,
		&summary.TotalTokens,
		&summary.AvgTotalMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution summary: %w", err)
	}
	return &summary, nil
}

// ListExecutions returns a page of executions ordered by timestamp DESC, id DESC.
func (s *Store) ListExecutions(ctx context.Context, q Query) ([]*Execution, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ID, &e.OrganizationID, &e.AgentID, &e.CallerID, &e.Tier, &e.Environment,
			&e.Timestamp, &e.Outcome, &e.ErrorKind, &e.FinishReason, &e.SnapshotVersion, &e.Steps, &e.ToolCalls,
			&e.PromptTokens, &e.CompletionTokens, &e.SnapshotLoadMs, &e.AgentBuildMs, &e.InvokeMs, &e.TotalMs,
		); err != nil {
			return nil, "", fmt.Errorf("scanning execution row: %w", err)
		}
		execs = append(execs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating execution rows: %w", err)
	}

	var nextCursor string
	if len(execs) > limit {
		last := execs[limit-1]
		nextCursor = EncodeCursor(last.Timestamp, last.ID)
		execs = execs[:limit]
	}
	return execs, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.OrganizationID != "" {
		args = append(args, q.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.CallerID != "" {
		args = append(args, q.CallerID)
		conditions = append(conditions, fmt.Sprintf("caller_id = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// EncodeCursor encodes a timestamp and id into an opaque cursor string.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes an opaque cursor string into a timestamp and id.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
