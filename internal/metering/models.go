package metering

import "time"

// Execution outcome values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Execution is the record kept for one agent execution request.
type Execution struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organizationId"`
	AgentID          string    `json:"agentId"`
	CallerID         string    `json:"callerId"`
	Tier             string    `json:"tier"`
	Environment      string    `json:"environment"`
	Timestamp        time.Time `json:"timestamp"`
	Outcome          string    `json:"outcome"`
	ErrorKind        string    `json:"errorKind,omitempty"`
	FinishReason     string    `json:"finishReason,omitempty"`
	SnapshotVersion  int       `json:"snapshotVersion,omitempty"`
	Steps            int       `json:"steps"`
	ToolCalls        int       `json:"toolCalls"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	SnapshotLoadMs   float64   `json:"snapshotLoadMs"`
	AgentBuildMs     float64   `json:"agentBuildMs"`
	InvokeMs         float64   `json:"invokeMs"`
	TotalMs          float64   `json:"totalMs"`
}

// Summary holds aggregate metrics for a set of executions.
type Summary struct {
	TotalExecutions int64   `json:"totalExecutions"`
	SuccessCount    int64   `json:"successCount"`
	ErrorCount      int64   `json:"errorCount"`
	RejectedCount   int64   `json:"rejectedCount"`
	TotalTokens     int64   `json:"totalTokens"`
	AvgTotalMs      float64 `json:"avgTotalMs"`
}

// Query defines filters and pagination for querying executions.
type Query struct {
	OrganizationID string    `json:"organizationId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	CallerID       string    `json:"callerId,omitempty"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Cursor         string    `json:"cursor,omitempty"`
	Limit          int       `json:"limit"`
}

// Matches reports whether e satisfies the filter fields of q.
func (q Query) Matches(e *Execution) bool {
	if q.OrganizationID != "" && e.OrganizationID != q.OrganizationID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.CallerID != "" && e.CallerID != q.CallerID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// Summarize aggregates executions in memory.
func Summarize(execs []*Execution) *Summary {
	var s Summary
	var totalMs float64
	for _, e := range execs {
		s.TotalExecutions++
		switch e.Outcome {
		case OutcomeSuccess:
			s.SuccessCount++
		case OutcomeRejected:
			s.RejectedCount++
		default:
			s.ErrorCount++
		}
		s.TotalTokens += int64(e.PromptTokens + e.CompletionTokens)
		totalMs += e.TotalMs
	}
	if s.TotalExecutions > 0 {
		s.AvgTotalMs = totalMs / float64(s.TotalExecutions)
	}
	return &s
}
