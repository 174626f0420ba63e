package execute

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/alecgard/agentdeck/internal/apperr"
	"github.com/alecgard/agentdeck/internal/ratelimit"
	"github.com/alecgard/agentdeck/internal/runtime"
)

// Caller identifies who is executing an agent. All four values come from
// request metadata.
type Caller struct {
	OrganizationID string `json:"organizationId"`
	CallerID       string `json:"callerId"`
	Environment    string `json:"environment"`
	Tier           string `json:"tier"`
}

// MemoryOptions scope conversation memory for one execution.
type MemoryOptions struct {
	Thread   string `json:"thread"`
	Resource string `json:"resource"`
}

// Options are per-execution parameters.
type Options struct {
	MaxSteps    int            `json:"maxSteps,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Memory      *MemoryOptions `json:"memory,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
}

// Request is the body of an execution. Exactly one of Message, Prompt or
// Messages is expected; they are checked in that order.
type Request struct {
	Message  string            `json:"message,omitempty"`
	Prompt   string            `json:"prompt,omitempty"`
	Messages []runtime.Message `json:"messages,omitempty"`
	Options  Options           `json:"options"`
}

// input splits a request into the message to answer and the prior history.
// With a message list, the last user message wins and everything before it
// becomes history.
func (r *Request) input() (string, []runtime.Message, error) {
	if s := strings.TrimSpace(r.Message); s != "" {
		return s, nil, nil
	}
	if s := strings.TrimSpace(r.Prompt); s != "" {
		return s, nil, nil
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == runtime.RoleUser && strings.TrimSpace(m.Content) != "" {
			history := append([]runtime.Message(nil), r.Messages[:i]...)
			return m.Content, history, nil
		}
	}
	return "", nil, apperr.New(apperr.Validation, "request has no message, prompt or user message").
		WithFields("message").
		WithUserMessage("A message, prompt or messages list with a user message is required.")
}

// dedupKey identifies an execution for in-flight deduplication. Without a
// request id, the fingerprint of the request body stands in for it.
func dedupKey(c Caller, agentID string, r *Request) string {
	id := r.Options.RequestID
	if id == "" {
		id = fingerprint(r)
	}
	return strings.Join([]string{c.OrganizationID, agentID, c.CallerID, id}, "|")
}

func fingerprint(r *Request) string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return "fp:" + hex.EncodeToString(sum[:12])
}

var tierGuidance = map[string]string{
	ratelimit.TierFree:       "Keep answers brief and call tools only when the question cannot be answered without them.",
	ratelimit.TierPro:        "Give complete answers and use tools whenever they improve accuracy.",
	ratelimit.TierEnterprise: "Give thorough answers, cite the tool results you relied on and use tools freely.",
}

var environmentGuidance = map[string]string{
	"development": "This is a development environment. Mention which tools you called and why.",
	"staging":     "This is a staging environment. Data may be synthetic.",
	"production":  "This is a production environment. Do not expose internal identifiers or raw tool errors.",
}

// instructions appends tier and environment guidance to the stored
// instructions. The snapshot is not modified.
func instructions(base string, c Caller) string {
	var b strings.Builder
	b.WriteString(base)
	add := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s)
	}
	tier := strings.ToLower(c.Tier)
	if _, ok := tierGuidance[tier]; !ok {
		tier = ratelimit.TierFree
	}
	add(tierGuidance[tier])
	add(environmentGuidance[strings.ToLower(c.Environment)])
	return b.String()
}
