// Package memory provides thread-scoped conversation memory for agents.
package memory

import (
	"context"
	"fmt"

	"github.com/alecgard/agentdeck/internal/runtime"
)

// DefaultLastMessages is the history window used when an agent sets none.
const DefaultLastMessages = 20

// Key identifies one conversation thread of one agent.
type Key struct {
	OrganizationID string
	AgentID        string
	Thread         string
	Resource       string
}

// MessageStore persists conversation messages.
type MessageStore interface {
	AppendMessages(ctx context.Context, key Key, msgs []runtime.Message) error
	LastMessages(ctx context.Context, key Key, n int) ([]runtime.Message, error)
}

// Handle implements runtime.Memory for a single agent.
type Handle struct {
	store        MessageStore
	orgID        string
	agentID      string
	lastMessages int
}

// NewHandle returns a memory handle bound to an agent.
func NewHandle(store MessageStore, orgID, agentID string, lastMessages int) *Handle {
	if lastMessages <= 0 {
		lastMessages = DefaultLastMessages
	}
	return &Handle{store: store, orgID: orgID, agentID: agentID, lastMessages: lastMessages}
}

func (h *Handle) key(thread, resource string) Key {
	return Key{OrganizationID: h.orgID, AgentID: h.agentID, Thread: thread, Resource: resource}
}

// Load returns the most recent messages of the thread, oldest first.
func (h *Handle) Load(ctx context.Context, thread, resource string) ([]runtime.Message, error) {
	msgs, err := h.store.LastMessages(ctx, h.key(thread, resource), h.lastMessages)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", thread, err)
	}
	return msgs, nil
}

// Save appends messages to the thread.
func (h *Handle) Save(ctx context.Context, thread, resource string, msgs []runtime.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := h.store.AppendMessages(ctx, h.key(thread, resource), msgs); err != nil {
		return fmt.Errorf("saving thread %s: %w", thread, err)
	}
	return nil
}
