// Package models defines the core domain types for the ramal message-tree core.
package models

import (
	"time"
)

// MessageState represents the lifecycle state of a message node.
type MessageState string

const (
	StatePending    MessageState = "pending"
	StateQueued     MessageState = "queued"
	StateRunning    MessageState = "running"
	StateCompleted  MessageState = "completed"
	StateFailed     MessageState = "failed"
	StateCancelled  MessageState = "cancelled"
	StateSuperseded MessageState = "superseded"
)

// Role identifies the author of a message node.
type Role string

const (
	// RoleSystem is used only for the synthetic root of a tree.
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// ValidRole checks if a role is valid for an enqueued message.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAgent
}

// IsTerminal returns true if the state admits no further transitions.
func (s MessageState) IsTerminal() bool {
	return s == StateCompleted ||
		s == StateFailed ||
		s == StateCancelled ||
		s == StateSuperseded
}

// CanSupersede returns true if a fork may move the state to superseded.
// Terminal states keep their outcome; only live states are folded away.
func (s MessageState) CanSupersede() bool {
	return !s.IsTerminal()
}

// MessageNode is one message (user or agent) within a conversation tree.
// A node is owned exclusively by its MessageTree; callers receive copies.
type MessageNode struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id,omitempty"`
	ChildIDs    []string     `json:"child_ids,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	State       MessageState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the node is in a terminal state.
func (n *MessageNode) IsTerminal() bool {
	return n.State.IsTerminal()
}

// IsRunning returns true if the node's process is currently executing.
func (n *MessageNode) IsRunning() bool {
	return n.State == StateRunning
}

// IsPending returns true if the node is awaiting admission.
func (n *MessageNode) IsPending() bool {
	return n.State == StatePending
}

// Clone returns a deep copy safe to hand outside the owning tree.
func (n *MessageNode) Clone() *MessageNode {
	c := *n
	if n.ChildIDs != nil {
		c.ChildIDs = append([]string(nil), n.ChildIDs...)
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// TreeSnapshot is the serializable form of a message tree, used by the
// store backends. Node ids, parent links, and states survive restarts;
// process ids never appear here.
type TreeSnapshot struct {
	ConversationID string                  `json:"conversation_id"`
	RootID         string                  `json:"root_id"`
	ActiveLeafID   string                  `json:"active_leaf_id"`
	Nodes          map[string]*MessageNode `json:"nodes"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// EnqueueRequest is an inbound message from a platform adapter.
// ReplyTo appends under an existing node; EditOf forks the edited node's
// branch instead. At most one of the two may be set; neither means the
// message extends the active leaf.
type EnqueueRequest struct {
	ConversationID string `json:"conversation_id"`
	ReplyTo        string `json:"reply_to,omitempty"`
	EditOf         string `json:"edit_of,omitempty"`
	Role           Role   `json:"role,omitempty"`
	Content        string `json:"content"`
}

// NodeView is the external representation of a node, annotated with the
// blocking ancestor when the node sits under a branch that can never
// complete.
type NodeView struct {
	MessageNode
	BlockedBy string `json:"blocked_by,omitempty"`
}
