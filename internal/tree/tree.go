// Package tree implements the branching message tree for one conversation.
package tree

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/ramal/pkg/models"
)

// Tree holds the message nodes of one conversation. All mutation happens
// under the tree mutex; the mutex is never held across a process wait.
type Tree struct {
	conversationID string
	nodes          map[string]*models.MessageNode
	rootID         string
	activeLeafID   string
	mu             sync.Mutex
}

// validTransitions lists the allowed state machine edges. Superseded is
// handled separately by Fork and reachable from any non-terminal state.
var validTransitions = map[models.MessageState][]models.MessageState{
	models.StatePending: {models.StateQueued},
	models.StateQueued:  {models.StateRunning, models.StateFailed, models.StateCancelled},
	models.StateRunning: {models.StateCompleted, models.StateFailed, models.StateCancelled},
}

// New creates a tree for a conversation with a synthetic root. The root is
// created completed so the first appended message is immediately eligible.
func New(conversationID string) *Tree {
	rootID := generateNodeID()
	now := time.Now()
	root := &models.MessageNode{
		ID:          rootID,
		Role:        models.RoleSystem,
		State:       models.StateCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	return &Tree{
		conversationID: conversationID,
		nodes:          map[string]*models.MessageNode{rootID: root},
		rootID:         rootID,
		activeLeafID:   rootID,
	}
}

// FromSnapshot rebuilds a tree from its persisted form. Every non-root
// node's parent must exist and every node must be reachable from the
// root; a snapshot with a parent cycle or a disconnected island would
// otherwise send the ancestor walks into an infinite loop.
func FromSnapshot(snap *models.TreeSnapshot) (*Tree, error) {
	if snap == nil || snap.RootID == "" || len(snap.Nodes) == 0 {
		return nil, fmt.Errorf("invalid snapshot for conversation %q", snap.ConversationID)
	}
	nodes := make(map[string]*models.MessageNode, len(snap.Nodes))
	for id, n := range snap.Nodes {
		nodes[id] = n.Clone()
	}
	root, ok := nodes[snap.RootID]
	if !ok {
		return nil, fmt.Errorf("snapshot root %s missing from node map", snap.RootID)
	}
	if root.ParentID != "" {
		return nil, fmt.Errorf("snapshot root %s has a parent", snap.RootID)
	}

	// Child index built from parent pointers, not from the persisted
	// ChildIDs, so a tampered child list cannot hide a cycle.
	children := make(map[string][]string, len(nodes))
	for id, n := range nodes {
		if id == snap.RootID {
			continue
		}
		if _, ok := nodes[n.ParentID]; !ok {
			return nil, fmt.Errorf("node %s references missing parent %s", id, n.ParentID)
		}
		children[n.ParentID] = append(children[n.ParentID], id)
	}
	for id, n := range nodes {
		for _, cid := range n.ChildIDs {
			child, ok := nodes[cid]
			if !ok || child.ParentID != id {
				return nil, fmt.Errorf("node %s lists child %s it does not parent", id, cid)
			}
		}
	}

	reachable := 0
	queue := []string{snap.RootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		reachable++
		queue = append(queue, children[id]...)
	}
	if reachable != len(nodes) {
		return nil, fmt.Errorf("snapshot for conversation %q has %d nodes unreachable from root", snap.ConversationID, len(nodes)-reachable)
	}
	activeLeaf := snap.ActiveLeafID
	if _, ok := nodes[activeLeaf]; !ok {
		activeLeaf = snap.RootID
	}
	return &Tree{
		conversationID: snap.ConversationID,
		nodes:          nodes,
		rootID:         snap.RootID,
		activeLeafID:   activeLeaf,
	}, nil
}

// ConversationID returns the stable external key of the conversation.
func (t *Tree) ConversationID() string { return t.conversationID }

// RootID returns the synthetic root identifier.
func (t *Tree) RootID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

// ActiveLeafID returns the current head of the live branch.
func (t *Tree) ActiveLeafID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLeafID
}

// Len returns the number of nodes, including the synthetic root.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// Append creates a new pending node as the last child of parentID.
// The active leaf advances when the new node extends the live branch.
func (t *Tree) Append(parentID string, role models.Role, content string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("parent node %s: %w", parentID, models.ErrNotFound)
	}

	node := &models.MessageNode{
		ID:        generateNodeID(),
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		State:     models.StatePending,
		CreatedAt: time.Now(),
	}
	t.nodes[node.ID] = node
	parent.ChildIDs = append(parent.ChildIDs, node.ID)

	if parentID == t.activeLeafID {
		t.activeLeafID = node.ID
	}
	return node.ID, nil
}

// AppendToActiveLeaf appends under the current head of the live branch.
func (t *Tree) AppendToActiveLeaf(role models.Role, content string) (string, error) {
	return t.Append(t.ActiveLeafID(), role, content)
}

// Fork handles an edited message: a new pending sibling is created under
// the edited node's parent and the subtree previously rooted at the edited
// node is marked superseded. Nodes are never removed; terminal nodes keep
// their outcome while every live descendant is folded away so nothing in
// the old branch is scheduled again.
func (t *Tree) Fork(editedID, content string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	edited, ok := t.nodes[editedID]
	if !ok {
		return "", fmt.Errorf("edited node %s: %w", editedID, models.ErrNotFound)
	}
	if editedID == t.rootID {
		return "", fmt.Errorf("cannot fork the root of conversation %s", t.conversationID)
	}
	parent := t.nodes[edited.ParentID]

	// Work-list traversal keeps stack depth flat on deep trees.
	stack := []string{editedID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[id]
		if n.State.CanSupersede() {
			n.State = models.StateSuperseded
		}
		stack = append(stack, n.ChildIDs...)
	}

	node := &models.MessageNode{
		ID:        generateNodeID(),
		ParentID:  parent.ID,
		Role:      edited.Role,
		Content:   content,
		State:     models.StatePending,
		CreatedAt: time.Now(),
	}
	t.nodes[node.ID] = node
	parent.ChildIDs = append(parent.ChildIDs, node.ID)

	// The edit opens a new live branch.
	t.activeLeafID = node.ID
	return node.ID, nil
}

// PathToRoot returns the nodes from the root down to nodeID, in
// conversation order. The synthetic root is excluded.
func (t *Tree) PathToRoot(nodeID string) ([]*models.MessageNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}

	var path []*models.MessageNode
	for id := nodeID; id != t.rootID; id = t.nodes[id].ParentID {
		path = append(path, t.nodes[id].Clone())
	}
	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id string) (*models.MessageNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	return n.Clone(), nil
}

// View returns the node annotated with its blocking ancestor, if any.
// Blocked descendants are reported, never silently dropped.
func (t *Tree) View(id string) (*models.NodeView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	v := &models.NodeView{MessageNode: *n.Clone()}
	if blocker, blocked := t.blockedLocked(id); blocked {
		v.BlockedBy = blocker
	}
	return v, nil
}

// Blocked reports the nearest failed, cancelled, or superseded ancestor
// of a pending node, which permanently keeps it from admission. A
// superseded ancestor never completed, so its descendants can never
// become eligible either; they are surfaced here instead of sitting
// pending with no explanation.
func (t *Tree) Blocked(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedLocked(id)
}

func (t *Tree) blockedLocked(id string) (string, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return "", false
	}
	for cur := n.ParentID; cur != ""; cur = t.nodes[cur].ParentID {
		switch t.nodes[cur].State {
		case models.StateFailed, models.StateCancelled, models.StateSuperseded:
			return cur, true
		}
	}
	return "", false
}

// Admissible reports whether a node could ever be admitted. A pending
// node under a blocked branch yields ErrBlockedBranch; the
// node itself stays pending, never silently transitioning.
func (t *Tree) Admissible(id string) error {
	t.mu.Lock()
	n, ok := t.nodes[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	if n.State != models.StatePending {
		return fmt.Errorf("node %s is %s, not pending", id, n.State)
	}
	if blocker, blocked := t.Blocked(id); blocked {
		return fmt.Errorf("node %s blocked by ancestor %s: %w", id, blocker, models.ErrBlockedBranch)
	}
	return nil
}

// NextEligible selects the pending node with the smallest creation time
// among children of the completed frontier. Ties are broken by insertion
// order via breadth-first traversal, never by content.
func (t *Tree) NextEligible() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		bestID string
		bestAt time.Time
	)
	queue := []string{t.rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := t.nodes[id]
		if n.State == models.StatePending {
			parent := t.nodes[n.ParentID]
			if parent.State == models.StateCompleted {
				if bestID == "" || n.CreatedAt.Before(bestAt) {
					bestID = n.ID
					bestAt = n.CreatedAt
				}
			}
			continue
		}
		queue = append(queue, n.ChildIDs...)
	}
	return bestID, bestID != ""
}

// HasRunning reports whether any node in the tree is currently running.
func (t *Tree) HasRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.State == models.StateRunning {
			return true
		}
	}
	return false
}

// MarkQueued transitions a pending node into the queued state.
func (t *Tree) MarkQueued(id string) error {
	return t.transition(id, models.StateQueued, "", "")
}

// MarkRunning transitions a queued node into the running state.
func (t *Tree) MarkRunning(id string) error {
	return t.transition(id, models.StateRunning, "", "")
}

// MarkCompleted records the agent result and finishes the node.
func (t *Tree) MarkCompleted(id, result string) error {
	return t.transition(id, models.StateCompleted, result, "")
}

// MarkFailed records the error detail and finishes the node. Descendants
// remain pending and blocked.
func (t *Tree) MarkFailed(id, errDetail string) error {
	return t.transition(id, models.StateFailed, "", errDetail)
}

// MarkCancelled finishes the node with a distinct stopped indication.
func (t *Tree) MarkCancelled(id string) error {
	return t.transition(id, models.StateCancelled, "", "stopped by user")
}

func (t *Tree) transition(id string, to models.MessageState, result, errDetail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, models.ErrNotFound)
	}
	// A node superseded mid-flight still records its outcome but is
	// already excluded from future selection.
	if n.State == to || n.State == models.StateSuperseded {
		if to.IsTerminal() {
			t.finishLocked(n, to, result, errDetail)
		}
		return nil
	}
	allowed := false
	for _, next := range validTransitions[n.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid transition %s -> %s for node %s", n.State, to, id)
	}
	if to.IsTerminal() {
		t.finishLocked(n, to, result, errDetail)
		return nil
	}
	n.State = to
	return nil
}

func (t *Tree) finishLocked(n *models.MessageNode, to models.MessageState, result, errDetail string) {
	if n.State != models.StateSuperseded {
		n.State = to
	}
	if result != "" {
		n.Result = result
	}
	if errDetail != "" {
		n.Error = errDetail
	}
	now := time.Now()
	n.CompletedAt = &now
}

// Snapshot returns a deep copy suitable for persistence.
func (t *Tree) Snapshot() *models.TreeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodes := make(map[string]*models.MessageNode, len(t.nodes))
	for id, n := range t.nodes {
		nodes[id] = n.Clone()
	}
	return &models.TreeSnapshot{
		ConversationID: t.conversationID,
		RootID:         t.rootID,
		ActiveLeafID:   t.activeLeafID,
		Nodes:          nodes,
		UpdatedAt:      time.Now(),
	}
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", uuid.New().String()[:8])
}
