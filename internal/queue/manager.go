// Package queue coordinates message trees and their agent sessions.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sevir/ramal/internal/cli"
	"github.com/sevir/ramal/internal/store"
	"github.com/sevir/ramal/internal/tree"
	"github.com/sevir/ramal/pkg/models"
)

const defaultMaxProcesses = 4

// Config holds manager configuration.
type Config struct {
	// Agent describes the external CLI invocation for every node.
	Agent cli.Command
	// MaxProcesses caps concurrent external processes across all trees.
	// Admission beyond the ceiling waits rather than fails.
	MaxProcesses int
	// Store is optional tree persistence; nil disables it.
	Store store.Store
	// Registry tracks spawned pids for crash-safe cleanup.
	Registry *cli.Registry
	// OnResult is called with a copy of each node reaching a terminal
	// state, so platform adapters can render the outcome.
	OnResult func(conversationID string, node *models.MessageNode)
}

// Manager owns the collection of message trees, keyed by conversation id,
// and runs one processor worker per tree.
type Manager struct {
	cfg      Config
	registry *cli.Registry
	sem      chan struct{}

	mu         sync.Mutex
	trees      map[string]*tree.Tree
	workers    map[string]*worker
	live       map[string]*cli.Session // node id -> running session
	cancelling bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Trees previously persisted in the store are
// loaded and resume scheduling any still-pending work.
func New(cfg Config) (*Manager, error) {
	if cfg.Agent.Path == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = defaultMaxProcesses
	}
	if cfg.Registry == nil {
		cfg.Registry = cli.NewRegistry(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		registry: cfg.Registry,
		sem:      make(chan struct{}, cfg.MaxProcesses),
		trees:    make(map[string]*tree.Tree),
		workers:  make(map[string]*worker),
		live:     make(map[string]*cli.Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Store != nil {
		snaps, err := cfg.Store.ListTrees()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load trees: %w", err)
		}
		for _, snap := range snaps {
			t, err := tree.FromSnapshot(snap)
			if err != nil {
				log.Printf("manager_event=snapshot_rejected conversation=%s error=%q", snap.ConversationID, err.Error())
				continue
			}
			m.adoptTreeLocked(t)
		}
	}

	return m, nil
}

// GetOrCreateTree returns the tree for a conversation, creating one with
// a synthetic root on first use. Idempotent.
func (m *Manager) GetOrCreateTree(conversationID string) *tree.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trees[conversationID]; ok {
		return t
	}
	t := tree.New(conversationID)
	m.adoptTreeLocked(t)
	return t
}

func (m *Manager) adoptTreeLocked(t *tree.Tree) {
	id := t.ConversationID()
	m.trees[id] = t
	w := newWorker(id, t)
	m.workers[id] = w
	m.wg.Add(1)
	go m.runWorker(w)
	w.notify()
}

// Tree returns the tree for a conversation.
func (m *Manager) Tree(conversationID string) (*tree.Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trees[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	return t, nil
}

// Conversations lists the ids of all known trees.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.trees))
	for id := range m.trees {
		ids = append(ids, id)
	}
	return ids
}

// Enqueue admits an inbound message: a reply appends under its target, an
// edit forks the edited node's branch, and a bare message extends the
// active leaf. The tree's worker is woken afterwards.
func (m *Manager) Enqueue(req models.EnqueueRequest) (string, error) {
	if req.ConversationID == "" {
		return "", fmt.Errorf("conversation id is required")
	}
	if req.ReplyTo != "" && req.EditOf != "" {
		return "", fmt.Errorf("reply_to and edit_of are mutually exclusive")
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	if !models.ValidRole(role) {
		return "", fmt.Errorf("invalid role: %s", role)
	}

	t := m.GetOrCreateTree(req.ConversationID)

	var (
		nodeID string
		err    error
	)
	switch {
	case req.EditOf != "":
		nodeID, err = t.Fork(req.EditOf, req.Content)
	case req.ReplyTo != "":
		nodeID, err = t.Append(req.ReplyTo, role, req.Content)
	default:
		nodeID, err = t.AppendToActiveLeaf(role, req.Content)
	}
	if err != nil {
		return "", err
	}

	logNodeReceived(req.ConversationID, nodeID, role, req)
	m.persist(t)
	m.wake(req.ConversationID)
	return nodeID, nil
}

// NodeView returns a node annotated with its blocking ancestor, if any.
func (m *Manager) NodeView(conversationID, nodeID string) (*models.NodeView, error) {
	t, err := m.Tree(conversationID)
	if err != nil {
		return nil, err
	}
	return t.View(nodeID)
}

// CancelAll stops every live agent session across every tree, waits for
// each to acknowledge, and returns the number stopped. Safe with zero
// live sessions and safe against concurrent admissions: a session racing
// the cancellation either gets stopped here or aborts before registering
// its pid.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	m.cancelling = true
	sessions := make([]*cli.Session, 0, len(m.live))
	for _, s := range m.live {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		<-s.Done()
	}

	m.mu.Lock()
	m.cancelling = false
	m.mu.Unlock()

	log.Printf("manager_event=cancel_all stopped=%d", len(sessions))
	return len(sessions)
}

// cancellationInEffect is the flag a session checks before registering
// its pid.
func (m *Manager) cancellationInEffect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelling
}

func (m *Manager) trackSession(nodeID string, s *cli.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelling {
		return false
	}
	m.live[nodeID] = s
	return true
}

func (m *Manager) untrackSession(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, nodeID)
}

// LiveSessions returns the number of currently running agent processes.
func (m *Manager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) wake(conversationID string) {
	m.mu.Lock()
	w, ok := m.workers[conversationID]
	m.mu.Unlock()
	if ok {
		w.notify()
	}
}

func (m *Manager) persist(t *tree.Tree) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveTree(t.Snapshot()); err != nil {
		log.Printf("manager_event=persist_failed conversation=%s error=%q", t.ConversationID(), err.Error())
	}
}

func (m *Manager) notifyResult(conversationID string, t *tree.Tree, nodeID string) {
	if m.cfg.OnResult == nil {
		return
	}
	node, err := t.Node(nodeID)
	if err != nil {
		return
	}
	m.cfg.OnResult(conversationID, node)
}

// Shutdown cancels all running sessions, stops the workers, and closes
// the store.
func (m *Manager) Shutdown() error {
	m.CancelAll()
	m.cancel()
	m.wg.Wait()
	if m.cfg.Store != nil {
		return m.cfg.Store.Close()
	}
	return nil
}

// GenerateConversationID returns a fresh conversation key for adapters
// that do not bring their own.
func GenerateConversationID() string {
	return fmt.Sprintf("conv-%s", uuid.New().String()[:8])
}

func logNodeReceived(conversationID, nodeID string, role models.Role, req models.EnqueueRequest) {
	log.Printf(
		"node_event=received conversation=%s node=%s role=%s reply_to=%q edit_of=%q content_len=%d",
		conversationID,
		nodeID,
		role,
		req.ReplyTo,
		req.EditOf,
		len(req.Content),
	)
}
