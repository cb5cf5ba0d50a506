package queue

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/sevir/ramal/internal/cli"
	"github.com/sevir/ramal/internal/tree"
	"github.com/sevir/ramal/pkg/models"
)

// worker is the per-tree processor loop. One worker per tree keeps at
// most one node running per conversation, which preserves answer order
// along a branch; workers for different trees run fully in parallel.
type worker struct {
	conversationID string
	tree           *tree.Tree
	wakeCh         chan struct{}
}

func newWorker(conversationID string, t *tree.Tree) *worker {
	return &worker{
		conversationID: conversationID,
		tree:           t,
		// Buffered so a notify during processing is not lost.
		wakeCh: make(chan struct{}, 1),
	}
}

func (w *worker) notify() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// runWorker drains eligible nodes to quiescence whenever notified.
func (m *Manager) runWorker(w *worker) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-w.wakeCh:
		}

		for {
			if m.ctx.Err() != nil {
				return
			}
			nodeID, ok := w.tree.NextEligible()
			if !ok {
				break
			}
			m.process(w, nodeID)
		}
	}
}

// process runs one node through queued -> running -> terminal. All tree
// mutations are short critical sections; the external-process wait
// happens with no tree lock held.
func (m *Manager) process(w *worker, nodeID string) {
	t := w.tree

	if err := t.MarkQueued(nodeID); err != nil {
		log.Printf("node_event=queue_failed conversation=%s node=%s error=%q", w.conversationID, nodeID, err.Error())
		return
	}
	log.Printf("node_event=startable conversation=%s node=%s", w.conversationID, nodeID)

	path, err := t.PathToRoot(nodeID)
	if err != nil {
		m.finishNode(t, nodeID, "", err)
		return
	}
	prompt := renderContext(path)

	// Global ceiling on concurrent external processes: wait, never fail.
	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		return
	}
	defer func() { <-m.sem }()

	if err := t.MarkRunning(nodeID); err != nil {
		log.Printf("node_event=run_failed conversation=%s node=%s error=%q", w.conversationID, nodeID, err.Error())
		return
	}

	sess := cli.NewSession(w.conversationID, nodeID, m.registry)
	if !m.trackSession(nodeID, sess) {
		// Cancellation is in effect; the node never starts.
		m.finishNode(t, nodeID, "", models.ErrSessionCancelled)
		return
	}

	if err := sess.Start(m.ctx, m.cfg.Agent, prompt, m.cancellationInEffect); err != nil {
		m.untrackSession(nodeID)
		m.finishNode(t, nodeID, "", err)
		return
	}

	result, err := sess.Await(m.ctx)
	m.untrackSession(nodeID)
	m.finishNode(t, nodeID, result, err)
}

// finishNode records the terminal outcome of a node and hands the result
// back to the adapter. Failures terminate only the affected node; its
// descendants stay pending and blocked.
func (m *Manager) finishNode(t *tree.Tree, nodeID, result string, err error) {
	var state models.MessageState
	switch {
	case err == nil:
		state = models.StateCompleted
		t.MarkCompleted(nodeID, result)
	case errors.Is(err, models.ErrSessionCancelled):
		state = models.StateCancelled
		t.MarkCancelled(nodeID)
	default:
		state = models.StateFailed
		t.MarkFailed(nodeID, err.Error())
	}

	logNodeFinished(t, nodeID, state)
	m.persist(t)
	m.notifyResult(t.ConversationID(), t, nodeID)
}

// renderContext turns a root-to-node path into the agent's stdin payload:
// the full completed context of the node's ancestors followed by the
// message being answered.
func renderContext(path []*models.MessageNode) string {
	var b strings.Builder
	for _, n := range path {
		switch n.Role {
		case models.RoleUser:
			b.WriteString("User: ")
			b.WriteString(n.Content)
			b.WriteString("\n")
			if n.Result != "" {
				b.WriteString("Assistant: ")
				b.WriteString(n.Result)
				b.WriteString("\n")
			}
		case models.RoleAgent:
			b.WriteString("Assistant: ")
			b.WriteString(n.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func logNodeFinished(t *tree.Tree, nodeID string, state models.MessageState) {
	duration := ""
	errDetail := ""
	if node, err := t.Node(nodeID); err == nil {
		if node.CompletedAt != nil {
			duration = node.CompletedAt.Sub(node.CreatedAt).Round(time.Millisecond).String()
		}
		errDetail = node.Error
	}
	log.Printf(
		"node_event=finished conversation=%s node=%s state=%s duration=%q error=%q",
		t.ConversationID(),
		nodeID,
		state,
		duration,
		errDetail,
	)
}
