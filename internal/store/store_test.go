package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sevir/ramal/pkg/models"
)

func testSnapshot(conversationID string) *models.TreeSnapshot {
	now := time.Now()
	root := &models.MessageNode{
		ID:        "node-root",
		Role:      models.RoleSystem,
		State:     models.StateCompleted,
		ChildIDs:  []string{"node-a"},
		CreatedAt: now,
	}
	child := &models.MessageNode{
		ID:        "node-a",
		ParentID:  "node-root",
		Role:      models.RoleUser,
		Content:   "hello",
		State:     models.StatePending,
		CreatedAt: now,
	}
	return &models.TreeSnapshot{
		ConversationID: conversationID,
		RootID:         root.ID,
		ActiveLeafID:   child.ID,
		Nodes: map[string]*models.MessageNode{
			root.ID:  root,
			child.ID: child,
		},
		UpdatedAt: now,
	}
}

func TestFileStoreSaveAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer fs.Close()

	snap := testSnapshot("chat-1")
	if err := fs.SaveTree(snap); err != nil {
		t.Fatalf("Failed to save tree: %v", err)
	}

	got, err := fs.GetTree("chat-1")
	if err != nil {
		t.Fatalf("Failed to get tree: %v", err)
	}
	if got.ConversationID != "chat-1" {
		t.Errorf("Expected conversation chat-1, got %s", got.ConversationID)
	}
	if len(got.Nodes) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(got.Nodes))
	}
}

func TestFileStoreRejectsEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer fs.Close()

	if err := fs.SaveTree(nil); err == nil {
		t.Error("Expected error for nil snapshot")
	}
	if err := fs.SaveTree(&models.TreeSnapshot{}); err == nil {
		t.Error("Expected error for snapshot without conversation id")
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer fs.Close()

	_, err = fs.GetTree("chat-missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreListTrees(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer fs.Close()

	fs.SaveTree(testSnapshot("chat-1"))
	fs.SaveTree(testSnapshot("chat-2"))

	trees, err := fs.ListTrees()
	if err != nil {
		t.Fatalf("Failed to list trees: %v", err)
	}
	if len(trees) != 2 {
		t.Errorf("Expected 2 trees, got %d", len(trees))
	}
}

func TestFileStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")

	fs1, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	fs1.SaveTree(testSnapshot("chat-persist"))
	if err := fs1.ForceSave(); err != nil {
		t.Fatalf("Failed to force save: %v", err)
	}
	fs1.Close()

	fs2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer fs2.Close()

	got, err := fs2.GetTree("chat-persist")
	if err != nil {
		t.Fatalf("Failed to get tree after reopen: %v", err)
	}
	if got.ActiveLeafID != "node-a" {
		t.Errorf("Expected active leaf node-a, got %s", got.ActiveLeafID)
	}
	node := got.Nodes["node-a"]
	if node == nil || node.State != models.StatePending {
		t.Errorf("Expected pending node-a to survive a restart, got %+v", node)
	}
}

func TestFileStoreCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trees.json")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := fs.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
