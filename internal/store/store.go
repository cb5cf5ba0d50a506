// Package store provides tree snapshot persistence and retrieval.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sevir/ramal/pkg/models"
)

// Store defines the interface for conversation tree storage. Backends
// must preserve node identifiers, parent links, and states across
// restarts; process ids are never persisted.
type Store interface {
	SaveTree(snap *models.TreeSnapshot) error
	GetTree(conversationID string) (*models.TreeSnapshot, error)
	ListTrees() ([]*models.TreeSnapshot, error)
	Close() error
}

// FileStore implements Store using a JSON file for persistence.
type FileStore struct {
	path    string
	trees   map[string]*models.TreeSnapshot
	mu      sync.RWMutex
	dirty   bool
	closeCh chan struct{}
	once    sync.Once
}

// NewFileStore creates a new file-based store.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path:    path,
		trees:   make(map[string]*models.TreeSnapshot),
		closeCh: make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	// Start background saver
	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var trees map[string]*models.TreeSnapshot
	if err := json.Unmarshal(data, &trees); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	fs.trees = trees
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.trees, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal trees: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.RLock()
			dirty := fs.dirty
			fs.mu.RUnlock()

			if dirty {
				if err := fs.save(); err == nil {
					fs.mu.Lock()
					fs.dirty = false
					fs.mu.Unlock()
				}
			}
		case <-fs.closeCh:
			fs.save()
			return
		}
	}
}

// SaveTree stores or updates a tree snapshot.
func (fs *FileStore) SaveTree(snap *models.TreeSnapshot) error {
	if snap == nil || snap.ConversationID == "" {
		return fmt.Errorf("snapshot missing conversation id")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.trees[snap.ConversationID] = snap
	fs.dirty = true

	return nil
}

// GetTree retrieves a tree snapshot by conversation id.
func (fs *FileStore) GetTree(conversationID string) (*models.TreeSnapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	snap, exists := fs.trees[conversationID]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}

	return snap, nil
}

// ListTrees retrieves every persisted tree snapshot.
func (fs *FileStore) ListTrees() ([]*models.TreeSnapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]*models.TreeSnapshot, 0, len(fs.trees))
	for _, snap := range fs.trees {
		result = append(result, snap)
	}
	return result, nil
}

// Close stops the background saver and performs a final save.
func (fs *FileStore) Close() error {
	fs.once.Do(func() { close(fs.closeCh) })
	return nil
}

// ForceSave immediately persists all trees to disk.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	return fs.save()
}
