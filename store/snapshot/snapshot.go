// Package snapshot implements a file-backed store.Store: one directory
// per container holding search.json and graph.json, written atomically
// under a cross-process file lock.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Tangerg/lynx/recall/graph"
	"github.com/Tangerg/lynx/recall/store"
)

const (
	chunksFile = "search.json"
	graphFile  = "graph.json"
	lockFile   = ".snapshot.lock"
)

// Store persists each container's Snapshot under root/<tag>/.
type Store struct {
	root string
}

var _ store.Store = (*Store)(nil)

// New returns a Store rooted at root, creating root if it does not
// exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("snapshot: root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) containerDir(tag string) string {
	return filepath.Join(s.root, tag)
}

// Save writes snap to disk under a temp-file-then-rename sequence,
// guarded by a flock on the container directory so two writers for the
// same tag never interleave partial writes.
func (s *Store) Save(ctx context.Context, tag string, snap store.Snapshot) error {
	dir := s.containerDir(tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create container dir: %w", err)
	}

	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("snapshot: acquire lock for %q: %w", tag, err)
	}
	defer fl.Unlock()

	if err := writeAtomic(filepath.Join(dir, chunksFile), snap.Chunks); err != nil {
		return fmt.Errorf("snapshot: write chunks: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, graphFile), graphDoc{Nodes: snap.Nodes, Edges: snap.Edges}); err != nil {
		return fmt.Errorf("snapshot: write graph: %w", err)
	}
	return nil
}

// Load reads the persisted Snapshot for tag. ok is false when the
// container directory does not exist.
func (s *Store) Load(ctx context.Context, tag string) (store.Snapshot, bool, error) {
	dir := s.containerDir(tag)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return store.Snapshot{}, false, nil
	}

	fl := flock.New(filepath.Join(dir, lockFile))
	if err := fl.RLock(); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("snapshot: acquire read lock for %q: %w", tag, err)
	}
	defer fl.Unlock()

	var snap store.Snapshot
	if err := readJSON(filepath.Join(dir, chunksFile), &snap.Chunks); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("snapshot: read chunks: %w", err)
	}
	var gd graphDoc
	if err := readJSON(filepath.Join(dir, graphFile), &gd); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("snapshot: read graph: %w", err)
	}
	snap.Nodes, snap.Edges = gd.Nodes, gd.Edges
	return snap, true, nil
}

// Clear removes all persisted state for tag.
func (s *Store) Clear(ctx context.Context, tag string) error {
	dir := s.containerDir(tag)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("snapshot: clear %q: %w", tag, err)
	}
	return nil
}

// graphDoc is the on-disk shape of graph.json, kept separate from
// store.Snapshot so the chunks and graph files can evolve independently.
type graphDoc struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

func writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
