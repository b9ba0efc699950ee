// Package store defines the persistence contract shared by the file
// snapshot and PostgreSQL backends. The search and graph engines
// depend on this interface, not on either concrete backend.
package store

import (
	"context"

	"github.com/Tangerg/lynx/recall/graph"
	"github.com/Tangerg/lynx/recall/search"
)

// Snapshot is the full persisted state of one container: every indexed
// chunk plus the entity graph built from it.
type Snapshot struct {
	Chunks []search.Chunk
	Nodes  []graph.Node
	Edges  []graph.Edge
}

// Store persists and restores one container's Snapshot at a time.
// Implementations must make Save safe to call concurrently with Save
// calls for other container tags, but callers are expected to
// serialize writers against readers for a single tag themselves (see
// lock.Registry) — the store does not re-derive that guarantee.
type Store interface {
	// Save replaces the persisted state for tag with snap.
	Save(ctx context.Context, tag string, snap Snapshot) error
	// Load returns the persisted state for tag. ok is false when tag
	// has no persisted state, e.g. it was never saved or was cleared.
	Load(ctx context.Context, tag string) (snap Snapshot, ok bool, err error)
	// Clear removes all persisted state for tag. Clearing a tag with
	// no persisted state is not an error.
	Clear(ctx context.Context, tag string) error
}
