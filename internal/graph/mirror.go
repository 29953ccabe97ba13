package graph

import "context"

// Mirror is an external copy of the committed graph, kept for browsing with
// graph tooling. It is written after local storage and rolled back with it.
type Mirror interface {
	Upsert(ctx context.Context, entities []Entity, relations []Relation) error
	// Delete removes entities by key, together with their relations, and
	// relations by key.
	Delete(ctx context.Context, entityKeys, relationKeys []string) error
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}
