// Package searchindex defines the search index contract the worker
// routes indexable output through, and the clients implementing it.
// An index instance declares which data sources it serves; routing
// fans out to every instance supporting the item's data source.
package searchindex

import (
	"context"
)

// Index is one search index instance
type Index interface {
	// ID identifies this index instance in logs and config
	ID() string

	// Supports reports whether this instance indexes the given data
	// source.
	Supports(datasource string) bool

	// Query returns how many indexed items exist for the given data
	// source restricted to the given item ids. Used to decide between
	// marking items inserted versus deleted.
	Query(ctx context.Context, datasource string, itemIDs []string) (int, error)

	// TrackInserted marks the given items as present and in need of
	// (re)indexing.
	TrackInserted(ctx context.Context, datasource string, itemIDs []string) error

	// TrackDeleted marks the given items as removed
	TrackDeleted(ctx context.Context, datasource string, itemIDs []string) error
}

// Supporting filters the given instances down to those that serve the
// data source.
func Supporting(indexes []Index, datasource string) []Index {
	var out []Index
	for _, idx := range indexes {
		if idx.Supports(datasource) {
			out = append(out, idx)
		}
	}
	return out
}
