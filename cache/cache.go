// Package cache defines the local-cache contract consumed by the sync layer
// and provides a reference in-memory implementation with an optional
// persisted snapshot.
package cache

// Family identifies a group of cache keys that invalidate together,
// e.g. "project:p1:tasks".
type Family string

// Cache is the narrow collaborator surface the sync layer drives.
// Invalidate marks a family stale so the next read refetches lazily.
// ForceRefetch discards the family and triggers an immediate refetch.
type Cache interface {
	Invalidate(family Family)
	ForceRefetch(family Family)
}
