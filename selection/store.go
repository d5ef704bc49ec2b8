// Package selection persists the last-selected project per user.
//
// Selection is keyed by user id so that switching the logged-in identity
// without an explicit logout can never surface the previous identity's
// selection.
package selection

import (
	"context"
	"errors"
)

var (
	// ErrNoSelection is returned when a user has no persisted selection.
	ErrNoSelection = errors.New("no project selection")

	// ErrInvalidInput is returned for empty user or project ids.
	ErrInvalidInput = errors.New("invalid selection input")
)

// Store is the project-selection collaborator surface.
type Store interface {
	// Get returns the selected project id for userID, or ErrNoSelection.
	Get(ctx context.Context, userID string) (string, error)

	// Set records projectID as userID's selection, replacing any previous one.
	Set(ctx context.Context, userID, projectID string) error

	// Clear removes userID's selection. Clearing an absent selection is not
	// an error.
	Clear(ctx context.Context, userID string) error
}
