package ports

import (
	"context"

	"github.com/appforge/backend/internal/domain"
)

// OutcomeStore is the idempotency store: one TaskOutcome per idempotency key.
// Load and Save are the whole-snapshot contract, used for export and for moving
// state between backends; the request path only uses Get and PutIfAbsent.
type OutcomeStore interface {
	// Load returns the full mapping. A missing or unreadable backing store yields an empty map.
	Load(ctx context.Context) (map[string]domain.TaskOutcome, error)
	// Save replaces the backing store with a full snapshot of outcomes.
	Save(ctx context.Context, outcomes map[string]domain.TaskOutcome) error
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*domain.TaskOutcome, error)
	// PutIfAbsent stores the outcome unless the key already exists and reports whether it was written.
	PutIfAbsent(ctx context.Context, key string, outcome domain.TaskOutcome) (bool, error)
}
