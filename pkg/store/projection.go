package store

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// ProjectionStatus is the operational state of a read model.
type ProjectionStatus string

const (
	// ProjectionStatusReady means the projection is serving queries.
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding means the projection is being rebuilt and
	// may serve stale or partial answers.
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed means the projection stopped on an error.
	ProjectionStatusFailed ProjectionStatus = "FAILED"

	// ProjectionStatusPaused means the projection was stopped on purpose.
	ProjectionStatusPaused ProjectionStatus = "PAUSED"
)

// ProjectionState is a projection's recorded status, an optional message
// (error details, operator notes), and rebuild progress while one runs.
type ProjectionState struct {
	ProjectionName string
	Status         ProjectionStatus
	Message        string
	UpdatedAt      time.Time
	Progress       *RebuildProgress
}

// RebuildProgress reports how far a rebuild has come.
type RebuildProgress struct {
	EventsProcessed int64     `json:"events_processed"`
	TotalEvents     int64     `json:"total_events,omitempty"` // 0 when unknown
	StartedAt       time.Time `json:"started_at"`
}

// ProjectionStatusStore persists projection status for monitoring and for
// readiness gates on the query side.
type ProjectionStatusStore interface {
	// SaveStatus records a projection's state, replacing any previous one.
	SaveStatus(ctx context.Context, state *ProjectionState) error

	// LoadStatus returns the recorded state. A projection with no record
	// reports Ready: untracked projections are assumed serveable.
	LoadStatus(ctx context.Context, projectionName string) (*ProjectionState, error)

	// UpdateProgress replaces the rebuild progress of a tracked projection.
	// Updates for untracked projections are dropped.
	UpdateProgress(ctx context.Context, projectionName string, progress *RebuildProgress) error

	// Close closes the store.
	Close() error
}

// MemoryProjectionStatusStore is a thread-safe in-memory projection status
// store.
type MemoryProjectionStatusStore struct {
	mu     sync.RWMutex
	states map[string]*ProjectionState
	closed bool
}

// NewMemoryProjectionStatusStore creates an empty in-memory status store.
func NewMemoryProjectionStatusStore() *MemoryProjectionStatusStore {
	return &MemoryProjectionStatusStore{
		states: make(map[string]*ProjectionState),
	}
}

func cloneProjectionState(state *ProjectionState) *ProjectionState {
	clone := *state
	if state.Progress != nil {
		progress := *state.Progress
		clone.Progress = &progress
	}
	return &clone
}

// SaveStatus records a projection's state.
func (s *MemoryProjectionStatusStore) SaveStatus(ctx context.Context, state *ProjectionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	s.states[state.ProjectionName] = cloneProjectionState(state)
	return nil
}

// LoadStatus returns the recorded state, or a Ready state for untracked
// projections.
func (s *MemoryProjectionStatusStore) LoadStatus(ctx context.Context, projectionName string) (*ProjectionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	state, ok := s.states[projectionName]
	if !ok {
		return &ProjectionState{
			ProjectionName: projectionName,
			Status:         ProjectionStatusReady,
			UpdatedAt:      eventsourcing.Now(),
		}, nil
	}
	return cloneProjectionState(state), nil
}

// UpdateProgress replaces the rebuild progress of a tracked projection.
func (s *MemoryProjectionStatusStore) UpdateProgress(ctx context.Context, projectionName string, progress *RebuildProgress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	state, ok := s.states[projectionName]
	if !ok {
		return nil
	}
	p := *progress
	state.Progress = &p
	state.UpdatedAt = eventsourcing.Now()
	return nil
}

// Close marks the store closed.
func (s *MemoryProjectionStatusStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

var _ ProjectionStatusStore = (*MemoryProjectionStatusStore)(nil)
