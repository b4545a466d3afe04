package store

import (
	"context"
	"sync"
	"time"
)

// Checkpoint tracks a processor's progress through one stream. StreamID ""
// is the processor's global cursor. SkipBefore is the catchup watermark:
// events stamped at or before it are skipped on replay.
type Checkpoint struct {
	ProcessorID string
	StreamID    string
	Position    int64
	LastEventID string
	SkipBefore  time.Time
	UpdatedAt   time.Time
}

// CheckpointStore persists processor checkpoints. Saves are atomic per
// (processor, stream) pair.
type CheckpointStore interface {
	// SaveCheckpoint stores a checkpoint, replacing the previous one for
	// the same (processor, stream) pair.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint for a (processor, stream)
	// pair, or nil if the processor has not recorded one yet.
	LoadCheckpoint(ctx context.Context, processorID, streamID string) (*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoints for a processor, for
	// rebuilds from scratch.
	DeleteCheckpoints(ctx context.Context, processorID string) error

	// Close closes the store.
	Close() error
}

type checkpointKey struct {
	processorID string
	streamID    string
}

// MemoryCheckpointStore is a thread-safe in-memory checkpoint store.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[checkpointKey]*Checkpoint
	closed      bool
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[checkpointKey]*Checkpoint),
	}
}

// SaveCheckpoint stores a checkpoint.
func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	cp := *checkpoint
	s.checkpoints[checkpointKey{checkpoint.ProcessorID, checkpoint.StreamID}] = &cp
	return nil
}

// LoadCheckpoint returns the checkpoint for a (processor, stream) pair.
func (s *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, processorID, streamID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	cp, ok := s.checkpoints[checkpointKey{processorID, streamID}]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

// DeleteCheckpoints removes all checkpoints for a processor.
func (s *MemoryCheckpointStore) DeleteCheckpoints(ctx context.Context, processorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	for key := range s.checkpoints {
		if key.processorID == processorID {
			delete(s.checkpoints, key)
		}
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
