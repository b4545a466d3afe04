package store

import (
	"context"
	"sync"
	"time"
)

// SagaRecord is the persisted state of one saga instance: the serialized
// user state plus the set of steps that already ran. Both are written
// atomically so a crash cannot record a step without its state change.
type SagaRecord struct {
	SagaName       string
	SagaID         string
	State          []byte
	CompletedSteps []string
	UpdatedAt      time.Time
}

// StepCompleted reports whether a step already ran for this instance.
func (r *SagaRecord) StepCompleted(name string) bool {
	for _, step := range r.CompletedSteps {
		if step == name {
			return true
		}
	}
	return false
}

// SagaStateStore persists saga instances keyed by (saga name, saga id).
type SagaStateStore interface {
	// LoadSaga returns the record for an instance, or nil if the saga has
	// not started or already terminated.
	LoadSaga(ctx context.Context, sagaName, sagaID string) (*SagaRecord, error)

	// SaveSaga stores a record atomically.
	SaveSaga(ctx context.Context, record *SagaRecord) error

	// DeleteSaga removes a record, terminating the instance. Deleting a
	// missing record is not an error.
	DeleteSaga(ctx context.Context, sagaName, sagaID string) error

	// Close closes the store.
	Close() error
}

type sagaKey struct {
	name string
	id   string
}

// MemorySagaStateStore is a thread-safe in-memory saga state store.
type MemorySagaStateStore struct {
	mu      sync.RWMutex
	records map[sagaKey]*SagaRecord
	closed  bool
}

// NewMemorySagaStateStore creates an empty in-memory saga state store.
func NewMemorySagaStateStore() *MemorySagaStateStore {
	return &MemorySagaStateStore{
		records: make(map[sagaKey]*SagaRecord),
	}
}

// LoadSaga returns the record for an instance, or nil when absent.
func (s *MemorySagaStateStore) LoadSaga(ctx context.Context, sagaName, sagaID string) (*SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	rec, ok := s.records[sagaKey{sagaName, sagaID}]
	if !ok {
		return nil, nil
	}
	copied := *rec
	copied.CompletedSteps = append([]string(nil), rec.CompletedSteps...)
	return &copied, nil
}

// SaveSaga stores a record.
func (s *MemorySagaStateStore) SaveSaga(ctx context.Context, record *SagaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	copied := *record
	copied.CompletedSteps = append([]string(nil), record.CompletedSteps...)
	s.records[sagaKey{record.SagaName, record.SagaID}] = &copied
	return nil
}

// DeleteSaga removes a record.
func (s *MemorySagaStateStore) DeleteSaga(ctx context.Context, sagaName, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	delete(s.records, sagaKey{sagaName, sagaID})
	return nil
}

// Close marks the store closed.
func (s *MemorySagaStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
