package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// MetadataKey is the event metadata key carrying the owning tenant.
const MetadataKey = "tenant_id"

// ScopedStore decorates an event store so that every operation runs
// against a tenant-scoped stream. The tenant comes from the context;
// callers keep using local aggregate ids and two tenants may use the
// same one. Appended events are rewritten to the scoped stream id and
// stamped with the tenant, so the bus and read models downstream see
// the storage identity.
//
// Snapshot and cache backends shared across tenants are not covered;
// aggregates needing those compose scoped ids with ScopeStreamID at
// the call site instead.
type ScopedStore struct {
	inner eventsourcing.EventStore
}

// NewScopedStore wraps an event store with per-tenant stream scoping.
func NewScopedStore(inner eventsourcing.EventStore) *ScopedStore {
	if inner == nil {
		panic("inner event store is required")
	}
	return &ScopedStore{inner: inner}
}

// AppendEvents appends to the tenant's stream. The events are rewritten
// in place to carry the scoped stream id and the tenant metadata before
// they reach the inner store.
func (s *ScopedStore) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	scoped, tenantID, err := s.resolve(ctx, streamID)
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		evt.AggregateID = scoped
		if evt.Metadata.Custom == nil {
			evt.Metadata.Custom = make(map[string]string, 1)
		}
		evt.Metadata.Custom[MetadataKey] = tenantID
	}
	return s.inner.AppendEvents(ctx, scoped, expectedVersion, events)
}

// LoadEvents loads a version range from the tenant's stream.
func (s *ScopedStore) LoadEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	scoped, _, err := s.resolve(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return s.inner.LoadEvents(ctx, scoped, fromVersion, toVersion)
}

// StreamVersion returns the version of the tenant's stream.
func (s *ScopedStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	scoped, _, err := s.resolve(ctx, streamID)
	if err != nil {
		return 0, err
	}
	return s.inner.StreamVersion(ctx, scoped)
}

// RewriteEvents forwards to the inner store's rewrite capability, with
// the stream id scoped. It fails when the inner store has none, which
// degrades eager upcasting to lazy.
func (s *ScopedStore) RewriteEvents(ctx context.Context, streamID string, events []*eventsourcing.Event) error {
	rewriter, ok := s.inner.(eventsourcing.StreamRewriter)
	if !ok {
		return fmt.Errorf("event store %T does not support rewrites", s.inner)
	}
	scoped, _, err := s.resolve(ctx, streamID)
	if err != nil {
		return err
	}
	return rewriter.RewriteEvents(ctx, scoped, events)
}

// Close closes the inner store.
func (s *ScopedStore) Close() error {
	return s.inner.Close()
}

// resolve derives the scoped stream id for the context's tenant. An
// already scoped id is kept as long as it belongs to that tenant.
func (s *ScopedStore) resolve(ctx context.Context, streamID string) (scoped, tenantID string, err error) {
	tenantID, ok := TenantFrom(ctx)
	if !ok {
		return "", "", fmt.Errorf("stream %s: %w", streamID, ErrNoTenant)
	}
	if err := CheckStream(streamID, tenantID); err != nil {
		return "", "", fmt.Errorf("stream %s: %w", streamID, err)
	}
	if owner, _ := SplitStreamID(streamID); owner == tenantID {
		return streamID, tenantID, nil
	}
	return ScopeStreamID(tenantID, streamID), tenantID, nil
}

// EventTenant returns the tenant an event was committed under, or an
// empty string for single-tenant events. Tenant-aware projections route
// on it.
func EventTenant(evt *eventsourcing.Event) string {
	if evt == nil {
		return ""
	}
	return evt.Metadata.Custom[MetadataKey]
}

var _ eventsourcing.EventStore = (*ScopedStore)(nil)
var _ eventsourcing.StreamRewriter = (*ScopedStore)(nil)

// Stores hands out one event store per tenant, opened lazily through
// the supplied opener. It serves layouts where isolation comes from
// separate databases rather than scoped stream ids; the opener decides
// what a tenant's store is, typically a per-tenant SQLite file.
type Stores struct {
	opener func(tenantID string) (eventsourcing.EventStore, error)

	mu     sync.RWMutex
	stores map[string]eventsourcing.EventStore
	closed bool
}

// NewStores creates a per-tenant store manager.
func NewStores(opener func(tenantID string) (eventsourcing.EventStore, error)) *Stores {
	if opener == nil {
		panic("store opener is required")
	}
	return &Stores{
		opener: opener,
		stores: make(map[string]eventsourcing.EventStore),
	}
}

// Get returns the store for the context's tenant, opening it on first
// use.
func (s *Stores) Get(ctx context.Context) (eventsourcing.EventStore, error) {
	tenantID, ok := TenantFrom(ctx)
	if !ok {
		return nil, ErrNoTenant
	}

	s.mu.RLock()
	store, exists := s.stores[tenantID]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, errors.New("tenant stores are closed")
	}
	if exists {
		return store, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("tenant stores are closed")
	}
	if store, exists := s.stores[tenantID]; exists {
		return store, nil
	}

	store, err := s.opener(tenantID)
	if err != nil {
		return nil, fmt.Errorf("open store for tenant %s: %w", tenantID, err)
	}
	s.stores[tenantID] = store
	return store, nil
}

// Close closes every opened tenant store. Further Get calls fail.
func (s *Stores) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for tenantID, store := range s.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store for tenant %s: %w", tenantID, err))
		}
	}
	s.stores = nil
	return errors.Join(errs...)
}
