package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/upcasting"
)

// repositoryConfig holds the optional collaborators of a Repository.
type repositoryConfig struct {
	eventBus         eventsourcing.EventBus
	upcasters        *upcasting.Pipeline
	upcastStrategy   upcasting.Strategy
	snapshots        SnapshotStore
	snapshotStrategy SnapshotStrategy
	cache            AggregateCache
	cachePolicy      CachePolicy
	logger           *slog.Logger
	meter            metric.Meter
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

// WithEventBus publishes committed events to the given bus as the last
// step of every commit.
func WithEventBus(bus eventsourcing.EventBus) RepositoryOption {
	return func(c *repositoryConfig) {
		c.eventBus = bus
	}
}

// WithUpcasting runs loaded events through the pipeline. The Eager
// strategy additionally rewrites upgraded events back to the store when
// the store supports it.
func WithUpcasting(pipeline *upcasting.Pipeline, strategy upcasting.Strategy) RepositoryOption {
	return func(c *repositoryConfig) {
		c.upcasters = pipeline
		c.upcastStrategy = strategy
	}
}

// WithSnapshots enables snapshotting with the given store and strategy.
// Aggregates must implement Snapshotable to benefit.
func WithSnapshots(snapshots SnapshotStore, strategy SnapshotStrategy) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshots = snapshots
		if strategy != nil {
			c.snapshotStrategy = strategy
		}
	}
}

// WithCache enables the aggregate cache with the given policy.
func WithCache(cache AggregateCache, policy CachePolicy) RepositoryOption {
	return func(c *repositoryConfig) {
		c.cache = cache
		if policy != nil {
			c.cachePolicy = policy
		}
	}
}

// WithLogger sets the repository's logger.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = logger
	}
}

// WithMeter enables the snapshot counter on the given meter.
func WithMeter(meter metric.Meter) RepositoryOption {
	return func(c *repositoryConfig) {
		c.meter = meter
	}
}

// Repository loads and commits one aggregate type against the event store.
// Access is scoped: a Scope holds a per-stream lock for the duration of
// one load-handle-commit cycle, so a single aggregate id is never handled
// concurrently within the process.
type Repository[T eventsourcing.Aggregate] struct {
	eventStore    eventsourcing.EventStore
	registry      *eventsourcing.Registry
	aggregateType string
	factory       func(id string) T
	locks         *streamLocks
	cfg           repositoryConfig
	snapshots     metric.Int64Counter
}

// NewRepository creates a repository for one aggregate type. factory must
// return a fresh zero-state aggregate for an id.
func NewRepository[T eventsourcing.Aggregate](
	eventStore eventsourcing.EventStore,
	registry *eventsourcing.Registry,
	aggregateType string,
	factory func(id string) T,
	opts ...RepositoryOption,
) *Repository[T] {
	cfg := repositoryConfig{
		snapshotStrategy: NeverSnapshot{},
		cachePolicy:      NeverCache{},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Repository[T]{
		eventStore:    eventStore,
		registry:      registry,
		aggregateType: aggregateType,
		factory:       factory,
		locks:         newStreamLocks(),
		cfg:           cfg,
	}
	if cfg.meter != nil {
		counter, err := cfg.meter.Int64Counter(
			"cqrskit.snapshots.taken",
			metric.WithDescription("Snapshots written, by aggregate type"),
		)
		if err != nil {
			cfg.logger.Warn("Snapshot metrics disabled",
				slog.String("aggregate_type", aggregateType),
				slog.String("error", err.Error()),
			)
		} else {
			r.snapshots = counter
		}
	}
	return r
}

// Scope locks the aggregate's stream and loads its current state:
// validated cache entry first, then snapshot seed plus remaining events,
// then full replay. A missing stream yields a fresh aggregate at version
// 0; handlers decide whether that is a creation or an error. The caller
// must Close the scope.
func (r *Repository[T]) Scope(ctx context.Context, id string) (*Scope[T], error) {
	lock := r.locks.acquire(id)

	scope, err := r.load(ctx, id)
	if err != nil {
		r.locks.release(id, lock)
		return nil, err
	}
	scope.lock = lock
	return scope, nil
}

// Load returns the aggregate's current state without keeping a lock.
// Returns eventsourcing.ErrAggregateNotFound for a missing stream. Use
// Scope for anything that commits.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	lock := r.locks.acquire(id)
	defer r.locks.release(id, lock)

	scope, err := r.load(ctx, id)
	if err != nil {
		return zero, err
	}
	if scope.loadedVersion == 0 {
		return zero, fmt.Errorf("%w: %s %s", eventsourcing.ErrAggregateNotFound, r.aggregateType, id)
	}
	return scope.aggregate, nil
}

// Exists reports whether the aggregate has any committed events.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.StreamVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

func (r *Repository[T]) load(ctx context.Context, id string) (*Scope[T], error) {
	head, err := r.eventStore.StreamVersion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stream version %s: %w", id, err)
	}

	agg := r.factory(id)
	scope := &Scope[T]{repo: r, streamID: id}

	// Advisory cache: only an entry matching the stream head is usable.
	if r.cfg.cache != nil && head > 0 {
		if done, ok := r.tryCache(ctx, id, head, &agg); ok && done {
			scope.aggregate = agg
			scope.loadedVersion = head
			scope.snapshotVersion = head
			return scope, nil
		}
	}

	fromVersion := int64(1)
	if r.cfg.snapshots != nil {
		if snapAgg, ok := any(agg).(Snapshotable); ok {
			snapshot, err := r.cfg.snapshots.LatestSnapshot(ctx, id, 0)
			switch {
			case err == nil:
				if err := snapAgg.UnmarshalSnapshot(snapshot.State); err != nil {
					r.cfg.logger.WarnContext(ctx, "snapshot restore failed, replaying full stream",
						slog.String("aggregate_id", id),
						slog.String("error", err.Error()),
					)
					agg = r.factory(id)
				} else {
					eventsourcing.SeedVersion(agg, snapshot.Version)
					fromVersion = snapshot.Version + 1
					scope.snapshotVersion = snapshot.Version
					scope.lastSnapshotAt = snapshot.CreatedAt
				}
			case errors.Is(err, eventsourcing.ErrSnapshotNotFound):
				// First load, nothing to seed.
			default:
				return nil, fmt.Errorf("load snapshot %s: %w", id, err)
			}
		}
	}

	events, err := r.eventStore.LoadEvents(ctx, id, fromVersion, 0)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", id, err)
	}

	if r.cfg.upcasters != nil && len(events) > 0 {
		upgraded, err := r.cfg.upcasters.ApplyAll(events)
		if err != nil {
			return nil, err
		}
		if r.cfg.upcastStrategy == upcasting.Eager {
			r.rewriteUpgraded(ctx, id, events, upgraded)
		}
		events = upgraded
	}

	for _, evt := range events {
		if err := r.registry.DecodeEvent(evt); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", evt.ID, err)
		}
	}

	if err := eventsourcing.Replay(agg, events); err != nil {
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}

	scope.aggregate = agg
	scope.loadedVersion = agg.Version()
	return scope, nil
}

// tryCache attempts a cache-based load. The second return is false when
// the cache errored badly enough to be ignored entirely; done reports
// whether the aggregate was fully restored.
func (r *Repository[T]) tryCache(ctx context.Context, id string, head int64, agg *T) (done, ok bool) {
	entry, err := r.cfg.cache.Get(ctx, id)
	if err != nil {
		r.cfg.logger.WarnContext(ctx, "aggregate cache get failed",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
		return false, false
	}
	if entry == nil || entry.Version != head {
		return false, true
	}

	snapAgg, isSnap := any(*agg).(Snapshotable)
	if !isSnap {
		return false, true
	}
	if err := snapAgg.UnmarshalSnapshot(entry.State); err != nil {
		r.cfg.logger.WarnContext(ctx, "cached aggregate restore failed",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
		if err := r.cfg.cache.Remove(ctx, id); err != nil {
			r.cfg.logger.WarnContext(ctx, "cache remove failed", slog.String("aggregate_id", id))
		}
		*agg = r.factory(id)
		return false, true
	}

	eventsourcing.SeedVersion(*agg, entry.Version)
	return true, true
}

// rewriteUpgraded persists upcasted events back to the store. Failures
// degrade to lazy behavior; the load itself never fails because of a
// rewrite.
func (r *Repository[T]) rewriteUpgraded(ctx context.Context, id string, loaded, upgraded []*eventsourcing.Event) {
	rewriter, ok := r.eventStore.(eventsourcing.StreamRewriter)
	if !ok {
		return
	}

	var changed []*eventsourcing.Event
	for i := range upgraded {
		if upgraded[i] != loaded[i] {
			changed = append(changed, upgraded[i])
		}
	}
	if len(changed) == 0 {
		return
	}

	if err := rewriter.RewriteEvents(ctx, id, changed); err != nil {
		r.cfg.logger.WarnContext(ctx, "eager upcast rewrite failed",
			slog.String("aggregate_id", id),
			slog.Int("events", len(changed)),
			slog.String("error", err.Error()),
		)
	}
}

// Scope is one load-handle-commit cycle over a locked aggregate stream.
type Scope[T eventsourcing.Aggregate] struct {
	repo            *Repository[T]
	aggregate       T
	streamID        string
	lock            *streamLock
	loadedVersion   int64
	snapshotVersion int64
	lastSnapshotAt  time.Time
	closed          bool
}

// Aggregate returns the loaded aggregate.
func (s *Scope[T]) Aggregate() T {
	return s.aggregate
}

// Exists reports whether the aggregate had committed events when loaded.
func (s *Scope[T]) Exists() bool {
	return s.loadedVersion > 0
}

// Commit appends the aggregate's uncommitted events at the loaded
// version, then applies the snapshot strategy, updates the cache, and
// publishes the events to the event bus. On ErrConcurrencyConflict the
// cache entry is invalidated and nothing is persisted. A publish error
// is returned to the caller, but the events are already durable at that
// point.
func (s *Scope[T]) Commit(ctx context.Context) ([]*eventsourcing.Event, error) {
	if s.closed {
		return nil, errors.New("commit on closed scope")
	}

	r := s.repo
	events := s.aggregate.UncommittedEvents()
	if len(events) == 0 {
		return nil, nil
	}

	for _, evt := range events {
		if err := r.registry.EncodeEvent(evt); err != nil {
			return nil, err
		}
	}

	expected := eventsourcing.ExpectedVersion(s.aggregate)
	newVersion, err := r.eventStore.AppendEvents(ctx, s.streamID, expected, events)
	if err != nil {
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) && r.cfg.cache != nil {
			if rmErr := r.cfg.cache.Remove(ctx, s.streamID); rmErr != nil {
				r.cfg.logger.WarnContext(ctx, "cache invalidate failed",
					slog.String("aggregate_id", s.streamID),
				)
			}
		}
		return nil, err
	}

	s.aggregate.ClearUncommittedEvents()
	s.loadedVersion = newVersion

	s.maybeSnapshot(ctx, newVersion)
	s.maybeCache(ctx, newVersion)

	if r.cfg.eventBus != nil {
		if err := r.cfg.eventBus.Publish(ctx, events); err != nil {
			return events, fmt.Errorf("publish committed events: %w", err)
		}
	}
	return events, nil
}

func (s *Scope[T]) maybeSnapshot(ctx context.Context, version int64) {
	r := s.repo
	if r.cfg.snapshots == nil {
		return
	}
	snapAgg, ok := any(s.aggregate).(Snapshotable)
	if !ok {
		return
	}
	eventsSince := version - s.snapshotVersion
	if !r.cfg.snapshotStrategy.ShouldCreateSnapshot(version, eventsSince, s.lastSnapshotAt) {
		return
	}

	state, err := snapAgg.MarshalSnapshot()
	if err != nil {
		r.cfg.logger.WarnContext(ctx, "snapshot marshal failed",
			slog.String("aggregate_id", s.streamID),
			slog.String("error", err.Error()),
		)
		return
	}
	snapshot := &Snapshot{
		AggregateID:   s.streamID,
		AggregateType: r.aggregateType,
		Version:       version,
		State:         state,
		CreatedAt:     eventsourcing.Now().UTC(),
	}
	if err := r.cfg.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		r.cfg.logger.WarnContext(ctx, "snapshot save failed",
			slog.String("aggregate_id", s.streamID),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.snapshots != nil {
		r.snapshots.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aggregate_type", r.aggregateType),
		))
	}
	s.snapshotVersion = version
	s.lastSnapshotAt = snapshot.CreatedAt
}

func (s *Scope[T]) maybeCache(ctx context.Context, version int64) {
	r := s.repo
	if r.cfg.cache == nil || !r.cfg.cachePolicy.ShouldCache(s.aggregate) {
		return
	}
	snapAgg, ok := any(s.aggregate).(Snapshotable)
	if !ok {
		return
	}

	state, err := snapAgg.MarshalSnapshot()
	if err != nil {
		r.cfg.logger.WarnContext(ctx, "cache marshal failed",
			slog.String("aggregate_id", s.streamID),
			slog.String("error", err.Error()),
		)
		return
	}
	entry := &CacheEntry{
		AggregateID: s.streamID,
		Version:     version,
		State:       state,
		CachedAt:    eventsourcing.Now().UTC(),
	}
	if err := r.cfg.cache.Put(ctx, entry); err != nil {
		r.cfg.logger.WarnContext(ctx, "cache put failed",
			slog.String("aggregate_id", s.streamID),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the stream lock. Uncommitted events are discarded with
// the aggregate instance. Close is idempotent.
func (s *Scope[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.repo.locks.release(s.streamID, s.lock)
}

// streamLocks hands out one mutex per stream id, garbage collecting
// entries when the last holder releases.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*streamLock
}

type streamLock struct {
	mu   sync.Mutex
	refs int
}

func newStreamLocks() *streamLocks {
	return &streamLocks{locks: make(map[string]*streamLock)}
}

func (l *streamLocks) acquire(id string) *streamLock {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &streamLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return sl
}

func (l *streamLocks) release(id string, sl *streamLock) {
	sl.mu.Unlock()

	l.mu.Lock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}
