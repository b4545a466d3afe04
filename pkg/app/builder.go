package app

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/middleware"
	"github.com/plaenen/cqrskit/pkg/observability"
	"github.com/plaenen/cqrskit/pkg/processing"
	"github.com/plaenen/cqrskit/pkg/runner"
	"github.com/plaenen/cqrskit/pkg/saga"
	"github.com/plaenen/cqrskit/pkg/store"
	"github.com/plaenen/cqrskit/pkg/upcasting"
)

// DeliveryMode selects how committed events reach processors.
type DeliveryMode int

const (
	// SyncDelivery runs every processor inline on the publishing
	// goroutine, right after the commit. A processor error fails the
	// command that produced the events. This is the default.
	SyncDelivery DeliveryMode = iota

	// AsyncDelivery hands committed events to the transport only.
	// Processors consume them through executors, driven by Start or
	// RunProcessors, with checkpoints and redelivery.
	AsyncDelivery
)

func (m DeliveryMode) String() string {
	switch m {
	case SyncDelivery:
		return "sync"
	case AsyncDelivery:
		return "async"
	default:
		return fmt.Sprintf("delivery(%d)", int(m))
	}
}

// SagaRunner is the saga surface the application wires: it consumes
// events like any processor and dispatches follow-up commands through the
// bus it is bound to. *saga.Saga[S] satisfies it.
type SagaRunner interface {
	processing.Processor
	BindCommands(saga.CommandDispatcher)
}

// SagaFactory builds a saga against the application's saga state store.
// Register steps inside the factory; the builder binds the returned saga
// to the application command bus.
type SagaFactory func(states store.SagaStateStore) SagaRunner

type processorKind int

const (
	kindProcessor processorKind = iota
	kindProjection
	kindSaga
)

type processorEntry struct {
	kind       processorKind
	processor  processing.Processor
	projection processing.Projection
	buildSaga  SagaFactory
	opts       []processing.ExecutorOption
}

// Builder collects registrations and backing stores, validates them as a
// whole, and assembles an App. The zero value is not usable; construct
// with New.
type Builder struct {
	registry       *eventsourcing.Registry
	eventStore     eventsourcing.EventStore
	transport      eventsourcing.EventTransport
	delivery       DeliveryMode
	snapshots      store.SnapshotStore
	cache          store.AggregateCache
	idempotency    store.IdempotencyStore
	idempotencyTTL time.Duration
	checkpoints    store.CheckpointStore
	sagaStates     store.SagaStateStore
	logger         *slog.Logger
	meter          metric.Meter
	upcastStrategy upcasting.Strategy

	aggregates []AggregateBinding
	entries    []processorEntry
	middleware []any
	upcasters  []upcasting.Upcaster
	services   []runner.Service

	errs []error
}

// Option configures a Builder.
type Option func(*Builder)

// WithEventStore sets the event store repositories append to. Required.
func WithEventStore(es eventsourcing.EventStore) Option {
	return func(b *Builder) { b.eventStore = es }
}

// WithTransport sets the event transport. Asynchronous delivery defaults
// to an in-memory transport when none is set; synchronous delivery works
// without one.
func WithTransport(t eventsourcing.EventTransport) Option {
	return func(b *Builder) { b.transport = t }
}

// WithDelivery selects the delivery mode. Defaults to SyncDelivery.
func WithDelivery(mode DeliveryMode) Option {
	return func(b *Builder) { b.delivery = mode }
}

// WithSnapshotStore sets the snapshot store aggregates with a snapshot
// strategy use.
func WithSnapshotStore(s store.SnapshotStore) Option {
	return func(b *Builder) { b.snapshots = s }
}

// WithCache sets the aggregate cache aggregates with a cache policy use.
func WithCache(c store.AggregateCache) Option {
	return func(b *Builder) { b.cache = c }
}

// WithIdempotencyStore enables the idempotency middleware on the command
// bus, backed by the given store.
func WithIdempotencyStore(s store.IdempotencyStore) Option {
	return func(b *Builder) { b.idempotency = s }
}

// WithIdempotencyTTL overrides how long processed idempotency keys are
// remembered.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(b *Builder) { b.idempotencyTTL = ttl }
}

// WithCheckpointStore sets the checkpoint store executors persist their
// positions in. Asynchronous delivery defaults to an in-memory store.
func WithCheckpointStore(s store.CheckpointStore) Option {
	return func(b *Builder) { b.checkpoints = s }
}

// WithSagaStateStore sets the store registered sagas keep their state in.
// Defaults to an in-memory store.
func WithSagaStateStore(s store.SagaStateStore) Option {
	return func(b *Builder) { b.sagaStates = s }
}

// WithRegistry sets the payload registry. Defaults to a fresh registry;
// pass your own when payloads are registered up front.
func WithRegistry(r *eventsourcing.Registry) Option {
	return func(b *Builder) { b.registry = r }
}

// WithLogger sets the logger for the application and everything it
// builds. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables metrics on the given meter: command and query
// instrumentation on the buses, snapshot counters on the repositories,
// and lag gauges on the executors.
func WithMetrics(meter metric.Meter) Option {
	return func(b *Builder) { b.meter = meter }
}

// WithUpcastingStrategy selects how repositories apply registered
// upcasters. Defaults to upcasting.Lazy.
func WithUpcastingStrategy(strategy upcasting.Strategy) Option {
	return func(b *Builder) { b.upcastStrategy = strategy }
}

// WithProfile applies a profile's registrations.
func WithProfile(p Profile) Option {
	return func(b *Builder) { p.Apply(b) }
}

// New creates a Builder with the given options applied.
func New(opts ...Option) *Builder {
	b := &Builder{
		logger:         slog.Default(),
		upcastStrategy: upcasting.Lazy,
	}
	return b.With(opts...)
}

// With applies further options to the builder.
func (b *Builder) With(opts ...Option) *Builder {
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAggregate registers an aggregate binding. Every command type it
// binds must be bound by no other aggregate.
func (b *Builder) RegisterAggregate(binding AggregateBinding) *Builder {
	if binding == nil {
		b.errs = append(b.errs, errors.New("RegisterAggregate: nil binding"))
		return b
	}
	b.aggregates = append(b.aggregates, binding)
	return b
}

// RegisterProcessor registers an event processor. With synchronous
// delivery it runs inline on publish; with asynchronous delivery it runs
// in its own executor, configured by opts.
func (b *Builder) RegisterProcessor(p processing.Processor, opts ...processing.ExecutorOption) *Builder {
	if p == nil {
		b.errs = append(b.errs, errors.New("RegisterProcessor: nil processor"))
		return b
	}
	b.entries = append(b.entries, processorEntry{kind: kindProcessor, processor: p, opts: opts})
	return b
}

// RegisterProjection registers a projection: a processor whose query
// handlers are additionally registered on the query bus. A query type may
// be served by at most one projection.
func (b *Builder) RegisterProjection(p processing.Projection, opts ...processing.ExecutorOption) *Builder {
	if p == nil {
		b.errs = append(b.errs, errors.New("RegisterProjection: nil projection"))
		return b
	}
	b.entries = append(b.entries, processorEntry{kind: kindProjection, processor: p, projection: p, opts: opts})
	return b
}

// RegisterSaga registers a saga built by the factory against the
// application's saga state store. The returned saga dispatches its
// follow-up commands through the application command bus.
func (b *Builder) RegisterSaga(build SagaFactory, opts ...processing.ExecutorOption) *Builder {
	if build == nil {
		b.errs = append(b.errs, errors.New("RegisterSaga: nil factory"))
		return b
	}
	b.entries = append(b.entries, processorEntry{kind: kindSaga, buildSaga: build, opts: opts})
	return b
}

// RegisterMiddleware registers a command or query interceptor (or both).
// Interceptors run in registration order, outermost first, ahead of the
// middleware the builder installs itself (metrics, then idempotency).
func (b *Builder) RegisterMiddleware(m any) *Builder {
	if m == nil {
		b.errs = append(b.errs, errors.New("RegisterMiddleware: nil middleware"))
		return b
	}
	b.middleware = append(b.middleware, m)
	return b
}

// RegisterUpcaster adds an upcaster to the application's upcaster map.
// The map feeds both the repositories and the executors.
func (b *Builder) RegisterUpcaster(u upcasting.Upcaster) *Builder {
	if u == nil {
		b.errs = append(b.errs, errors.New("RegisterUpcaster: nil upcaster"))
		return b
	}
	b.upcasters = append(b.upcasters, u)
	return b
}

// RegisterService adds a service to the application lifecycle. Services
// start before the processor executors and stop after them.
func (b *Builder) RegisterService(s runner.Service) *Builder {
	if s == nil {
		b.errs = append(b.errs, errors.New("RegisterService: nil service"))
		return b
	}
	b.services = append(b.services, s)
	return b
}

// wiring carries the shared infrastructure aggregate bindings attach to
// at build time.
type wiring struct {
	registry       *eventsourcing.Registry
	eventStore     eventsourcing.EventStore
	events         eventsourcing.EventBus
	snapshots      store.SnapshotStore
	cache          store.AggregateCache
	upcasts        *upcasting.Pipeline
	upcastStrategy upcasting.Strategy
	logger         *slog.Logger
	meter          metric.Meter
	commands       *eventsourcing.DefaultCommandBus
}

// Build validates the registrations and assembles the application. It is
// the point where duplicate command or query bindings, cyclic upcaster
// maps, and missing stores surface as errors instead of panics.
func (b *Builder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	registry := b.registry
	if registry == nil {
		registry = eventsourcing.NewRegistry()
	}

	transport := b.transport
	if transport == nil && b.delivery == AsyncDelivery {
		transport = eventsourcing.NewInMemoryTransport()
	}

	checkpoints := b.checkpoints
	if checkpoints == nil && b.delivery == AsyncDelivery {
		checkpoints = store.NewMemoryCheckpointStore()
	}

	sagaStates := b.sagaStates
	if sagaStates == nil {
		sagaStates = store.NewMemorySagaStateStore()
	}

	var pipeline *upcasting.Pipeline
	if len(b.upcasters) > 0 {
		upcasts := upcasting.NewMap()
		for _, u := range b.upcasters {
			if err := upcasts.Register(u); err != nil {
				return nil, fmt.Errorf("register upcaster: %w", err)
			}
		}
		pipeline = upcasting.NewPipeline(upcasts, upcasting.WithLogger(b.logger))
		if err := pipeline.Validate(); err != nil {
			return nil, fmt.Errorf("upcaster map: %w", err)
		}
	}

	commands := eventsourcing.NewCommandBus()
	queries := eventsourcing.NewQueryBus()

	var events eventsourcing.EventBus
	var inline *eventsourcing.SynchronousDelivery
	switch b.delivery {
	case SyncDelivery:
		inline = eventsourcing.NewSynchronousDelivery(transport)
		events = inline
	case AsyncDelivery:
		events = eventsourcing.NewAsynchronousDelivery(transport)
	default:
		return nil, fmt.Errorf("unknown delivery mode %d", int(b.delivery))
	}

	for _, m := range b.middleware {
		if cm, ok := m.(eventsourcing.CommandInterceptor); ok {
			commands.Use(cm)
		}
		if qm, ok := m.(eventsourcing.QueryInterceptor); ok {
			queries.Use(qm)
		}
	}
	if b.meter != nil {
		metrics, err := observability.NewMetrics(b.meter)
		if err != nil {
			b.logger.Warn("Bus metrics disabled", slog.String("error", err.Error()))
		} else {
			mw := observability.NewMetricsMiddleware(metrics)
			commands.Use(mw)
			queries.Use(mw)
		}
	}
	if b.idempotency != nil {
		iopts := []middleware.IdempotencyOption{middleware.WithIdempotencyLogger(b.logger)}
		if b.idempotencyTTL > 0 {
			iopts = append(iopts, middleware.WithIdempotencyTTL(b.idempotencyTTL))
		}
		commands.Use(middleware.NewIdempotencyMiddleware(b.idempotency, iopts...))
	}

	w := &wiring{
		registry:       registry,
		eventStore:     b.eventStore,
		events:         events,
		snapshots:      b.snapshots,
		cache:          b.cache,
		upcasts:        pipeline,
		upcastStrategy: b.upcastStrategy,
		logger:         b.logger,
		meter:          b.meter,
		commands:       commands,
	}
	for _, binding := range b.aggregates {
		if err := binding.wire(w); err != nil {
			return nil, fmt.Errorf("wire aggregate %s: %w", binding.AggregateType(), err)
		}
	}

	seen := make(map[string]bool)
	var processors []builtProcessor
	for _, entry := range b.entries {
		p := entry.processor
		if entry.kind == kindSaga {
			sg := entry.buildSaga(sagaStates)
			if sg == nil {
				return nil, errors.New("saga factory returned nil")
			}
			sg.BindCommands(commands)
			p = sg
		}

		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("processor %T has an empty name", p)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate processor name %s", name)
		}
		seen[name] = true

		if entry.kind == kindProjection {
			for queryType, handler := range entry.projection.Queries() {
				queries.Register(queryType, handler)
			}
		}

		switch b.delivery {
		case SyncDelivery:
			inline.Subscribe(p)
		case AsyncDelivery:
			opts := []processing.ExecutorOption{processing.WithLogger(b.logger)}
			if pipeline != nil {
				opts = append(opts, processing.WithUpcasting(pipeline))
			}
			if b.meter != nil {
				opts = append(opts, processing.WithMeter(b.meter))
			}
			opts = append(opts, entry.opts...)
			processors = append(processors, builtProcessor{
				name:     name,
				executor: processing.NewExecutor(p, transport, registry, checkpoints, opts...),
			})
		}
	}

	services := append([]runner.Service(nil), b.services...)
	for _, bp := range processors {
		services = append(services, newProcessorService(bp.name, bp.executor))
	}

	return &App{
		registry:   registry,
		commands:   commands,
		queries:    queries,
		events:     events,
		eventStore: b.eventStore,
		transport:  transport,
		delivery:   b.delivery,
		processors: processors,
		runner:     runner.New(services, runner.WithLogger(b.logger)),
	}, nil
}

func (b *Builder) validate() error {
	errs := append([]error(nil), b.errs...)

	if b.eventStore == nil {
		errs = append(errs, errors.New("an event store is required"))
	}

	aggregateTypes := make(map[string]bool)
	commandOwners := make(map[string]string)
	for _, binding := range b.aggregates {
		aggregateType := binding.AggregateType()
		if aggregateTypes[aggregateType] {
			errs = append(errs, fmt.Errorf("aggregate type %s registered twice", aggregateType))
		}
		aggregateTypes[aggregateType] = true

		commandTypes := binding.CommandTypes()
		if len(commandTypes) == 0 {
			errs = append(errs, fmt.Errorf("aggregate %s binds no command types", aggregateType))
		}
		for _, commandType := range commandTypes {
			if owner, taken := commandOwners[commandType]; taken {
				errs = append(errs, fmt.Errorf("command type %s bound by both %s and %s", commandType, owner, aggregateType))
				continue
			}
			commandOwners[commandType] = aggregateType
		}
	}

	queryOwners := make(map[string]string)
	for _, entry := range b.entries {
		if entry.kind != kindProjection {
			continue
		}
		for queryType := range entry.projection.Queries() {
			if owner, taken := queryOwners[queryType]; taken {
				errs = append(errs, fmt.Errorf("query type %s served by both %s and %s", queryType, owner, entry.projection.Name()))
				continue
			}
			queryOwners[queryType] = entry.projection.Name()
		}
	}

	for _, m := range b.middleware {
		_, cok := m.(eventsourcing.CommandInterceptor)
		_, qok := m.(eventsourcing.QueryInterceptor)
		if !cok && !qok {
			errs = append(errs, fmt.Errorf("middleware %T intercepts neither commands nor queries", m))
		}
	}

	return errors.Join(errs...)
}
