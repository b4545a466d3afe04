package app

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// AggregateBinding binds a set of command types to one event-sourced
// aggregate type. Create one with NewAggregate, attach handlers with
// HandleCommand, and register it on a Builder. At build time the binding
// becomes a repository plus one command bus handler per bound command
// type.
type AggregateBinding interface {
	// AggregateType returns the aggregate type name the binding manages.
	AggregateType() string

	// CommandTypes returns the bound command types in binding order.
	CommandTypes() []string

	wire(w *wiring) error
}

// AggregateDef is the AggregateBinding for aggregates of concrete type T.
type AggregateDef[T eventsourcing.Aggregate] struct {
	aggregateType string
	factory       func(id string) T
	snapshots     store.SnapshotStrategy
	cache         store.CachePolicy
	handlers      map[string]func(repo *store.Repository[T]) eventsourcing.CommandHandlerFunc
	commandOrder  []string
}

// NewAggregate describes an aggregate type for registration. The factory
// creates an empty instance for a given id, exactly as with
// store.NewRepository.
func NewAggregate[T eventsourcing.Aggregate](aggregateType string, factory func(id string) T) *AggregateDef[T] {
	if aggregateType == "" {
		panic("app: aggregate type must not be empty")
	}
	if factory == nil {
		panic("app: aggregate factory must not be nil")
	}
	return &AggregateDef[T]{
		aggregateType: aggregateType,
		factory:       factory,
		handlers:      make(map[string]func(*store.Repository[T]) eventsourcing.CommandHandlerFunc),
	}
}

// Snapshots enables snapshotting for this aggregate, using the snapshot
// store configured on the builder.
func (d *AggregateDef[T]) Snapshots(strategy store.SnapshotStrategy) *AggregateDef[T] {
	d.snapshots = strategy
	return d
}

// Cache enables aggregate caching for this aggregate, using the cache
// configured on the builder.
func (d *AggregateDef[T]) Cache(policy store.CachePolicy) *AggregateDef[T] {
	d.cache = policy
	return d
}

// AggregateType implements AggregateBinding.
func (d *AggregateDef[T]) AggregateType() string { return d.aggregateType }

// Factory returns the aggregate constructor the binding was created
// with. Test kits use it to rebuild repositories out of band.
func (d *AggregateDef[T]) Factory() func(id string) T { return d.factory }

// CommandTypes implements AggregateBinding.
func (d *AggregateDef[T]) CommandTypes() []string {
	return append([]string(nil), d.commandOrder...)
}

// HandleCommand binds a command type to a domain handler on the
// aggregate. When the bus dispatches a command of this type, the
// application opens a repository scope for cmd.AggregateID(), runs
// handle, and commits whatever the handler emitted. The committed events
// become the CommandResult; a handler error aborts the command with
// nothing written.
func HandleCommand[T eventsourcing.Aggregate, C eventsourcing.Command](
	d *AggregateDef[T],
	commandType string,
	handle func(ctx context.Context, agg T, cmd C) error,
) {
	if commandType == "" {
		panic("app: command type must not be empty")
	}
	if handle == nil {
		panic("app: command handler must not be nil")
	}
	if _, dup := d.handlers[commandType]; dup {
		panic(fmt.Sprintf("app: handler already bound for command type %s", commandType))
	}

	d.handlers[commandType] = func(repo *store.Repository[T]) eventsourcing.CommandHandlerFunc {
		return func(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error) {
			typed, ok := cmd.(C)
			if !ok {
				return nil, fmt.Errorf("%w: command %s dispatched as %T", eventsourcing.ErrInvalidCommand, commandType, cmd)
			}

			scope, err := repo.Scope(ctx, cmd.AggregateID())
			if err != nil {
				return nil, err
			}
			defer scope.Close()

			if err := handle(ctx, scope.Aggregate(), typed); err != nil {
				return nil, err
			}

			events, err := scope.Commit(ctx)
			if err != nil {
				return nil, err
			}

			return &eventsourcing.CommandResult{
				CommandID:   cmd.ID(),
				Events:      events,
				ProcessedAt: eventsourcing.Now(),
			}, nil
		}
	}
	d.commandOrder = append(d.commandOrder, commandType)
}

func (d *AggregateDef[T]) wire(w *wiring) error {
	opts := []store.RepositoryOption{store.WithLogger(w.logger)}
	if w.events != nil {
		opts = append(opts, store.WithEventBus(w.events))
	}
	if w.upcasts != nil {
		opts = append(opts, store.WithUpcasting(w.upcasts, w.upcastStrategy))
	}
	if d.snapshots != nil {
		if w.snapshots == nil {
			return fmt.Errorf("aggregate %s: snapshot strategy configured without a snapshot store", d.aggregateType)
		}
		opts = append(opts, store.WithSnapshots(w.snapshots, d.snapshots))
	}
	if d.cache != nil {
		if w.cache == nil {
			return fmt.Errorf("aggregate %s: cache policy configured without an aggregate cache", d.aggregateType)
		}
		opts = append(opts, store.WithCache(w.cache, d.cache))
	}
	if w.meter != nil {
		opts = append(opts, store.WithMeter(w.meter))
	}

	repo := store.NewRepository(w.eventStore, w.registry, d.aggregateType, d.factory, opts...)
	for _, commandType := range d.commandOrder {
		w.commands.Register(commandType, d.handlers[commandType](repo))
	}
	return nil
}
