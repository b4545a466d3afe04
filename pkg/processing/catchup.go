package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// Lag describes how far a processor trails the head of the event stream.
type Lag struct {
	// UnprocessedEvents is the transport queue depth for this consumer.
	UnprocessedEvents int

	// AverageEventAge is the mean age of the most recent batch, measured
	// from event timestamp to processing time.
	AverageEventAge time.Duration
}

// Condition decides after each batch whether the processor has fallen far
// enough behind to run its catchup strategy.
type Condition interface {
	ShouldCatchup(lag Lag) bool
}

type neverCondition struct{}

func (neverCondition) ShouldCatchup(Lag) bool { return false }

// Never returns the condition that never triggers catchup.
func Never() Condition { return neverCondition{} }

type afterNEvents struct {
	n int
}

func (c afterNEvents) ShouldCatchup(lag Lag) bool {
	return lag.UnprocessedEvents >= c.n
}

// AfterNEvents triggers catchup once at least n events are waiting.
func AfterNEvents(n int) (Condition, error) {
	if n <= 0 {
		return nil, fmt.Errorf("catchup threshold must be positive, got %d", n)
	}
	return afterNEvents{n: n}, nil
}

type afterNAge struct {
	age time.Duration
}

func (c afterNAge) ShouldCatchup(lag Lag) bool {
	return lag.AverageEventAge >= c.age
}

// AfterNAge triggers catchup once the average event age reaches d.
func AfterNAge(d time.Duration) (Condition, error) {
	if d <= 0 {
		return nil, fmt.Errorf("catchup age must be positive, got %s", d)
	}
	return afterNAge{age: d}, nil
}

type anyOf struct {
	conditions []Condition
}

func (c anyOf) ShouldCatchup(lag Lag) bool {
	for _, cond := range c.conditions {
		if cond.ShouldCatchup(lag) {
			return true
		}
	}
	return false
}

// AnyOf triggers when at least one child condition triggers.
func AnyOf(conditions ...Condition) (Condition, error) {
	if err := validateChildren(conditions); err != nil {
		return nil, err
	}
	return anyOf{conditions: conditions}, nil
}

type allOf struct {
	conditions []Condition
}

func (c allOf) ShouldCatchup(lag Lag) bool {
	for _, cond := range c.conditions {
		if !cond.ShouldCatchup(lag) {
			return false
		}
	}
	return true
}

// AllOf triggers only when every child condition triggers.
func AllOf(conditions ...Condition) (Condition, error) {
	if err := validateChildren(conditions); err != nil {
		return nil, err
	}
	return allOf{conditions: conditions}, nil
}

func validateChildren(conditions []Condition) error {
	if len(conditions) == 0 {
		return fmt.Errorf("composite catchup condition needs at least one child")
	}
	for i, cond := range conditions {
		if cond == nil {
			return fmt.Errorf("composite catchup condition child %d is nil", i)
		}
	}
	return nil
}

// Strategy runs when the catchup condition triggers. A strategy may load
// historical state wholesale (projection snapshots, bulk queries) and
// returns the new skip-before watermark: events stamped at or before it are
// filtered out of normal dispatch. A zero time leaves the current watermark
// unchanged.
type Strategy interface {
	Catchup(ctx context.Context, p Processor) (time.Time, error)
}

// StrategyFunc is a function adapter for Strategy.
type StrategyFunc func(ctx context.Context, p Processor) (time.Time, error)

// Catchup implements Strategy.
func (f StrategyFunc) Catchup(ctx context.Context, p Processor) (time.Time, error) {
	return f(ctx, p)
}

type noCatchup struct{}

func (noCatchup) Catchup(context.Context, Processor) (time.Time, error) {
	return time.Time{}, nil
}

// NoCatchup returns the default strategy: do nothing and keep consuming
// from the current position.
func NoCatchup() Strategy { return noCatchup{} }

type trackedStrategy struct {
	name     string
	statuses store.ProjectionStatusStore
	inner    Strategy
}

func (s trackedStrategy) Catchup(ctx context.Context, p Processor) (time.Time, error) {
	started := eventsourcing.Now()
	err := s.statuses.SaveStatus(ctx, &store.ProjectionState{
		ProjectionName: s.name,
		Status:         store.ProjectionStatusRebuilding,
		UpdatedAt:      started,
		Progress:       &store.RebuildProgress{StartedAt: started},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("mark projection %s rebuilding: %w", s.name, err)
	}

	watermark, err := s.inner.Catchup(ctx, p)
	if err != nil {
		_ = s.statuses.SaveStatus(ctx, &store.ProjectionState{
			ProjectionName: s.name,
			Status:         store.ProjectionStatusFailed,
			Message:        err.Error(),
			UpdatedAt:      eventsourcing.Now(),
		})
		return time.Time{}, err
	}

	if err := s.statuses.SaveStatus(ctx, &store.ProjectionState{
		ProjectionName: s.name,
		Status:         store.ProjectionStatusReady,
		UpdatedAt:      eventsourcing.Now(),
	}); err != nil {
		return time.Time{}, fmt.Errorf("mark projection %s ready: %w", s.name, err)
	}
	return watermark, nil
}

// TrackStatus wraps a strategy with status reporting: the projection shows
// Rebuilding while the strategy runs, Ready when it finishes, and Failed
// with the error message when it does not. Query handlers can gate on the
// status while a rebuild is in flight.
func TrackStatus(projectionName string, statuses store.ProjectionStatusStore, inner Strategy) (Strategy, error) {
	if projectionName == "" {
		return nil, fmt.Errorf("tracked catchup strategy needs a projection name")
	}
	if statuses == nil {
		return nil, fmt.Errorf("tracked catchup strategy needs a status store")
	}
	if inner == nil {
		return nil, fmt.Errorf("tracked catchup strategy needs an inner strategy")
	}
	return trackedStrategy{name: projectionName, statuses: statuses, inner: inner}, nil
}
