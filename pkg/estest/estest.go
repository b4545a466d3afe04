// Package estest provides Given/When/Then scenario kits for testing
// aggregates, processors, and sagas without standing up infrastructure.
//
// Scenarios run against real in-memory backends: an aggregate scenario
// dispatches commands through a real bus into a real repository, so the
// behavior under test includes versioning, optimistic concurrency, and
// payload codecs, not a simplified re-implementation of them. Every fed
// message gets a fresh execution context, the way a bus or executor
// would hand it over.
package estest

import (
	"io"
	"log/slog"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/idgen"
)

// feeder builds committed-looking events for scenario input: encoded
// through the registry, versioned per stream, correlation stamped.
type feeder struct {
	registry *eventsourcing.Registry
	versions map[string]int64
}

func newFeeder(registry *eventsourcing.Registry) *feeder {
	return &feeder{
		registry: registry,
		versions: make(map[string]int64),
	}
}

func (f *feeder) next(aggregateID, aggregateType string, payload any) (*eventsourcing.Event, error) {
	version := f.versions[aggregateID] + 1
	evt := &eventsourcing.Event{
		ID:            idgen.MustSortableID(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		Timestamp:     eventsourcing.Now().UTC(),
		Payload:       payload,
		Metadata: eventsourcing.EventMetadata{
			CorrelationID: idgen.MustCorrelationID(),
		},
	}
	if err := f.registry.EncodeEvent(evt); err != nil {
		return nil, err
	}
	f.versions[aggregateID] = version
	return evt, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
