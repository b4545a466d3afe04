// Package upcasting migrates events across payload schema versions at load
// time. Each upcaster rewrites one source type tag into a target tag; the
// pipeline chains them until the event reaches a tag no upcaster claims.
// Handlers and projections only ever see the newest schema.
package upcasting

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// MaxChainDepth bounds how many upcast steps a single event may take.
// A chain longer than this means the upcaster map contains a cycle.
const MaxChainDepth = 10

var (
	// ErrUpcasterCycle indicates the upcaster map routes a type tag back
	// into itself, directly or through intermediate tags.
	ErrUpcasterCycle = errors.New("upcaster cycle detected")

	// ErrDuplicateSource indicates two upcasters claim the same source tag.
	ErrDuplicateSource = errors.New("upcaster already registered for source type")
)

// Upcaster rewrites an event from one payload schema to the next. Upcast
// must only change the event type tag, payload, and serialized data; the
// pipeline restores every other envelope field afterwards.
type Upcaster interface {
	SourceType() string
	TargetType() string
	Upcast(event *eventsourcing.Event) (*eventsourcing.Event, error)
}

// Map indexes upcasters by their source type tag.
type Map struct {
	mu       sync.RWMutex
	bySource map[string]Upcaster
}

// NewMap creates an empty upcaster map.
func NewMap() *Map {
	return &Map{bySource: make(map[string]Upcaster)}
}

// Register adds an upcaster. Each source tag may have exactly one upcaster;
// a second registration for the same tag returns ErrDuplicateSource.
func (m *Map) Register(u Upcaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	source := u.SourceType()
	if _, exists := m.bySource[source]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, source)
	}
	m.bySource[source] = u
	return nil
}

// MustRegister is Register panicking on error, for static wiring.
func (m *Map) MustRegister(u Upcaster) {
	if err := m.Register(u); err != nil {
		panic(err)
	}
}

// ForSource returns the upcaster registered for a source tag.
func (m *Map) ForSource(tag string) (Upcaster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.bySource[tag]
	return u, ok
}

// Sources returns all registered source tags.
func (m *Map) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := make([]string, 0, len(m.bySource))
	for tag := range m.bySource {
		sources = append(sources, tag)
	}
	return sources
}

// Pipeline applies upcaster chains to loaded events.
type Pipeline struct {
	upcasters *Map
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger used to report applied chains.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline over the given upcaster map.
func NewPipeline(upcasters *Map, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		upcasters: upcasters,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply walks the event through the upcaster chain until its type tag has
// no registered upcaster. The returned event keeps the original id,
// stream identity, version, timestamp, and metadata; only the payload
// changes. Events nobody upgrades are returned unchanged.
func (p *Pipeline) Apply(event *eventsourcing.Event) (*eventsourcing.Event, error) {
	current := event
	for depth := 0; ; depth++ {
		u, ok := p.upcasters.ForSource(current.EventType)
		if !ok {
			if depth > 0 {
				p.logger.Debug("upcasted event",
					slog.String("event_id", event.ID),
					slog.String("from", event.EventType),
					slog.String("to", current.EventType),
					slog.Int("steps", depth),
				)
			}
			return current, nil
		}
		if depth >= MaxChainDepth {
			return nil, fmt.Errorf("%w: chain from %q exceeds %d steps", ErrUpcasterCycle, event.EventType, MaxChainDepth)
		}

		next, err := u.Upcast(current)
		if err != nil {
			return nil, fmt.Errorf("upcast %s to %s: %w", u.SourceType(), u.TargetType(), err)
		}

		// Identity and metadata travel unchanged through the chain.
		next.ID = current.ID
		next.AggregateID = current.AggregateID
		next.AggregateType = current.AggregateType
		next.Version = current.Version
		next.Timestamp = current.Timestamp
		next.Metadata = current.Metadata

		current = next
	}
}

// ApplyAll upcasts a loaded slice in order.
func (p *Pipeline) ApplyAll(events []*eventsourcing.Event) ([]*eventsourcing.Event, error) {
	result := make([]*eventsourcing.Event, 0, len(events))
	for _, event := range events {
		upgraded, err := p.Apply(event)
		if err != nil {
			return nil, fmt.Errorf("upcast event %s: %w", event.ID, err)
		}
		result = append(result, upgraded)
	}
	return result, nil
}

// Validate walks every registered source tag to its terminal tag and
// reports a cycle if any chain exceeds MaxChainDepth. Builders call this
// once at wiring time so cycles fail fast instead of at load time.
func (p *Pipeline) Validate() error {
	for _, source := range p.upcasters.Sources() {
		tag := source
		for depth := 0; ; depth++ {
			u, ok := p.upcasters.ForSource(tag)
			if !ok {
				break
			}
			if depth >= MaxChainDepth {
				return fmt.Errorf("%w: chain from %q exceeds %d steps", ErrUpcasterCycle, source, MaxChainDepth)
			}
			tag = u.TargetType()
		}
	}
	return nil
}
