package upcasting

import (
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Strategy selects where upcasting happens.
type Strategy int

const (
	// Lazy upcasts on the read path only; stored events keep their
	// original schema. This is the default.
	Lazy Strategy = iota

	// Eager additionally rewrites upgraded events back to the store when
	// the store supports rewriting, so each stream is migrated at most
	// once. Stores without rewrite support degrade to lazy.
	Eager
)

func (s Strategy) String() string {
	switch s {
	case Lazy:
		return "lazy"
	case Eager:
		return "eager"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Func builds an Upcaster from a transform function operating on the raw
// envelope. The transform may return a modified clone; identity fields are
// restored by the pipeline regardless.
func Func(source, target string, transform func(*eventsourcing.Event) (*eventsourcing.Event, error)) Upcaster {
	return funcUpcaster{source: source, target: target, transform: transform}
}

type funcUpcaster struct {
	source    string
	target    string
	transform func(*eventsourcing.Event) (*eventsourcing.Event, error)
}

func (u funcUpcaster) SourceType() string { return u.source }
func (u funcUpcaster) TargetType() string { return u.target }
func (u funcUpcaster) Upcast(event *eventsourcing.Event) (*eventsourcing.Event, error) {
	return u.transform(event)
}

// Payload builds an Upcaster between two registered payload types. The
// source payload is decoded if needed, transformed, and re-encoded under
// the target tag. Both types must already be in the registry; unknown
// types panic at wiring time.
func Payload[From, To any](registry *eventsourcing.Registry, transform func(From) (To, error)) Upcaster {
	var from From
	var to To

	sourceTag, err := registry.TagFor(from)
	if err != nil {
		panic(fmt.Sprintf("upcasting: source type %T not registered", from))
	}
	targetTag, err := registry.TagFor(to)
	if err != nil {
		panic(fmt.Sprintf("upcasting: target type %T not registered", to))
	}

	return funcUpcaster{
		source: sourceTag,
		target: targetTag,
		transform: func(event *eventsourcing.Event) (*eventsourcing.Event, error) {
			payload := event.Payload
			if payload == nil {
				decoded, err := registry.Decode(event.EventType, event.Data)
				if err != nil {
					return nil, err
				}
				payload = decoded
			}

			source, ok := payload.(From)
			if !ok {
				return nil, fmt.Errorf("payload %q is %T, not %T", event.EventType, payload, from)
			}

			target, err := transform(source)
			if err != nil {
				return nil, err
			}

			tag, data, err := registry.Encode(target)
			if err != nil {
				return nil, err
			}

			next := event.Clone()
			next.EventType = tag
			next.Data = data
			next.Payload = target
			return next, nil
		},
	}
}
