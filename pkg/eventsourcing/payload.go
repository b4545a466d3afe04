package eventsourcing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Codec serializes payload values. The registry pairs every payload type
// with the codec it was registered with, so streams can mix encodings.
type Codec interface {
	// Name identifies the codec (e.g. "json", "proto").
	Name() string

	// Marshal serializes a payload value.
	Marshal(payload any) ([]byte, error)

	// Unmarshal deserializes into the target, which is always a non-nil
	// pointer to the registered payload type.
	Unmarshal(data []byte, target any) error
}

// JSONCodec encodes payloads with encoding/json. This is the default codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

func (JSONCodec) Unmarshal(data []byte, target any) error {
	return json.Unmarshal(data, target)
}

// ProtoCodec encodes payloads implementing proto.Message.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(payload any) ([]byte, error) {
	msg, ok := payload.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: payload %T does not implement proto.Message", payload)
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Unmarshal(data []byte, target any) error {
	msg, ok := target.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: target %T does not implement proto.Message", target)
	}
	return proto.Unmarshal(data, msg)
}

type registryEntry struct {
	typ   reflect.Type
	codec Codec
}

// Registry maps payload type tags to in-memory types and codecs. Events are
// polymorphic on their payload, so stores and transports need the registry
// to decode what they load. Registration normally happens during
// application wiring and is safe for concurrent reads afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	tags    map[reflect.Type]string
}

// NewRegistry creates an empty payload registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		tags:    make(map[reflect.Type]string),
	}
}

// RegisterPayload registers the payload type T under the given tag using
// the JSON codec. Registering a tag or type twice panics.
func RegisterPayload[T any](r *Registry, tag string) {
	RegisterPayloadWithCodec[T](r, tag, JSONCodec{})
}

// RegisterPayloadWithCodec registers the payload type T under the given tag
// with an explicit codec.
func RegisterPayloadWithCodec[T any](r *Registry, tag string, codec Codec) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		// T is an interface type; payloads must be concrete.
		panic(fmt.Sprintf("payload registry: type parameter for tag %q must be concrete", tag))
	}
	r.register(tag, typ, codec)
}

func (r *Registry) register(tag string, typ reflect.Type, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[tag]; exists {
		panic(fmt.Sprintf("payload registry: tag %q already registered", tag))
	}
	if existing, exists := r.tags[typ]; exists {
		panic(fmt.Sprintf("payload registry: type %s already registered as %q", typ, existing))
	}
	r.entries[tag] = registryEntry{typ: typ, codec: codec}
	r.tags[typ] = tag
}

// Contains reports whether a tag is registered.
func (r *Registry) Contains(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// TagFor returns the tag a payload value was registered under.
func (r *Registry) TagFor(payload any) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag, ok := r.tags[reflect.TypeOf(payload)]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnknownPayloadType, payload)
	}
	return tag, nil
}

// Encode serializes a payload and returns its tag and bytes.
func (r *Registry) Encode(payload any) (string, []byte, error) {
	r.mu.RLock()
	tag, ok := r.tags[reflect.TypeOf(payload)]
	var entry registryEntry
	if ok {
		entry = r.entries[tag]
	}
	r.mu.RUnlock()

	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownPayloadType, payload)
	}
	data, err := entry.codec.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode payload %q: %w", tag, err)
	}
	return tag, data, nil
}

// Decode deserializes payload bytes registered under tag. The returned
// value has exactly the registered type (value or pointer).
func (r *Registry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	entry, ok := r.entries[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, tag)
	}

	typ := entry.typ
	var target reflect.Value
	if typ.Kind() == reflect.Pointer {
		target = reflect.New(typ.Elem())
		if err := entry.codec.Unmarshal(data, target.Interface()); err != nil {
			return nil, fmt.Errorf("decode payload %q: %w", tag, err)
		}
		return target.Interface(), nil
	}

	target = reflect.New(typ)
	if err := entry.codec.Unmarshal(data, target.Interface()); err != nil {
		return nil, fmt.Errorf("decode payload %q: %w", tag, err)
	}
	return target.Elem().Interface(), nil
}

// EncodeEvent fills in the event's type tag and serialized data from its
// payload. Events are encoded once, right before persistence.
func (r *Registry) EncodeEvent(event *Event) error {
	if event.Payload == nil {
		if event.EventType != "" && event.Data != nil {
			return nil // already encoded
		}
		return fmt.Errorf("encode event %s: no payload", event.ID)
	}
	tag, data, err := r.Encode(event.Payload)
	if err != nil {
		return err
	}
	event.EventType = tag
	event.Data = data
	return nil
}

// DecodeEvent fills in the event's payload from its serialized data.
// Events that already carry a payload are left untouched.
func (r *Registry) DecodeEvent(event *Event) error {
	if event.Payload != nil {
		return nil
	}
	payload, err := r.Decode(event.EventType, event.Data)
	if err != nil {
		return err
	}
	event.Payload = payload
	return nil
}
