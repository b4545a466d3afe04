package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// storedResult is the persisted shape of a command result. Payloads are
// not recorded; Data plus the registry reproduce them.
type storedResult struct {
	CommandID   string        `json:"command_id"`
	ProcessedAt time.Time     `json:"processed_at"`
	Events      []storedEvent `json:"events,omitempty"`
}

type storedEvent struct {
	ID            string                      `json:"id"`
	AggregateID   string                      `json:"aggregate_id"`
	AggregateType string                      `json:"aggregate_type"`
	EventType     string                      `json:"event_type"`
	Version       int64                       `json:"version"`
	Timestamp     time.Time                   `json:"timestamp"`
	Data          []byte                      `json:"data,omitempty"`
	Metadata      eventsourcing.EventMetadata `json:"metadata"`
}

// EncodeCommandResult serializes a command result for durable idempotency
// backends. All of them persist the same reduced JSON so a key recorded
// through one backend replays identically through another.
func EncodeCommandResult(result *eventsourcing.CommandResult) ([]byte, error) {
	stored := storedResult{
		CommandID:   result.CommandID,
		ProcessedAt: result.ProcessedAt,
	}
	for _, evt := range result.Events {
		stored.Events = append(stored.Events, storedEvent{
			ID:            evt.ID,
			AggregateID:   evt.AggregateID,
			AggregateType: evt.AggregateType,
			EventType:     evt.EventType,
			Version:       evt.Version,
			Timestamp:     evt.Timestamp,
			Data:          evt.Data,
			Metadata:      evt.Metadata,
		})
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode command result: %w", err)
	}
	return data, nil
}

// DecodeCommandResult reverses EncodeCommandResult. Replayed events carry
// serialized data and metadata but no decoded payload.
func DecodeCommandResult(data []byte) (*eventsourcing.CommandResult, error) {
	var stored storedResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}

	result := &eventsourcing.CommandResult{
		CommandID:   stored.CommandID,
		ProcessedAt: stored.ProcessedAt,
	}
	for _, se := range stored.Events {
		result.Events = append(result.Events, &eventsourcing.Event{
			ID:            se.ID,
			AggregateID:   se.AggregateID,
			AggregateType: se.AggregateType,
			EventType:     se.EventType,
			Version:       se.Version,
			Timestamp:     se.Timestamp,
			Data:          se.Data,
			Metadata:      se.Metadata,
		})
	}
	return result, nil
}
