package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/plaenen/cqrskit/pkg/credentials"
	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Transport is a NATS JetStream implementation of
// eventsourcing.EventTransport. Events are published to
// events.<AggregateType>.<EventType> with the event id as the JetStream
// message id, so redundant publishes inside the duplicate window collapse
// into one stored message. Consumers are durable pull consumers named
// after the consumer id; resubscribing resumes from the last acked
// position.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Config holds configuration for the JetStream transport.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies this client on the server.
	Name string

	// StreamName is the JetStream stream that stores events.
	StreamName string

	// StreamSubjects are the subjects captured by the stream.
	StreamSubjects []string

	// MaxAge bounds how long events stay available for replay.
	MaxAge time.Duration

	// MaxBytes bounds the stream size.
	MaxBytes int64

	// DuplicateWindow is how far back JetStream deduplicates message ids.
	DuplicateWindow time.Duration

	// Credentials resolves authentication material at connect time.
	// Optional, nil connects unauthenticated.
	Credentials credentials.Provider

	// Logger receives transport warnings (unreadable messages, ack
	// failures). Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the transport defaults: a week of retention, one
// gigabyte of storage and a two minute dedup window.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "cqrskit",
		StreamName:      "EVENTS",
		StreamSubjects:  []string{"events.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
	}
}

// NewTransport connects to NATS and ensures the event stream exists.
func NewTransport(config Config) (*Transport, error) {
	if config.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if len(config.StreamSubjects) == 0 {
		config.StreamSubjects = []string{"events.>"}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{nats.Name(config.Name)}
	if config.Credentials != nil {
		authOpts, err := authOptions(config.Credentials)
		if err != nil {
			return nil, err
		}
		opts = append(opts, authOpts...)
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: config,
		logger: logger,
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

// ensureStream creates or updates the event stream. Limits retention is
// deliberate: a consumer subscribing for the first time replays retained
// history, which interest-based retention would have already deleted.
func (t *Transport) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   t.config.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     t.config.MaxAge,
		MaxBytes:   t.config.MaxBytes,
		Duplicates: t.config.DuplicateWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	info, err := t.js.StreamInfo(t.config.StreamName)
	if err != nil {
		if _, err := t.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", t.config.StreamName, err)
		}
		return nil
	}

	if info.Config.MaxAge != t.config.MaxAge || info.Config.MaxBytes != t.config.MaxBytes {
		if _, err := t.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

// authOptions maps resolved credentials onto NATS connect options.
func authOptions(provider credentials.Provider) ([]nats.Option, error) {
	creds, err := provider.Credentials(context.Background())
	if err != nil {
		return nil, fmt.Errorf("resolve NATS credentials: %w", err)
	}
	switch creds.Type {
	case "":
		return nil, nil
	case credentials.TypeToken:
		return []nats.Option{nats.Token(creds.Token)}, nil
	case credentials.TypeUserPassword:
		return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil
	case credentials.TypeNKey:
		keyPair, err := nkeys.FromSeed([]byte(creds.NKeySeed))
		if err != nil {
			return nil, fmt.Errorf("parse nkey seed: %w", err)
		}
		publicKey, err := keyPair.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("derive nkey public key: %w", err)
		}
		return []nats.Option{nats.Nkey(publicKey, keyPair.Sign)}, nil
	case credentials.TypeJWT:
		return []nats.Option{nats.UserJWTAndSeed(creds.JWT, creds.NKeySeed)}, nil
	default:
		return nil, fmt.Errorf("unsupported credential type %q", creds.Type)
	}
}

// wireEvent is the JSON shape of an event on the wire. Payloads travel as
// serialized Data only; consumers decode through their payload registry.
type wireEvent struct {
	ID            string                      `json:"id"`
	AggregateID   string                      `json:"aggregate_id"`
	AggregateType string                      `json:"aggregate_type"`
	EventType     string                      `json:"event_type"`
	Version       int64                       `json:"version"`
	Timestamp     time.Time                   `json:"timestamp"`
	Data          []byte                      `json:"data,omitempty"`
	Metadata      eventsourcing.EventMetadata `json:"metadata"`
}

// Publish publishes events in commit order. Each publish waits for the
// stream's ack so ordering and durability hold before the commit returns.
func (t *Transport) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return eventsourcing.ErrTransportClosed
	}

	for _, evt := range events {
		data, err := json.Marshal(wireEvent{
			ID:            evt.ID,
			AggregateID:   evt.AggregateID,
			AggregateType: evt.AggregateType,
			EventType:     evt.EventType,
			Version:       evt.Version,
			Timestamp:     evt.Timestamp,
			Data:          evt.Data,
			Metadata:      evt.Metadata,
		})
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.ID, err)
		}

		subject := fmt.Sprintf("events.%s.%s", evt.AggregateType, evt.EventType)
		if _, err := t.js.Publish(subject, data, nats.MsgId(evt.ID), nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish event %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Subscribe opens (or resumes) the durable pull consumer for consumerID.
func (t *Transport) Subscribe(ctx context.Context, consumerID string) (eventsourcing.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, eventsourcing.ErrTransportClosed
	}

	sub, err := t.js.PullSubscribe(
		"events.>",
		durableName(consumerID),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.BindStream(t.config.StreamName),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", consumerID, err)
	}

	return &jetStreamSubscription{
		transport:  t,
		sub:        sub,
		consumerID: consumerID,
	}, nil
}

// Close closes the client connection. Durable consumer state stays on the
// server, so reconnecting transports resume where their consumers left
// off.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.nc.Close()
	return nil
}

// durableName maps a consumer id onto the durable-name charset. Dots and
// wildcards carry subject semantics in NATS and are not allowed.
func durableName(consumerID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t':
			return '-'
		}
		return r
	}, consumerID)
}

type jetStreamSubscription struct {
	transport  *Transport
	sub        *nats.Subscription
	consumerID string

	mu     sync.Mutex
	closed bool
}

// Next fetches the next event. Messages that cannot be decoded are
// terminated so they never redeliver, and the fetch continues.
func (s *jetStreamSubscription) Next(ctx context.Context) (*eventsourcing.Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, eventsourcing.ErrSubscriptionClosed
		}
		s.mu.Unlock()

		msgs, err := s.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed):
				return nil, eventsourcing.ErrTransportClosed
			case errors.Is(err, nats.ErrBadSubscription):
				return nil, eventsourcing.ErrSubscriptionClosed
			default:
				return nil, fmt.Errorf("fetch for %s: %w", s.consumerID, err)
			}
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var wire wireEvent
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			s.transport.logger.Warn("Terminating unreadable transport message",
				slog.String("consumer_id", s.consumerID),
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			if termErr := msg.Term(); termErr != nil {
				return nil, fmt.Errorf("terminate unreadable message: %w", termErr)
			}
			continue
		}

		evt := &eventsourcing.Event{
			ID:            wire.ID,
			AggregateID:   wire.AggregateID,
			AggregateType: wire.AggregateType,
			EventType:     wire.EventType,
			Version:       wire.Version,
			Timestamp:     wire.Timestamp,
			Data:          wire.Data,
			Metadata:      wire.Metadata,
		}
		return eventsourcing.NewDelivery(evt,
			func() error { return msg.Ack() },
			func() error { return msg.Nak() },
		), nil
	}
}

// Depth reports how many events the server still holds for this consumer.
func (s *jetStreamSubscription) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, eventsourcing.ErrSubscriptionClosed
	}
	s.mu.Unlock()

	info, err := s.sub.ConsumerInfo()
	if err != nil {
		return 0, fmt.Errorf("consumer info for %s: %w", s.consumerID, err)
	}
	return int(info.NumPending), nil
}

// Close releases the local subscription handle. The durable consumer and
// its acked position survive on the server; Unsubscribe is deliberately
// not called because it would delete the consumer.
func (s *jetStreamSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

var _ eventsourcing.EventTransport = (*Transport)(nil)
var _ eventsourcing.Subscription = (*jetStreamSubscription)(nil)
