// Package pulse implements the message bus leg of the wide event pipeline on
// goa.design/pulse streams: a producer publishing finalized events keyed by
// request id and a consumer group draining them into the direct writer in
// batches.
//
// The producer never retries internally; publish failures surface to the
// pipeline so the mode state machine can fall back to direct writes.
// Recovery is owned by the pipeline watchdog, which probes the broker and
// re-promotes bus mode after sustained liveness.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientspulse "goa.design/widelog/features/bus/pulse/clients/pulse"
	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/pipeline"
)

type (
	// Message is the wire envelope published per wide event. Messages are
	// named by request id so all messages of one request share a
	// partition key; with one event per request, per-key ordering is
	// trivial.
	Message struct {
		Event     *event.Event   `json:"event"`
		Metadata  map[string]any `json:"_metadata,omitempty"`
		Summary   string         `json:"summary"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// ProducerOptions configures a Producer.
	ProducerOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Topic is the stream name. Defaults to DefaultTopic.
		Topic string
	}

	// Producer publishes wide events to the bus. It implements
	// pipeline.Producer. Safe for concurrent use.
	Producer struct {
		client clientspulse.Client
		topic  string

		mu        sync.Mutex
		stream    clientspulse.Stream
		connected bool
	}
)

// DefaultTopic is the stream wide events are published to.
const DefaultTopic = "log-events"

// NewProducer builds a Producer. The broker is contacted lazily on the
// first publish; callers that want to fail fast call Connect.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{client: opts.Client, topic: topic}, nil
}

// Connect opens the stream handle and marks the producer connected.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *Producer) connectLocked() error {
	if p.stream != nil {
		return nil
	}
	stream, err := p.client.Stream(p.topic)
	if err != nil {
		p.connected = false
		return fmt.Errorf("connect bus producer: %w", err)
	}
	p.stream = stream
	p.connected = true
	return nil
}

// Connected reports the producer's view of the broker session.
func (p *Producer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Publish serializes the entry and sends it keyed by request id. Failures
// mark the producer disconnected and propagate to the caller so the
// pipeline can switch modes.
func (p *Producer) Publish(ctx context.Context, e *pipeline.Entry) error {
	if e == nil || e.Event == nil {
		return errors.New("entry is required")
	}
	p.mu.Lock()
	if err := p.connectLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	stream := p.stream
	p.mu.Unlock()

	payload, err := json.Marshal(Message{
		Event:     e.Event,
		Metadata:  e.Metadata,
		Summary:   e.Summary,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if _, err := stream.Add(ctx, e.Event.RequestID, payload); err != nil {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		return fmt.Errorf("publish wide event: %w", err)
	}
	return nil
}

// Close marks the producer disconnected and releases the client. Pulse adds
// are synchronous so there are no pending messages to drain.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	p.stream = nil
	p.connected = false
	p.mu.Unlock()
	return p.client.Close(ctx)
}
