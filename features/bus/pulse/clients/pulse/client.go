// Package pulse provides a thin widelog-specific wrapper around Pulse
// streams. Callers build a Redis client, pass it to New, and receive a typed
// interface exposing only the operations the bus producer and consumer need.
// The narrowing keeps the producer and consumer testable against hand
// written fakes.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream.
		// Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the bus.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string) (Stream, error)
		// Close releases resources owned by the client. The caller
		// owns the Redis connection.
		Close(ctx context.Context) error
	}

	// Stream exposes publish and consumer-group creation.
	Stream interface {
		// Add publishes a message with the given name and payload,
		// returning the broker-assigned entry id.
		Add(ctx context.Context, name string, payload []byte) (string, error)
		// NewSink creates a consumer group on this stream.
		NewSink(ctx context.Context, name string) (Sink, error)
	}

	// Sink is a consumer group reading from a stream.
	Sink interface {
		// Subscribe returns the channel of incoming events.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(ctx context.Context, e *streaming.Event) error
		// Close stops the sink and releases its resources.
		Close(ctx context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns and manages the Redis connection.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies the operation timeout.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, name string, payload []byte) (string, error) {
	if name == "" {
		return "", errors.New("message name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, name, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink: %w", err)
	}
	return sinkAdapter{Sink: sink}, nil
}

// sinkAdapter narrows streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Ack(ctx context.Context, e *streaming.Event) error {
	return s.Sink.Ack(ctx, e)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
