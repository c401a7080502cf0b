package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"

	clientspulse "goa.design/widelog/features/bus/pulse/clients/pulse"
	"goa.design/widelog/runtime/pipeline"
)

type (
	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// Writer receives decoded batches. Required.
		Writer pipeline.Writer
		// Topic is the stream name. Defaults to DefaultTopic.
		Topic string
		// Group is the consumer group name. Defaults to
		// DefaultConsumerGroup.
		Group string
		// BatchSize hands the batch to the writer when reached.
		// Defaults to 100.
		BatchSize int
		// BatchTimeout flushes a partial batch after this delay.
		// Defaults to 1s.
		BatchTimeout time.Duration
		// FlushTimeout bounds batch handoff during destroy. Defaults
		// to 5s.
		FlushTimeout time.Duration
		// OnError reports unrecoverable consumer failures to the
		// pipeline. The consumer never restarts itself. Optional.
		OnError func(ctx context.Context, err error)
	}

	// Consumer drains the bus into the direct writer. It implements
	// pipeline.Consumer: the pipeline creates one on entry to bus mode
	// and destroys it, never pauses it, on exit.
	Consumer struct {
		client       clientspulse.Client
		writer       pipeline.Writer
		topic        string
		group        string
		batchSize    int
		batchTimeout time.Duration
		flushTimeout time.Duration
		onError      func(ctx context.Context, err error)

		sink   clientspulse.Sink
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// Consumer defaults.
const (
	DefaultConsumerGroup = "widelog-consumer"
	DefaultBatchSize     = 100
	DefaultBatchTimeout  = time.Second
)

// NewConsumer builds a Consumer. Call Start to begin fetching.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("writer is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	group := opts.Group
	if group == "" {
		group = DefaultConsumerGroup
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &Consumer{
		client:       opts.Client,
		writer:       opts.Writer,
		topic:        topic,
		group:        group,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		flushTimeout: flushTimeout,
		onError:      opts.OnError,
	}, nil
}

// Start opens the consumer group and launches the fetch loop. The loop
// outlives ctx's values but stops when Destroy is called.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.client.Stream(c.topic)
	if err != nil {
		return fmt.Errorf("open bus stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, c.group)
	if err != nil {
		return fmt.Errorf("open consumer group: %w", err)
	}
	c.sink = sink
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

// Destroy stops fetching, flushes the in-memory batch, closes the consumer
// group, and releases the instance. Expiration of ctx before the fetch loop
// drains is logged and the sink is closed regardless.
func (c *Consumer) Destroy(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		log.Warn(ctx, log.KV{K: "msg", V: "bus consumer stop timed out"})
	}
	c.sink.Close(context.WithoutCancel(ctx))
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	ch := c.sink.Subscribe()
	var batch []*pipeline.Entry
	timer := time.NewTimer(c.batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flushTimeout)
		c.handoff(fctx, batch)
		cancel()
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-timer.C:
			flush()
			timer.Reset(c.batchTimeout)
		case evt, ok := <-ch:
			if !ok {
				flush()
				if c.onError != nil {
					// The callback may destroy this consumer, and Destroy
					// joins on this goroutine. Report from a fresh one so
					// the loop can exit first.
					go c.onError(context.WithoutCancel(ctx), errors.New("bus subscription closed"))
				}
				return
			}
			var msg Message
			if err := json.Unmarshal(evt.Payload, &msg); err != nil {
				log.Warn(ctx,
					log.KV{K: "msg", V: "bus message decode failed, skipping"},
					log.KV{K: "err", V: err.Error()},
				)
				c.ack(ctx, evt)
				continue
			}
			batch = append(batch, &pipeline.Entry{
				Event:     msg.Event,
				Metadata:  msg.Metadata,
				Summary:   msg.Summary,
				Timestamp: msg.Timestamp,
			})
			c.ack(ctx, evt)
			if len(batch) >= c.batchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.batchTimeout)
			}
		}
	}
}

// handoff appends the batch to the direct writer and forces a flush so the
// consumer batch reaches the store as one bulk insert.
func (c *Consumer) handoff(ctx context.Context, batch []*pipeline.Entry) {
	for _, e := range batch {
		if err := c.writer.Append(ctx, e); err != nil {
			log.Errorf(ctx, err, "consumer batch append failed")
			return
		}
	}
	if err := c.writer.Flush(ctx); err != nil {
		log.Errorf(ctx, err, "consumer batch flush failed")
	}
}

func (c *Consumer) ack(ctx context.Context, evt *streaming.Event) {
	if err := c.sink.Ack(ctx, evt); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "bus ack failed"},
			log.KV{K: "err", V: err.Error()},
		)
	}
}
