// Package pipeline orchestrates wide event delivery: the finalize procedure,
// per-process deduplication and backpressure, the BUS/DIRECT mode state
// machine with its broker watchdog, and ordered graceful shutdown.
//
// The pipeline sits between the HTTP interceptor and the sinks. In direct
// mode finalized events are appended to the store writer from the hot path;
// in bus mode they are published to the message bus and a background
// consumer drains the bus into the same writer. Mode transitions are driven
// by publish failures, consumer errors, and watchdog liveness probes.
package pipeline

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/logctx"
	"goa.design/widelog/runtime/sampling"
	"goa.design/widelog/runtime/telemetry"
)

type (
	// Entry is the unit handed to sinks: the immutable event, its open
	// metadata, the dual-layer summary, and the delivery timestamp.
	Entry struct {
		Event     *event.Event
		Metadata  map[string]any
		Summary   string
		Timestamp time.Time
	}

	// Writer is the direct store writer (batching is the writer's
	// concern). Append must be safe for concurrent use.
	Writer interface {
		// Append buffers one entry for persistence.
		Append(ctx context.Context, e *Entry) error
		// Flush forces the current buffer to the store.
		Flush(ctx context.Context) error
		// Close flushes remaining entries and releases resources.
		Close(ctx context.Context) error
	}

	// Producer publishes entries to the message bus. Publish errors are
	// surfaced so the pipeline can switch modes; the producer never
	// retries internally.
	Producer interface {
		Publish(ctx context.Context, e *Entry) error
		Close(ctx context.Context) error
	}

	// Consumer drains the bus into the store. It is created when the
	// pipeline enters bus mode and destroyed, not paused, when it leaves.
	Consumer interface {
		// Destroy stops fetching, flushes the in-memory batch, and
		// releases the instance.
		Destroy(ctx context.Context) error
	}

	// ConsumerFactory builds and starts a consumer. Called on every
	// transition into bus mode.
	ConsumerFactory func(ctx context.Context) (Consumer, error)

	// Options configures a Pipeline.
	Options struct {
		// Sampler decides which events are recorded. Required.
		Sampler *sampling.Policy
		// Writer is the direct store writer. Required.
		Writer Writer
		// Producer publishes to the bus. Optional; without it the
		// pipeline stays in direct mode.
		Producer Producer
		// NewConsumer builds the bus consumer. Required when Producer
		// is set.
		NewConsumer ConsumerFactory
		// Probe checks broker liveness. Required when Producer is set.
		Probe Prober
		// CacheSize bounds the finalized-id LRU. Defaults to 2000.
		CacheSize int
		// MaxPending bounds concurrent finalizes before shedding.
		// Defaults to 500.
		MaxPending int
		// StabilityThreshold and ProbeInterval configure the watchdog.
		StabilityThreshold int
		ProbeInterval      time.Duration
		// StepTimeout bounds each shutdown step and internal flush.
		// Defaults to 5s.
		StepTimeout time.Duration
		// Metrics records pipeline counters. Optional.
		Metrics *telemetry.Metrics
	}

	// Pipeline delivers finalized wide events to the active sink.
	Pipeline struct {
		sampler     *sampling.Policy
		writer      Writer
		producer    Producer
		newConsumer ConsumerFactory
		modes       *ModeMachine
		cache       *finalizeCache

		inflight   atomic.Int64
		maxPending int64
		drops      atomic.Int64

		consumerMu   sync.Mutex
		consumer     Consumer
		closed       atomic.Bool
		stopWatchdog context.CancelFunc
		watchdogDone chan struct{}
		stepTimeout  time.Duration
		metrics      *telemetry.Metrics
	}
)

// Defaults.
const (
	DefaultCacheSize   = 2000
	DefaultMaxPending  = 500
	DefaultStepTimeout = 5 * time.Second

	dropWarnEvery = 100
)

// New builds a Pipeline. The returned pipeline is inert until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Sampler == nil {
		return nil, errors.New("sampler is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("writer is required")
	}
	if opts.Producer != nil && opts.NewConsumer == nil {
		return nil, errors.New("consumer factory is required with a producer")
	}
	if opts.Producer != nil && opts.Probe == nil {
		return nil, errors.New("broker probe is required with a producer")
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	cache, err := newFinalizeCache(cacheSize)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		sampler:     opts.Sampler,
		writer:      opts.Writer,
		producer:    opts.Producer,
		newConsumer: opts.NewConsumer,
		cache:       cache,
		maxPending:  int64(maxPending),
		stepTimeout: stepTimeout,
		metrics:     opts.Metrics,
	}
	p.modes = NewModeMachine(ModeOptions{
		Probe:              opts.Probe,
		StabilityThreshold: opts.StabilityThreshold,
		ProbeInterval:      opts.ProbeInterval,
		Metrics:            opts.Metrics,
	})
	p.modes.OnChange(p.onModeChange)
	return p, nil
}

// Start selects the initial mode and launches the watchdog. With a
// configured producer the pipeline starts in bus mode when the initial
// liveness probe succeeds, otherwise in direct mode.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.producer == nil {
		p.modes.SetInitial(ModeDirect)
		log.Info(ctx, log.KV{K: "msg", V: "pipeline started"}, log.KV{K: "mode", V: ModeDirect.String()})
		return nil
	}
	initial := ModeDirect
	if err := p.modes.probe(ctx); err != nil {
		log.Warn(ctx,
			log.KV{K: "msg", V: "broker unreachable at boot, starting in direct mode"},
			log.KV{K: "err", V: err.Error()},
		)
	} else {
		initial = ModeBus
	}
	p.modes.SetInitial(initial)
	if initial == ModeBus {
		if err := p.startConsumer(ctx); err != nil {
			log.Errorf(ctx, err, "bus consumer failed to start, falling back to direct mode")
			p.modes.SetInitial(ModeDirect)
		}
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stopWatchdog = cancel
	p.watchdogDone = make(chan struct{})
	go func() {
		defer close(p.watchdogDone)
		p.modes.Watchdog(wctx)
	}()
	log.Info(ctx, log.KV{K: "msg", V: "pipeline started"}, log.KV{K: "mode", V: p.modes.Mode().String()})
	return nil
}

// Mode returns the current delivery mode.
func (p *Pipeline) Mode() Mode {
	return p.modes.Mode()
}

// Drops reports the number of events shed by backpressure.
func (p *Pipeline) Drops() int64 {
	return p.drops.Load()
}

// Finalize builds, samples, and dispatches the wide event of the current
// request. It never returns an error to the caller: sink failures switch
// modes or are logged, and a missing context, a duplicate request id, or a
// shut-down pipeline make the call a silent no-op.
func (p *Pipeline) Finalize(ctx context.Context) {
	if p.closed.Load() {
		return
	}
	lc := logctx.Current(ctx)
	if lc == nil {
		return
	}
	if !p.cache.first(lc.RequestID()) {
		p.metrics.DedupHit(ctx)
		log.Debug(ctx,
			log.KV{K: "msg", V: "duplicate finalize suppressed"},
			log.KV{K: "requestId", V: lc.RequestID()},
		)
		return
	}
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	if n > p.maxPending {
		d := p.drops.Add(1)
		p.metrics.EventDropped(ctx)
		if d == 1 || d%dropWarnEvery == 0 {
			log.Warn(ctx,
				log.KV{K: "msg", V: "backpressure: wide event dropped"},
				log.KV{K: "dropped", V: d},
				log.KV{K: "maxPending", V: p.maxPending},
			)
		}
		return
	}
	dec := p.sampler.ShouldRecord(lc)
	if !dec.Record {
		log.Debug(ctx,
			log.KV{K: "msg", V: "wide event not recorded"},
			log.KV{K: "requestId", V: lc.RequestID()},
			log.KV{K: "reason", V: string(dec.Reason)},
		)
		return
	}
	lc.MergeMetadata(map[string]any{
		"_sampling": map[string]any{"recorded": true, "reason": string(dec.Reason)},
	})
	ev := lc.Event()
	md := ev.Metadata
	ev.Metadata = nil
	entry := &Entry{
		Event:     ev,
		Metadata:  md,
		Summary:   event.Summary(ev),
		Timestamp: time.Now().UTC(),
	}
	p.metrics.EventRecorded(ctx, string(dec.Reason))
	p.deliver(ctx, entry)
}

// deliver hands the entry to the active sink. A publish failure demotes the
// machine and falls through to the direct writer so the triggering event is
// not lost.
func (p *Pipeline) deliver(ctx context.Context, e *Entry) {
	if p.modes.Mode() == ModeBus && p.producer != nil {
		err := p.producer.Publish(ctx, e)
		if err == nil {
			return
		}
		p.metrics.PublishFailure(ctx)
		p.modes.Demote(ctx, err)
	}
	if err := p.writer.Append(ctx, e); err != nil {
		log.Errorf(ctx, err, "direct write failed")
	}
}

// ReportConsumerError is the consumer's failure callback: the consumer is
// destroyed and the pipeline returns to direct mode. Recovery is owned by
// the watchdog.
func (p *Pipeline) ReportConsumerError(ctx context.Context, err error) {
	p.modes.Demote(ctx, err)
}

// onModeChange runs under the machine's transition lock: it creates the
// consumer on entry to bus mode and destroys it on entry to direct mode.
func (p *Pipeline) onModeChange(ctx context.Context, from, to Mode) {
	switch to {
	case ModeBus:
		if err := p.startConsumer(ctx); err != nil {
			log.Errorf(ctx, err, "bus consumer failed to start, returning to direct mode")
			// Demote asynchronously: transitions must not reenter the
			// machine while its lock is held.
			go p.modes.Demote(context.WithoutCancel(ctx), err)
		}
	case ModeDirect:
		p.destroyConsumer(ctx)
	}
}

func (p *Pipeline) startConsumer(ctx context.Context) error {
	if p.newConsumer == nil {
		return nil
	}
	c, err := p.newConsumer(ctx)
	if err != nil {
		return err
	}
	p.consumerMu.Lock()
	p.consumer = c
	p.consumerMu.Unlock()
	return nil
}

func (p *Pipeline) destroyConsumer(ctx context.Context) {
	p.consumerMu.Lock()
	c := p.consumer
	p.consumer = nil
	p.consumerMu.Unlock()
	if c == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.stepTimeout)
	defer cancel()
	if err := c.Destroy(dctx); err != nil {
		log.Errorf(ctx, err, "bus consumer destroy failed")
	}
}

// TCPProbe returns a Prober that dials addr with the given timeout. The
// connection is closed immediately; only reachability is observed.
func TCPProbe(addr string, timeout time.Duration) Prober {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
