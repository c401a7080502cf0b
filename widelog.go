// Package widelog assembles the wide event logging pipeline from
// configuration: sampling policy, dedup and backpressure, the direct store
// writer, and, when enabled, the message bus leg with its mode state
// machine. Services embed it by wrapping handlers with the interceptor
// middleware and calling Shutdown on termination.
package widelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	buspulse "goa.design/widelog/features/bus/pulse"
	clientspulse "goa.design/widelog/features/bus/pulse/clients/pulse"
	storefile "goa.design/widelog/features/store/file"
	storemongo "goa.design/widelog/features/store/mongo"
	clientsmongo "goa.design/widelog/features/store/mongo/clients/mongo"

	"goa.design/widelog/config"
	"goa.design/widelog/runtime/intercept"
	"goa.design/widelog/runtime/pipeline"
	"goa.design/widelog/runtime/sampling"
	"goa.design/widelog/runtime/telemetry"
)

type (
	// Options carries the external connections the system builds on.
	Options struct {
		// Config is the loaded configuration. Required.
		Config config.Config
		// Mongo is the connected driver client. Required unless the
		// storage type is file.
		Mongo *mongodriver.Client
		// Redis backs the message bus. Required when the bus is
		// enabled.
		Redis *redis.Client
		// FilePath is the sink path for the file storage type.
		FilePath string
		// UserLookup serves UserFromRequest handler declarations.
		UserLookup intercept.UserLookup
	}

	// System is the assembled pipeline and its interception surface.
	System struct {
		// Pipeline delivers finalized events.
		Pipeline *pipeline.Pipeline
		// Registry holds per-handler metadata.
		Registry *intercept.Registry
		// Interceptor wraps handlers.
		Interceptor *intercept.Interceptor
	}
)

// probeTimeout bounds broker liveness probes.
const probeTimeout = 2 * time.Second

// New wires the system per the configured storage type. The store must be
// reachable at boot: a pipeline without any sink is a hard failure.
func New(opts Options) (*System, error) {
	cfg := opts.Config

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	var writer pipeline.Writer
	switch cfg.StorageType {
	case config.StorageFile:
		writer, err = storefile.New(opts.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create file sink: %w", err)
		}
	default:
		if opts.Mongo == nil {
			return nil, errors.New("mongo client is required")
		}
		store, err := clientsmongo.New(clientsmongo.Options{
			Client:   opts.Mongo,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("create store client: %w", err)
		}
		writer, err = storemongo.NewWriter(storemongo.WriterOptions{
			Client:        store,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			Metrics:       metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create direct writer: %w", err)
		}
	}

	popts := pipeline.Options{
		Sampler: sampling.New(sampling.Options{
			NormalRate:     cfg.SamplingNormalRate,
			SlowThreshold:  cfg.SlowThreshold,
			CriticalRoutes: cfg.CriticalRoutes,
		}),
		Writer:     writer,
		CacheSize:  cfg.FinalizedCacheSize,
		MaxPending: cfg.MaxPendingFinal,
		Metrics:    metrics,
	}

	// The consumer factory closes over the pipeline so consumer failures
	// can demote the mode machine; the pipeline only exists after
	// pipeline.New, hence the forward declaration.
	var p *pipeline.Pipeline

	busWanted := cfg.MQEnabled || cfg.StorageType == config.StorageBus
	if busWanted {
		if opts.Redis == nil {
			return nil, errors.New("redis client is required with the bus enabled")
		}
		bus, err := clientspulse.New(clientspulse.Options{Redis: opts.Redis})
		if err != nil {
			return nil, fmt.Errorf("create bus client: %w", err)
		}
		producer, err := buspulse.NewProducer(buspulse.ProducerOptions{
			Client: bus,
			Topic:  cfg.MQTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("create bus producer: %w", err)
		}
		popts.Producer = producer
		popts.Probe = pipeline.TCPProbe(cfg.MQBrokerAddr, probeTimeout)
		popts.NewConsumer = func(ctx context.Context) (pipeline.Consumer, error) {
			c, err := buspulse.NewConsumer(buspulse.ConsumerOptions{
				Client:       bus,
				Writer:       writer,
				Topic:        cfg.MQTopic,
				Group:        cfg.MQGroup,
				BatchSize:    cfg.MQBatchSize,
				BatchTimeout: cfg.MQBatchTimeout,
				OnError: func(ctx context.Context, err error) {
					p.ReportConsumerError(ctx, err)
				},
			})
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	p, err = pipeline.New(popts)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	registry := intercept.NewRegistry(
		intercept.WithRedactPaths(cfg.RedactPaths...),
		intercept.WithRedactionToken(cfg.RedactionToken),
	)
	interceptor, err := intercept.New(intercept.Options{
		Registry:   registry,
		Finalizer:  p,
		Service:    cfg.ServiceName,
		BasePath:   cfg.BasePath,
		Production: cfg.Production(),
		UserLookup: opts.UserLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create interceptor: %w", err)
	}
	return &System{Pipeline: p, Registry: registry, Interceptor: interceptor}, nil
}
