// Package mongo implements the low-level MongoDB client used by the wide
// event store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/pipeline"
)

type (
	// Client exposes Mongo-backed operations for the wide event store.
	Client interface {
		health.Pinger

		// InsertEvents bulk-inserts the entries, unordered: individual
		// document failures do not abort the rest of the batch.
		InsertEvents(ctx context.Context, entries []*pipeline.Entry) error
		// Close is a no-op; the caller owns the Mongo connection.
		Close(ctx context.Context) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database is the target database name. Required.
		Database string
		// Collection holds wide events. Defaults to "wide_events".
		Collection string
		// WatermarkCollection is created at init for the external
		// embedding subsystem to track its progress. The pipeline
		// never writes it. Defaults to "log_watermarks".
		WatermarkCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// eventDocument mirrors the wide event plus the summary and open
	// metadata, as stored.
	eventDocument struct {
		RequestID   string             `bson:"requestId"`
		Timestamp   time.Time          `bson:"timestamp"`
		Service     string             `bson:"service"`
		Route       string             `bson:"route"`
		User        *event.User        `bson:"user,omitempty"`
		Error       *event.ErrorDetail `bson:"error,omitempty"`
		Performance *event.Performance `bson:"performance,omitempty"`
		Summary     string             `bson:"_summary"`
		Metadata    map[string]any     `bson:"_metadata,omitempty"`
	}
)

const (
	defaultCollection          = "wide_events"
	defaultWatermarkCollection = "log_watermarks"
	defaultTimeout             = 5 * time.Second
	clientName                 = "widelog-mongo"
)

// New returns a Client backed by the provided MongoDB client. It ensures the
// event collection indexes and the watermark collection exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	watermark := opts.WatermarkCollection
	if watermark == "" {
		watermark = defaultWatermarkCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	coll := db.Collection(collection)
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	if err := ensureCollection(ctx, db, watermark); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertEvents(ctx context.Context, entries []*pipeline.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Event == nil {
			continue
		}
		docs = append(docs, eventDocument{
			RequestID:   e.Event.RequestID,
			Timestamp:   e.Event.Timestamp.UTC(),
			Service:     e.Event.Service,
			Route:       e.Event.Route,
			User:        e.Event.User,
			Error:       e.Event.Error,
			Performance: e.Event.Performance,
			Summary:     e.Summary,
			Metadata:    e.Metadata,
		})
	}
	if len(docs) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("insert wide events: %w", err)
	}
	return nil
}

func (c *client) Close(ctx context.Context) error {
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "timestamp", Value: 1},
			{Key: "route", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func ensureCollection(ctx context.Context, db *mongodriver.Database, name string) error {
	err := db.CreateCollection(ctx, name)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	return nil
}
