package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "goa.design/widelog/features/bus/pulse/clients/pulse"
	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/pipeline"
)

// fakeClient hands out fakeStreams keyed by name.
type fakeClient struct {
	mu        sync.Mutex
	streams   map[string]*fakeStream
	streamErr error
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	s, ok := c.streams[name]
	if !ok {
		s = newFakeStream()
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type published struct {
	name    string
	payload []byte
}

// fakeStream records Adds and serves fakeSinks.
type fakeStream struct {
	mu     sync.Mutex
	added  []published
	addErr error
	sink   *fakeSink
}

func newFakeStream() *fakeStream {
	return &fakeStream{sink: newFakeSink()}
}

func (s *fakeStream) Add(ctx context.Context, name string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, published{name: name, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink, nil
}

func (s *fakeStream) setAddErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addErr = err
}

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

func (s *fakeStream) last() published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added[len(s.added)-1]
}

// fakeSink feeds events through a channel and records acks.
type fakeSink struct {
	mu     sync.Mutex
	ch     chan *streaming.Event
	acked  []string
	closed bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *streaming.Event, 64)}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(ctx context.Context, e *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, e.ID)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func entry(id string) *pipeline.Entry {
	return &pipeline.Entry{
		Event: &event.Event{
			RequestID: id,
			Service:   "payments",
			Route:     "POST /payments",
		},
		Metadata:  map[string]any{"amount": 12.5},
		Summary:   "ok",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(ProducerOptions{})
	require.ErrorContains(t, err, "pulse client is required")
}

func TestPublishEnvelope(t *testing.T) {
	c := newFakeClient()
	p, err := NewProducer(ProducerOptions{Client: c, Topic: "log-events"})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), entry("req-1")))
	require.True(t, p.Connected())

	s := c.streams["log-events"]
	require.Equal(t, 1, s.count())
	got := s.last()
	// Messages are keyed by request id.
	require.Equal(t, "req-1", got.name)

	var msg Message
	require.NoError(t, json.Unmarshal(got.payload, &msg))
	require.Equal(t, "req-1", msg.Event.RequestID)
	require.Equal(t, "ok", msg.Summary)
	require.Equal(t, 12.5, msg.Metadata["amount"])
	require.False(t, msg.Timestamp.IsZero())
}

func TestPublishDefaultTopic(t *testing.T) {
	c := newFakeClient()
	p, err := NewProducer(ProducerOptions{Client: c})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), entry("req-1")))
	require.Contains(t, c.streams, DefaultTopic)
}

func TestPublishFailureDisconnects(t *testing.T) {
	c := newFakeClient()
	p, err := NewProducer(ProducerOptions{Client: c, Topic: "log-events"})
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	require.True(t, p.Connected())

	c.streams["log-events"].setAddErr(errors.New("broker gone"))
	err = p.Publish(context.Background(), entry("req-2"))
	require.ErrorContains(t, err, "publish wide event")
	require.False(t, p.Connected())

	// Recovery: the broker is back and the next publish reconnects.
	c.streams["log-events"].setAddErr(nil)
	require.NoError(t, p.Publish(context.Background(), entry("req-3")))
	require.True(t, p.Connected())
}

func TestPublishNilEntry(t *testing.T) {
	p, err := NewProducer(ProducerOptions{Client: newFakeClient()})
	require.NoError(t, err)
	require.Error(t, p.Publish(context.Background(), nil))
	require.Error(t, p.Publish(context.Background(), &pipeline.Entry{}))
}

func TestProducerClose(t *testing.T) {
	c := newFakeClient()
	p, err := NewProducer(ProducerOptions{Client: c})
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	require.False(t, p.Connected())
	require.True(t, c.closed)
}
