// Package file provides a JSON-lines file sink implementing pipeline.Writer.
// It backs STORAGE_TYPE=file wirings: local runs and environments without a
// primary store. One document per line, mirroring the store layout.
package file

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"context"

	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/pipeline"
)

// Sink appends wide events to a local file as JSON lines.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// document is the stored line shape: the wide event plus summary and open
// metadata, as in the primary store.
type document struct {
	Event     *event.Event   `json:"event"`
	Summary   string         `json:"_summary"`
	Metadata  map[string]any `json:"_metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New opens (or creates) the file at path in append mode.
func New(path string) (*Sink, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f}, nil
}

// Append writes one entry as a JSON line.
func (s *Sink) Append(ctx context.Context, e *pipeline.Entry) error {
	line, err := json.Marshal(document{
		Event:     e.Event,
		Summary:   e.Summary,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file sink is closed")
	}
	_, err = s.f.Write(line)
	return err
}

// Flush syncs the file to disk.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.f.Sync()
}

// Close syncs and closes the file.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
