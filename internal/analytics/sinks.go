// ABOUTME: Analytics sinks: SQLite store, Mixpanel-style HTTP track endpoint, Kafka topic.

package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/2389/coven-mesh/internal/store"
)

// ErrSinkStatus indicates the HTTP endpoint answered with a non-2xx status.
var ErrSinkStatus = errors.New("unexpected status from analytics endpoint")

// StoreSink persists events.
type StoreSink struct {
	store store.EventStore
}

// NewStoreSink creates a sink writing to s.
func NewStoreSink(s store.EventStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Consume(ctx context.Context, identity string, e TrackedEvent) error {
	props := make(map[string]any, len(e.Props))
	for k, v := range e.Props {
		props[k] = v
	}
	return s.store.SaveTrackedEvent(ctx, &store.TrackedEvent{
		EventID:  e.EventID,
		Name:     e.Name,
		Identity: identity,
		Time:     e.Time,
		Props:    props,
	})
}

// HTTPSink posts events to a Mixpanel-compatible /track endpoint.
type HTTPSink struct {
	token  string
	apiURL string
	client *http.Client
}

// NewHTTPSink creates a sink posting to apiURL + "/track". Pass nil client
// for a client with a 10s timeout.
func NewHTTPSink(token, apiURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: client,
	}
}

func (s *HTTPSink) Name() string { return "http" }

type trackRecord struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

func (s *HTTPSink) Consume(ctx context.Context, identity string, e TrackedEvent) error {
	props := make(map[string]any, len(e.Props)+4)
	for k, v := range e.Props {
		props[k] = v
	}
	props["time"] = e.Time.UnixMilli()
	props["token"] = s.token
	props["$insert_id"] = e.EventID
	if identity != "" {
		props["distinct_id"] = identity
	} else {
		props["distinct_id"] = nil
	}

	body, err := json.Marshal([]trackRecord{{Event: e.Name, Properties: props}})
	if err != nil {
		return fmt.Errorf("encoding track request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/track", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building track request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting track request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrSinkStatus, resp.StatusCode)
	}
	return nil
}

// MessageWriter is the part of *kafka.Writer the Kafka sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a topic, keyed by event id.
type KafkaSink struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewKafkaSink creates a sink producing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, logger)
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, logger: logger.With("component", "analytics.kafka")}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Consume(ctx context.Context, identity string, e TrackedEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.EventID, err)
	}

	msg := kafka.Message{
		Key:     []byte(e.EventID),
		Value:   value,
		Headers: []kafka.Header{{Key: "identity", Value: []byte(identity)}},
		Time:    e.Time,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("producing event %s: %w", e.EventID, err)
	}
	s.logger.Debug("event produced", "event_id", e.EventID, "event", e.Name)
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
