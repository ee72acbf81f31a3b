package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketGate/internal/domain/models"
	"MarketGate/internal/domain/repository"
	"MarketGate/pkg/cache"
	pkgkafka "MarketGate/pkg/kafka"
)

// eventPayload is the wire form every sink writes.
type eventPayload struct {
	Stream     string          `json:"stream"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt int64           `json:"receivedAt"`
}

func encodeEvent(ev *models.StreamEvent) ([]byte, error) {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(eventPayload{
		Stream:     ev.Stream,
		Data:       data,
		ReceivedAt: ev.ReceivedAt.UnixMilli(),
	})
}

// KafkaSink publishes events keyed by stream so one stream stays ordered on one partition.
type KafkaSink struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaSink(producer *pkgkafka.Producer, topic string) repository.StreamSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev *models.StreamEvent) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, s.topic, []byte(ev.Stream), payload)
}

func (s *KafkaSink) WriteBatch(ctx context.Context, evs []*models.StreamEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(evs))
	for _, ev := range evs {
		payload, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, pkgkafka.Message{Key: []byte(ev.Stream), Value: payload})
	}
	return s.producer.PublishBatch(ctx, s.topic, msgs)
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// RedisSink publishes every event on a channel named after its stream.
type RedisSink struct {
	client *cache.RedisClient
}

func NewRedisSink(client *cache.RedisClient) repository.StreamSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, ev *models.StreamEvent) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, ev.Stream, payload)
}

func (s *RedisSink) WriteBatch(ctx context.Context, evs []*models.StreamEvent) error {
	msgs := make([]cache.RedisMessage, 0, len(evs))
	for _, ev := range evs {
		payload, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, cache.RedisMessage{Channel: ev.Stream, Payload: payload})
	}
	return s.client.PublishBatch(ctx, msgs)
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// ClickHouseSink appends raw events to a MergeTree table.
type ClickHouseSink struct {
	db    *sql.DB
	table string
}

func NewClickHouseSink(db *sql.DB, table string) *ClickHouseSink {
	return &ClickHouseSink{db: db, table: table}
}

// StreamEventsSchema returns the DDL for the events table.
func StreamEventsSchema(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	stream String,
	payload String,
	received_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (stream, received_at)`, table)}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, ev *models.StreamEvent) error {
	return s.WriteBatch(ctx, []*models.StreamEvent{ev})
}

// chunkSize bounds the rows of one INSERT statement.
const chunkSize = 2000

func (s *ClickHouseSink) WriteBatch(ctx context.Context, evs []*models.StreamEvent) error {
	for start := 0; start < len(evs); start += chunkSize {
		end := start + chunkSize
		if end > len(evs) {
			end = len(evs)
		}

		q, args := buildInsert(s.table, evs[start:end])
		if q == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("clickhouse insert: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseSink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *ClickHouseSink) Close() error { return nil }

func buildInsert(table string, evs []*models.StreamEvent) (string, []interface{}) {
	values := make([]string, 0, len(evs))
	args := make([]interface{}, 0, len(evs)*3)
	for _, ev := range evs {
		if ev == nil || ev.Stream == "" {
			continue
		}
		received := ev.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		values = append(values, "(?, ?, ?)")
		args = append(args, ev.Stream, string(ev.Data), received.UTC())
	}
	if len(values) == 0 {
		return "", nil
	}
	q := fmt.Sprintf("INSERT INTO %s (stream, payload, received_at) VALUES %s", table, strings.Join(values, ", "))
	return q, args
}

// NoopSink discards events. It backs the "none" backend.
type NoopSink struct{}

func (NoopSink) Name() string                                            { return "none" }
func (NoopSink) Write(context.Context, *models.StreamEvent) error        { return nil }
func (NoopSink) WriteBatch(context.Context, []*models.StreamEvent) error { return nil }
func (NoopSink) Close() error                                            { return nil }
