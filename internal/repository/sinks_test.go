package repository

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"MarketGate/internal/domain/models"
	pkgkafka "MarketGate/pkg/kafka"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

var received = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestKafkaSinkKeysByStream(t *testing.T) {
	w := &fakeWriter{}
	producer, err := pkgkafka.NewProducer(pkgkafka.WithWriter(w))
	if err != nil {
		t.Fatal(err)
	}
	sink := NewKafkaSink(producer, "market.events")

	ev := &models.StreamEvent{Stream: "btcusdt@trade", Data: json.RawMessage(`{"p":"70000.1"}`), ReceivedAt: received}
	if err := sink.Write(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteBatch(context.Background(), []*models.StreamEvent{ev, {Stream: "ethusdt@trade", ReceivedAt: received}}); err != nil {
		t.Fatal(err)
	}

	if len(w.msgs) != 3 {
		t.Fatalf("got %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "btcusdt@trade" || w.msgs[0].Topic != "market.events" {
		t.Fatalf("first = %+v", w.msgs[0])
	}

	var payload eventPayload
	if err := json.Unmarshal(w.msgs[0].Value, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Stream != "btcusdt@trade" || string(payload.Data) != `{"p":"70000.1"}` || payload.ReceivedAt != received.UnixMilli() {
		t.Fatalf("payload = %+v", payload)
	}
	if !strings.Contains(string(w.msgs[2].Value), `"data":null`) {
		t.Fatalf("empty data should encode as null: %s", w.msgs[2].Value)
	}
}

func TestBuildInsert(t *testing.T) {
	evs := []*models.StreamEvent{
		{Stream: "a", Data: json.RawMessage(`1`), ReceivedAt: received},
		nil,
		{Stream: ""},
		{Stream: "b", Data: json.RawMessage(`2`), ReceivedAt: received},
	}
	q, args := buildInsert("rt_stream_events", evs)

	want := "INSERT INTO rt_stream_events (stream, payload, received_at) VALUES (?, ?, ?), (?, ?, ?)"
	if q != want {
		t.Fatalf("query = %q", q)
	}
	if len(args) != 6 || args[0] != "a" || args[1] != "1" || args[3] != "b" {
		t.Fatalf("args = %v", args)
	}

	if q, _ := buildInsert("t", []*models.StreamEvent{nil}); q != "" {
		t.Fatalf("expected empty query, got %q", q)
	}
}

func TestStreamEventsSchemaNamesTable(t *testing.T) {
	stmts := StreamEventsSchema("market.rt_stream_events")
	if len(stmts) != 1 || !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS market.rt_stream_events") {
		t.Fatalf("schema = %v", stmts)
	}
}
