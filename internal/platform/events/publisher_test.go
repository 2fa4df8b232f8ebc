package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) Close() { f.closed = true }

func sampleEvent() Event {
	return Event{
		Type:       SpecimenStatusChanged,
		SpecimenID: "SP-20261016-000001",
		Barcode:    "000000000018",
		FromStatus: "collected",
		ToStatus:   "in_receipt",
		Actor:      "tech-1",
		Version:    3,
		OccurredAt: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_KeysBySpecimen(t *testing.T) {
	fp := &fakeProducer{}
	p := &KafkaPublisher{client: fp, topic: "lis.specimen-events"}

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(fp.records))
	}
	rec := fp.records[0]
	if string(rec.Key) != "SP-20261016-000001" {
		t.Errorf("expected specimen key, got %q", rec.Key)
	}
	if rec.Topic != "lis.specimen-events" {
		t.Errorf("unexpected topic %q", rec.Topic)
	}
	var decoded Event
	if err := json.Unmarshal(rec.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := sampleEvent()
	if decoded.Type != want.Type || decoded.ToStatus != want.ToStatus || decoded.Version != want.Version {
		t.Errorf("payload mismatch: %+v", decoded)
	}
	if !decoded.OccurredAt.Equal(want.OccurredAt) {
		t.Errorf("expected occurred_at %v, got %v", want.OccurredAt, decoded.OccurredAt)
	}
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker down")}
	p := &KafkaPublisher{client: fp, topic: "t"}
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected produce error")
	}
	p.Close()
	if !fp.closed {
		t.Error("expected client to be closed")
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(" , ", "topic"); err == nil {
		t.Error("expected error for empty brokers")
	}
	if _, err := NewKafkaPublisher("localhost:9092", ""); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers("a:9092, b:9092,,c:9092 ")
	if strings.Join(got, "|") != "a:9092|b:9092|c:9092" {
		t.Errorf("unexpected brokers %v", got)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"event":"specimen.status_changed"`) {
		t.Errorf("expected event type in log, got %s", out)
	}
	if !strings.Contains(out, `"specimen_id":"SP-20261016-000001"`) {
		t.Errorf("expected specimen id in log, got %s", out)
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), sampleEvent()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
