// Package events publishes specimen lifecycle events to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Type names a lifecycle event.
type Type string

const (
	SpecimenCreated        Type = "specimen.created"
	SpecimenStatusChanged  Type = "specimen.status_changed"
	SpecimenQualityChecked Type = "specimen.quality_checked"
	SpecimenStorageUpdated Type = "specimen.storage_updated"
)

// Event is emitted after a write has been durably applied.
type Event struct {
	Type       Type      `json:"type"`
	SpecimenID string    `json:"specimen_id"`
	Barcode    string    `json:"barcode"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Actor      string    `json:"actor"`
	Notes      string    `json:"notes,omitempty"`
	Version    int       `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to a zerolog logger. Used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("type", "lab_event").
		Str("event", string(ev.Type)).
		Str("specimen_id", ev.SpecimenID).
		Str("from_status", ev.FromStatus).
		Str("to_status", ev.ToStatus).
		Str("actor", ev.Actor).
		Int("version", ev.Version).
		Time("occurred_at", ev.OccurredAt).
		Msg("specimen_event")
	return nil
}
