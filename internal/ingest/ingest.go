// Package ingest records inbound events exactly once. Payloads are validated
// against a JSON Schema before they reach the store; duplicates by
// (source, external_id) are acknowledged without a second row.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskherald/internal/bus"
	appotel "github.com/basket/taskherald/internal/otel"
	"github.com/basket/taskherald/internal/store"
)

// eventSchema is the contract inbound payloads must meet. Only event_type is
// required; tg and request blocks are optional but typed when present.
const eventSchema = `{
	"type": "object",
	"required": ["event_type"],
	"properties": {
		"event_type": {"type": "string", "minLength": 1},
		"tg": {
			"type": "object",
			"properties": {
				"tg_id": {"type": "integer"},
				"chat_id": {"type": "integer"},
				"message_id": {"type": "integer"}
			}
		},
		"request": {
			"type": "object",
			"properties": {
				"kind": {"type": "string"},
				"text": {"type": "string"}
			}
		},
		"command": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"task_id": {"type": "integer"},
				"text": {"type": "string"}
			}
		}
	}
}`

// Service validates and records inbound events.
type Service struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *appotel.Metrics
	schema  *jsonschema.Schema
}

// NewService compiles the event schema and wires the service. bus and metrics
// may be nil in tests.
func NewService(st *store.Store, b *bus.Bus, logger *slog.Logger, m *appotel.Metrics) (*Service, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(eventSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: b, logger: logger, metrics: m, schema: schema}, nil
}

// Ingest validates the payload, records it once, and reports whether this call
// created the row. A duplicate (source, external_id) is not an error: the
// surviving event id is returned with duplicate=true.
func (s *Service) Ingest(ctx context.Context, source, externalID string, payload map[string]any) (int64, bool, error) {
	if source == "" || externalID == "" {
		return 0, false, fmt.Errorf("ingest: source and external_id are required")
	}
	if err := s.validate(payload); err != nil {
		return 0, false, fmt.Errorf("ingest %s/%s: %w", source, externalID, err)
	}

	eventID, inserted, err := s.store.InsertEvent(ctx, source, externalID, payload)
	if err != nil {
		return 0, false, fmt.Errorf("ingest %s/%s: %w", source, externalID, err)
	}
	duplicate := !inserted

	if duplicate {
		s.logger.Debug("duplicate event ignored",
			"source", source, "external_id", externalID, "event_id", eventID)
	} else {
		s.logger.Info("event ingested",
			"source", source, "external_id", externalID, "event_id", eventID)
	}
	if s.metrics != nil {
		s.metrics.EventsIngested.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("duplicate", duplicate),
		))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicEventIngested, bus.IngestEvent{
			EventID:    eventID,
			Source:     source,
			ExternalID: externalID,
			Duplicate:  duplicate,
		})
	}
	return eventID, duplicate, nil
}

// validate checks the payload against the event schema. The payload is
// canonicalized first so the validator sees json.Number values, which is what
// the integer checks in the schema require.
func (s *Service) validate(payload map[string]any) error {
	raw, err := store.CanonicalPayload(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("reparse payload: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload schema: %w", err)
	}
	return nil
}
