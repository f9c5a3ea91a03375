package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/taskherald/internal/bus"
	"github.com/basket/taskherald/internal/store"
)

func newTestService(t *testing.T, b *bus.Bus) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, b, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func validPayload() map[string]any {
	return map[string]any{
		"event_type": "tg_message",
		"tg":         map[string]any{"tg_id": 42, "chat_id": 500},
		"request":    map[string]any{"kind": "question", "text": "why?"},
	}
}

func TestIngest_RecordsOnceAndDedupes(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	id1, dup, err := svc.Ingest(ctx, "tg", "upd-1", validPayload())
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if dup {
		t.Fatal("first ingest must not report duplicate")
	}

	id2, dup, err := svc.Ingest(ctx, "tg", "upd-1", validPayload())
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if !dup {
		t.Fatal("second ingest must report duplicate")
	}
	if id1 != id2 {
		t.Fatalf("duplicate returned id %d, want %d", id2, id1)
	}
}

func TestIngest_SchemaValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload map[string]any
		wantErr bool
	}{
		{"valid", validPayload(), false},
		{"missing event_type", map[string]any{"tg": map[string]any{"chat_id": 1}}, true},
		{"empty event_type", map[string]any{"event_type": ""}, true},
		{"non-string event_type", map[string]any{"event_type": 7}, true},
		{"non-integer chat_id", map[string]any{
			"event_type": "tg_message",
			"tg":         map[string]any{"chat_id": "five hundred"},
		}, true},
		{"minimal", map[string]any{"event_type": "cron_tick"}, false},
		{"command", map[string]any{
			"event_type": "command",
			"tg":         map[string]any{"tg_id": 42, "chat_id": 500},
			"command":    map[string]any{"name": "stop", "task_id": 7, "text": "/stop 7"},
		}, false},
		{"string command", map[string]any{
			"event_type": "command",
			"command":    "/stop 7",
		}, true},
		{"non-integer command task_id", map[string]any{
			"event_type": "command",
			"command":    map[string]any{"name": "stop", "task_id": "seven"},
		}, true},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Ingest(ctx, "tg", "upd-"+tc.name, tc.payload)
			if tc.wantErr && err == nil {
				t.Fatalf("case %d: expected schema rejection", i)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("case %d: unexpected error: %v", i, err)
			}
		})
	}
}

func TestIngest_RequiresIdentity(t *testing.T) {
	svc := newTestService(t, nil)
	if _, _, err := svc.Ingest(context.Background(), "", "upd-1", validPayload()); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, _, err := svc.Ingest(context.Background(), "tg", "", validPayload()); err == nil {
		t.Fatal("expected error for empty external_id")
	}
}

func TestIngest_PublishesBusEvent(t *testing.T) {
	b := bus.New()
	svc := newTestService(t, b)
	sub := b.Subscribe(bus.TopicEventIngested)
	defer b.Unsubscribe(sub)

	id, _, err := svc.Ingest(context.Background(), "tg", "upd-1", validPayload())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.IngestEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.EventID != id || payload.Source != "tg" || payload.Duplicate {
			t.Fatalf("unexpected bus payload %+v", payload)
		}
	default:
		t.Fatal("expected a bus event")
	}
}
