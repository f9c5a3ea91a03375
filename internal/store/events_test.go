package store

import (
	"context"
	"testing"
)

func tgPayload(externalText string) map[string]any {
	return map[string]any{
		"event_type": "tg_message",
		"tg":         map[string]any{"tg_id": float64(42), "chat_id": float64(500), "message_id": float64(7)},
		"request":    map[string]any{"kind": "question", "text": externalText},
	}
}

func TestInsertEvent_DedupBySourceExternalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, inserted, err := s.InsertEvent(ctx, "tg", "upd-1", tgPayload("why?"))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to create a row")
	}

	id2, inserted, err := s.InsertEvent(ctx, "tg", "upd-1", tgPayload("why?"))
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate to be ignored")
	}
	if id1 != id2 {
		t.Fatalf("duplicate returned id %d, want surviving id %d", id2, id1)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event row, got %d", count)
	}

	// Same external id from a different source is a distinct event.
	id3, inserted, err := s.InsertEvent(ctx, "webhook", "upd-1", tgPayload("why?"))
	if err != nil {
		t.Fatalf("other source insert: %v", err)
	}
	if !inserted || id3 == id1 {
		t.Fatalf("expected distinct row for other source, got id=%d inserted=%t", id3, inserted)
	}
}

func TestInsertEvent_DenormalizesPayloadFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.InsertEvent(ctx, "tg", "upd-2", tgPayload("hello"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.EventType != "tg_message" {
		t.Fatalf("event_type = %q", ev.EventType)
	}
	if ev.TGID == nil || *ev.TGID != 42 {
		t.Fatalf("tg_id = %v, want 42", ev.TGID)
	}
	if ev.ChatID == nil || *ev.ChatID != 500 {
		t.Fatalf("chat_id = %v, want 500", ev.ChatID)
	}
	if ev.RequestKind != "question" {
		t.Fatalf("request_kind = %q", ev.RequestKind)
	}
	if len(ev.PayloadHash) != 64 {
		t.Fatalf("payload_hash = %q, want 64 hex chars", ev.PayloadHash)
	}
}

func TestCanonicalPayload_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalPayload(map[string]any{"b": 1, "a": map[string]any{"y": 2, "x": 3}})
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	b, err := CanonicalPayload(map[string]any{"a": map[string]any{"x": 3, "y": 2}, "b": 1})
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if string(a) != `{"a":{"x":3,"y":2},"b":1}` {
		t.Fatalf("unexpected canonical form: %s", a)
	}
}

func TestCanonicalPayload_KeepsHTMLCharsLiteral(t *testing.T) {
	got, err := CanonicalPayload(map[string]any{"text": "a < b && c > d"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"text":"a < b && c > d"}` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestInsertEvent_RejectsNonCanonicalizablePayload(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.InsertEvent(context.Background(), "tg", "upd-3", map[string]any{
		"bad": make(chan int),
	})
	if err == nil {
		t.Fatal("expected canonicalization error")
	}
}
