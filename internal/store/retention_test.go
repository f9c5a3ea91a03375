package store

import (
	"context"
	"testing"
)

func TestRunRetention_KeepsPendingDeliveries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID, _ := seedTask(t, s, "t", StatusDone)

	// Two old ledger rows: one settled, one still retryable.
	if _, err := s.DB().Exec(`
		INSERT INTO task_details (task_id, kind, content, created_at)
		VALUES (?, 'tg_delivery', '{"status":"sent","retryable":false}', datetime('now', '-200 days'));
	`, taskID); err != nil {
		t.Fatalf("seed settled: %v", err)
	}
	if _, err := s.DB().Exec(`
		INSERT INTO task_details (task_id, kind, content, created_at)
		VALUES (?, 'tg_delivery', '{"status":"failed","retryable":true}', datetime('now', '-200 days'));
	`, taskID); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	result, err := s.RunRetention(ctx, 0, 90)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.Deliveries != 1 {
		t.Fatalf("deliveries pruned = %d, want 1", result.Deliveries)
	}

	var remaining string
	err = s.DB().QueryRow(`SELECT content FROM task_details WHERE kind = 'tg_delivery';`).Scan(&remaining)
	if err != nil {
		t.Fatalf("read survivor: %v", err)
	}
	if remaining != `{"status":"failed","retryable":true}` {
		t.Fatalf("wrong survivor: %s", remaining)
	}
}

func TestRunRetention_ZeroDisablesCategory(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.DB().Exec(`
		INSERT INTO events (source, external_id, payload, payload_hash, created_at)
		VALUES ('tg', 'old', '{}', 'x', datetime('now', '-500 days'));
	`); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	result, err := s.RunRetention(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.Events != 0 || result.Deliveries != 0 {
		t.Fatalf("disabled categories pruned rows: %+v", result)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatal("event pruned despite retention disabled")
	}
}
