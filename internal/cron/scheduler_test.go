package cron

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskherald/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 27, 2, 0, 0, 0, time.UTC)
	next, err := NextRunTime("17 3 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 27, 3, 17, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTick_FiresOnlyWhenDue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Seed an old event eligible for pruning.
	if _, err := st.DB().Exec(`
		INSERT INTO events (source, external_id, payload, payload_hash, created_at)
		VALUES ('tg', 'old-1', '{}', 'x', datetime('now', '-200 days'));
	`); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	s := NewScheduler(Config{
		Store:      st,
		Logger:     testLogger(),
		CronExpr:   "17 3 * * *",
		EventsDays: 90,
	})
	s.nextRun = time.Now().Add(time.Hour)

	// Not due: nothing pruned.
	s.tick(ctx, time.Now())
	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("premature sweep: %d events remain", count)
	}

	// Due: the sweep runs and next_run advances.
	s.nextRun = time.Now().Add(-time.Minute)
	s.tick(ctx, time.Now())
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected old event pruned, %d remain", count)
	}
	if !s.nextRun.After(time.Now()) {
		t.Fatalf("next_run not advanced: %v", s.nextRun)
	}
}

func TestStart_InvalidCronDisablesSweeps(t *testing.T) {
	s := NewScheduler(Config{
		Store:    openTestStore(t),
		Logger:   testLogger(),
		CronExpr: "definitely not cron",
	})
	s.Start(context.Background())
	// Start returned without launching the loop; Stop must not hang.
	s.Stop()
}
