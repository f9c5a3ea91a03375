package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskherald/internal/store"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

// fakeSender records sends and can be primed with per-call errors.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	errs []error
}

func (f *fakeSender) Name() string { return "tg" }

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return int64(len(f.sent)), nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openNotifyStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestDeliverer(st *store.Store, sender *fakeSender, maxAttempts int) *Deliverer {
	return NewDeliverer(st, sender, testLogger(), nil, nil,
		"taskherald_notify_worker", 1, maxAttempts, 24*time.Hour)
}

func TestBackoffSeconds(t *testing.T) {
	tests := []struct{ attempt, want int }{
		{0, 10}, {1, 10}, {2, 30}, {3, 120}, {4, 300}, {5, 900}, {6, 3600}, {7, 3600}, {50, 3600},
	}
	for _, tc := range tests {
		if got := backoffSeconds(tc.attempt); got != tc.want {
			t.Fatalf("backoffSeconds(%d) = %d, want %d", tc.attempt, got, tc.want)
		}
	}
}

func TestShouldStopRetrying(t *testing.T) {
	d := newTestDeliverer(nil, nil, 10)
	now := time.Now()

	if d.shouldStopRetrying(9, now, now) {
		t.Fatal("below both caps must not stop")
	}
	if !d.shouldStopRetrying(10, now, now) {
		t.Fatal("attempt cap must stop")
	}
	if !d.shouldStopRetrying(2, now.Add(-25*time.Hour), now) {
		t.Fatal("window cap must stop")
	}

	d.maxRetryWindow = 0
	if d.shouldStopRetrying(2, now.Add(-1000*time.Hour), now) {
		t.Fatal("window 0 disables the time cap")
	}
}

func seedWorkTask(t *testing.T, st *store.Store, status store.TaskStatus, chatID int64) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	taskID, err := st.CreateTask(ctx, nil, "test task", store.StatusRunning)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	raw := store.RawInput{Kind: "task", Text: "do the thing"}
	if chatID != 0 {
		raw.TG = &store.TGRef{ChatID: chatID}
	}
	if _, err := st.AppendDetail(ctx, taskID, store.DetailRawInput, raw); err != nil {
		t.Fatalf("append raw_input: %v", err)
	}
	trID, err := st.SetTaskStatus(ctx, taskID, status, nil, "seed")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	return taskID, trID
}

func TestDeliver_MissingDataIsTerminal(t *testing.T) {
	st := openNotifyStore(t)
	ctx := context.Background()
	taskID, trID := seedWorkTask(t, st, store.StatusDone, 0)
	sender := &fakeSender{}
	d := newTestDeliverer(st, sender, 10)

	entry, err := d.Deliver(ctx, store.Claim{TaskID: taskID, MessageKind: store.MessageKindFinal, ClaimedBy: "w"}, Delivery{
		TaskID:       taskID,
		MessageKind:  store.MessageKindFinal,
		TransitionID: &trID,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !entry.Terminal() || entry.Error != "missing chat_id/text" {
		t.Fatalf("expected terminal missing-data entry, got %+v", entry)
	}
	if len(sender.messages()) != 0 {
		t.Fatal("no send attempt for incomplete data")
	}
}

func TestDeliver_RetryableFailureSchedulesBackoff(t *testing.T) {
	st := openNotifyStore(t)
	ctx := context.Background()
	taskID, trID := seedWorkTask(t, st, store.StatusDone, 500)
	sender := &fakeSender{errs: []error{errors.New("dial tcp: i/o timeout")}}
	d := newTestDeliverer(st, sender, 10)

	fixed := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	chat := int64(500)
	claim := store.Claim{TaskID: taskID, MessageKind: store.MessageKindFinal, ClaimedBy: "w"}
	entry, err := d.Deliver(ctx, claim, Delivery{
		TaskID:       taskID,
		MessageKind:  store.MessageKindFinal,
		TransitionID: &trID,
		ChatID:       &chat,
		Text:         "hello",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !entry.Retryable || entry.AttemptNo != 1 {
		t.Fatalf("expected retryable attempt 1, got %+v", entry)
	}
	wantNext := formatLedgerTime(fixed.Add(10 * time.Second))
	if entry.NextAttemptAt != wantNext {
		t.Fatalf("next_attempt_at = %q, want %q", entry.NextAttemptAt, wantNext)
	}

	// Second attempt succeeds, chains attempt_no, keeps first_attempt_at.
	later := fixed.Add(15 * time.Second)
	d.now = func() time.Time { return later }
	entry2, err := d.Deliver(ctx, claim, Delivery{
		TaskID:       taskID,
		MessageKind:  store.MessageKindFinal,
		TransitionID: &trID,
		ChatID:       &chat,
		Text:         "hello",
	})
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if !entry2.Sent() || entry2.AttemptNo != 2 {
		t.Fatalf("expected sent attempt 2, got %+v", entry2)
	}
	if entry2.FirstAttemptAt != entry.FirstAttemptAt {
		t.Fatalf("first_attempt_at changed: %q vs %q", entry2.FirstAttemptAt, entry.FirstAttemptAt)
	}
}

func TestDeliver_PermanentFailureIsTerminal(t *testing.T) {
	st := openNotifyStore(t)
	ctx := context.Background()
	taskID, trID := seedWorkTask(t, st, store.StatusDone, 500)
	sender := &fakeSender{errs: []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}}
	d := newTestDeliverer(st, sender, 10)

	chat := int64(500)
	entry, err := d.Deliver(ctx, store.Claim{TaskID: taskID, MessageKind: store.MessageKindFinal, ClaimedBy: "w"}, Delivery{
		TaskID:       taskID,
		MessageKind:  store.MessageKindFinal,
		TransitionID: &trID,
		ChatID:       &chat,
		Text:         "hello",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !entry.Terminal() || entry.NextAttemptAt != "" {
		t.Fatalf("expected terminal entry without schedule, got %+v", entry)
	}
}

func TestDeliver_RetryCapFlipsTerminal(t *testing.T) {
	st := openNotifyStore(t)
	ctx := context.Background()
	taskID, trID := seedWorkTask(t, st, store.StatusDone, 500)
	sender := &fakeSender{errs: []error{
		errors.New("timeout"),
		errors.New("timeout"),
	}}
	d := newTestDeliverer(st, sender, 2)

	chat := int64(500)
	claim := store.Claim{TaskID: taskID, MessageKind: store.MessageKindFinal, ClaimedBy: "w"}
	del := Delivery{
		TaskID:       taskID,
		MessageKind:  store.MessageKindFinal,
		TransitionID: &trID,
		ChatID:       &chat,
		Text:         "hello",
	}

	entry, err := d.Deliver(ctx, claim, del)
	if err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if !entry.Retryable {
		t.Fatalf("attempt 1 of 2 must stay retryable, got %+v", entry)
	}

	entry, err = d.Deliver(ctx, claim, del)
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if !entry.Terminal() {
		t.Fatalf("attempt 2 of 2 must be terminal, got %+v", entry)
	}
	if entry.Error != "timeout (retry cap reached)" {
		t.Fatalf("error = %q, want retry cap suffix", entry.Error)
	}
}
