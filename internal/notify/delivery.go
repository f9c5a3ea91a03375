package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskherald/internal/bus"
	"github.com/basket/taskherald/internal/channels"
	appotel "github.com/basket/taskherald/internal/otel"
	"github.com/basket/taskherald/internal/store"
)

// backoffSchedule is the retry spacing in seconds; attempts past the end of
// the schedule reuse the last value.
var backoffSchedule = []int{10, 30, 120, 300, 900, 3600}

func backoffSeconds(attemptNo int) int {
	if attemptNo < 1 {
		attemptNo = 1
	}
	idx := attemptNo - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Delivery is one outbound notification to record in the ledger. ChatID nil
// or empty Text means the task data is incomplete; that is recorded as an
// immediate terminal failure rather than retried.
type Delivery struct {
	TaskID          int64
	MessageKind     string
	ToStatus        string
	TransitionID    *int64
	LLMRequestID    *int64
	CodegenDetailID *int64
	ChatID          *int64
	Text            string
}

// Deliverer executes send attempts and owns the retry state machine. Every
// attempt, successful or not, appends exactly one ledger entry and releases
// the claim in the same transaction.
type Deliverer struct {
	store   *store.Store
	sender  channels.Sender
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *appotel.Metrics

	worker         string
	messageVersion int
	maxAttempts    int
	maxRetryWindow time.Duration

	now func() time.Time
}

// NewDeliverer wires a deliverer. bus and metrics may be nil (tests).
func NewDeliverer(st *store.Store, sender channels.Sender, logger *slog.Logger, b *bus.Bus, m *appotel.Metrics,
	worker string, messageVersion, maxAttempts int, maxRetryWindow time.Duration) *Deliverer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Deliverer{
		store:          st,
		sender:         sender,
		logger:         logger,
		bus:            b,
		metrics:        m,
		worker:         worker,
		messageVersion: messageVersion,
		maxAttempts:    maxAttempts,
		maxRetryWindow: maxRetryWindow,
		now:            time.Now,
	}
}

// shouldStopRetrying caps retries by attempt count and by wall-clock window
// since the first attempt. A window of 0 disables the time cap.
func (d *Deliverer) shouldStopRetrying(attemptNo int, firstAttempt, now time.Time) bool {
	if attemptNo >= d.maxAttempts {
		return true
	}
	if d.maxRetryWindow <= 0 || firstAttempt.IsZero() {
		return false
	}
	return now.Sub(firstAttempt) >= d.maxRetryWindow
}

// Deliver runs one attempt for the delivery and records its outcome. The
// returned entry tells the caller whether the message went out, will be
// retried, or failed for good.
func (d *Deliverer) Deliver(ctx context.Context, claim store.Claim, del Delivery) (*store.DeliveryEntry, error) {
	prev, err := d.store.LatestDeliveryAttempt(ctx, del.TaskID, store.Correlation{
		MessageKind:     del.MessageKind,
		MessageVersion:  d.messageVersion,
		TransitionID:    del.TransitionID,
		LLMRequestID:    del.LLMRequestID,
		CodegenDetailID: del.CodegenDetailID,
	})
	if err != nil {
		return nil, err
	}

	attemptNo := 1
	now := d.now()
	firstAttempt := now
	if prev != nil {
		attemptNo = prev.AttemptNo + 1
		if t := prev.FirstAttemptTime(); !t.IsZero() {
			firstAttempt = t
		}
	}

	entry := &store.DeliveryEntry{
		Worker:          d.worker,
		Channel:         d.sender.Name(),
		TaskID:          del.TaskID,
		ToStatus:        del.ToStatus,
		TransitionID:    del.TransitionID,
		LLMRequestID:    del.LLMRequestID,
		CodegenDetailID: del.CodegenDetailID,
		MessageKind:     del.MessageKind,
		MessageVersion:  d.messageVersion,
		Status:          store.DeliveryStatusSent,
		AttemptNo:       attemptNo,
		ChatID:          del.ChatID,
		FirstAttemptAt:  formatLedgerTime(firstAttempt),
		LastAttemptAt:   formatLedgerTime(now),
	}

	if del.ChatID == nil || del.Text == "" {
		entry.Status = store.DeliveryStatusFailed
		entry.Retryable = false
		entry.Error = "missing chat_id/text"
	} else {
		msgID, sendErr := d.sender.Send(ctx, *del.ChatID, del.Text)
		if sendErr != nil {
			entry.Status = store.DeliveryStatusFailed
			entry.Retryable = !channels.IsPermanent(sendErr)
			entry.Error = sendErr.Error()
			if entry.Retryable && d.shouldStopRetrying(attemptNo, firstAttempt, now) {
				entry.Retryable = false
				entry.Error = entry.Error + " (retry cap reached)"
			}
			if entry.Retryable {
				entry.NextAttemptAt = formatLedgerTime(now.Add(time.Duration(backoffSeconds(attemptNo)) * time.Second))
			}
		} else {
			entry.TelegramMessageID = &msgID
		}
	}

	if _, err := d.store.FinishDelivery(ctx, claim, entry); err != nil {
		return nil, fmt.Errorf("record %s delivery for task %d: %w", del.MessageKind, del.TaskID, err)
	}
	d.report(ctx, entry)
	return entry, nil
}

// report logs the outcome and fans it out to metrics and the ops bus.
func (d *Deliverer) report(ctx context.Context, entry *store.DeliveryEntry) {
	attrs := metric.WithAttributes(attribute.String("message_kind", entry.MessageKind))
	var chatID int64
	if entry.ChatID != nil {
		chatID = *entry.ChatID
	}
	ev := bus.DeliveryEvent{
		TaskID:      entry.TaskID,
		MessageKind: entry.MessageKind,
		AttemptNo:   entry.AttemptNo,
		ChatID:      chatID,
		Error:       entry.Error,
	}

	switch {
	case entry.Sent():
		d.logger.Info("notification sent",
			"task_id", entry.TaskID, "message_kind", entry.MessageKind,
			"chat_id", chatID, "attempt_no", entry.AttemptNo)
		if d.metrics != nil {
			d.metrics.NotifySent.Add(ctx, 1, attrs)
		}
		if d.bus != nil {
			d.bus.Publish(bus.TopicNotifySent, ev)
		}
	case entry.Retryable:
		d.logger.Warn("notification send failed, will retry",
			"task_id", entry.TaskID, "message_kind", entry.MessageKind,
			"attempt_no", entry.AttemptNo, "next_attempt_at", entry.NextAttemptAt,
			"error", entry.Error)
		if d.metrics != nil {
			d.metrics.NotifyRetried.Add(ctx, 1, attrs)
		}
		if d.bus != nil {
			d.bus.Publish(bus.TopicNotifyRetrying, ev)
		}
	default:
		d.logger.Error("notification failed terminally",
			"task_id", entry.TaskID, "message_kind", entry.MessageKind,
			"attempt_no", entry.AttemptNo, "error", entry.Error)
		if d.metrics != nil {
			d.metrics.NotifyFailed.Add(ctx, 1, attrs)
		}
		if d.bus != nil {
			d.bus.Publish(bus.TopicNotifyTerminal, ev)
		}
	}
}

// formatLedgerTime matches the store's timestamp format so ledger comparisons
// in selector SQL stay lexical.
func formatLedgerTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
