package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delivery ledger. Every send attempt for a notification appends one
// tg_delivery row to task_details; the newest row per correlation key is the
// authoritative delivery state. Nothing here is ever updated in place.

const (
	DeliveryStatusSent   = "sent"
	DeliveryStatusFailed = "failed"

	// DeliveryChannelTG is the only outbound channel today.
	DeliveryChannelTG = "tg"
)

// DeliveryEntry is the content of one tg_delivery ledger row. Timestamps are
// RFC3339 UTC strings so next_attempt_at comparisons work lexically in SQL.
type DeliveryEntry struct {
	Worker            string `json:"worker"`
	Channel           string `json:"channel"`
	TaskID            int64  `json:"task_id"`
	ToStatus          string `json:"to_status,omitempty"`
	TransitionID      *int64 `json:"transition_id,omitempty"`
	LLMRequestID      *int64 `json:"llm_request_id,omitempty"`
	CodegenDetailID   *int64 `json:"codegen_detail_id,omitempty"`
	MessageKind       string `json:"message_kind"`
	MessageVersion    int    `json:"message_version"`
	Status            string `json:"status"`
	AttemptNo         int    `json:"attempt_no"`
	Retryable         bool   `json:"retryable"`
	Error             string `json:"error,omitempty"`
	ChatID            *int64 `json:"chat_id,omitempty"`
	TelegramMessageID *int64 `json:"telegram_message_id,omitempty"`
	FirstAttemptAt    string `json:"first_attempt_at"`
	LastAttemptAt     string `json:"last_attempt_at"`
	NextAttemptAt     string `json:"next_attempt_at,omitempty"`
}

// Sent reports a successful delivery.
func (e *DeliveryEntry) Sent() bool {
	return e != nil && e.Status == DeliveryStatusSent
}

// Terminal reports a failure that must not be retried.
func (e *DeliveryEntry) Terminal() bool {
	return e != nil && e.Status == DeliveryStatusFailed && !e.Retryable
}

// FirstAttemptTime parses first_attempt_at; zero time when absent or invalid.
func (e *DeliveryEntry) FirstAttemptTime() time.Time {
	if e == nil || e.FirstAttemptAt == "" {
		return time.Time{}
	}
	t, err := parseTime(e.FirstAttemptAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Correlation identifies one logical notification. Exactly one of the three
// id fields is normally set, depending on the message kind; all-nil matches
// kind+version alone (data-incomplete terminal entries).
type Correlation struct {
	MessageKind     string
	MessageVersion  int
	TransitionID    *int64
	LLMRequestID    *int64
	CodegenDetailID *int64
}

// LatestDeliveryAttempt returns the newest ledger entry for the correlation
// key, or nil when the notification has never been attempted.
func (s *Store) LatestDeliveryAttempt(ctx context.Context, taskID int64, corr Correlation) (*DeliveryEntry, error) {
	where := []string{
		"task_id = ?",
		"kind = 'tg_delivery'",
		"json_extract(content, '$.channel') = 'tg'",
		"json_extract(content, '$.message_kind') = ?",
		"json_extract(content, '$.message_version') = ?",
	}
	args := []any{taskID, corr.MessageKind, corr.MessageVersion}
	if corr.TransitionID != nil {
		where = append(where, "CAST(json_extract(content, '$.transition_id') AS INTEGER) = ?")
		args = append(args, *corr.TransitionID)
	}
	if corr.LLMRequestID != nil {
		where = append(where, "CAST(json_extract(content, '$.llm_request_id') AS INTEGER) = ?")
		args = append(args, *corr.LLMRequestID)
	}
	if corr.CodegenDetailID != nil {
		where = append(where, "CAST(json_extract(content, '$.codegen_detail_id') AS INTEGER) = ?")
		args = append(args, *corr.CodegenDetailID)
	}

	query := "SELECT content FROM task_details WHERE " + strings.Join(where, " AND ") +
		" ORDER BY id DESC LIMIT 1;"

	var content string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest delivery attempt: %w", err)
	}
	var entry DeliveryEntry
	if err := json.Unmarshal([]byte(content), &entry); err != nil {
		return nil, fmt.Errorf("decode delivery entry: %w", err)
	}
	return &entry, nil
}

// FinishDelivery appends the ledger entry and releases the claim in one
// transaction, so a crash can never leave the attempt recorded but the task
// still claimed, or vice versa.
func (s *Store) FinishDelivery(ctx context.Context, claim Claim, entry *DeliveryEntry) (int64, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal delivery entry: %w", err)
	}

	var detailID int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		res, txErr := tx.ExecContext(ctx, `
			INSERT INTO task_details (task_id, kind, content) VALUES (?, 'tg_delivery', ?);
		`, entry.TaskID, string(raw))
		if txErr != nil {
			return txErr
		}
		detailID, txErr = res.LastInsertId()
		if txErr != nil {
			return txErr
		}

		if _, txErr := tx.ExecContext(ctx, `
			DELETE FROM notify_claims WHERE task_id = ? AND message_kind = ? AND claimed_by = ?;
		`, claim.TaskID, claim.MessageKind, claim.ClaimedBy); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("finish delivery: %w", err)
	}
	return detailID, nil
}

// RescheduleDeliveryAttempt rewrites next_attempt_at on an existing ledger
// row. Ops escape hatch to force (or delay) the next retry of a stuck
// notification without touching the journal shape.
func (s *Store) RescheduleDeliveryAttempt(ctx context.Context, detailID int64, nextAttemptAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE task_details
			SET content = json_set(content, '$.next_attempt_at', ?)
			WHERE id = ? AND kind = 'tg_delivery';
		`, formatTime(nextAttemptAt), detailID)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if affected == 0 {
			return fmt.Errorf("delivery entry %d not found", detailID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule delivery attempt: %w", err)
	}
	return nil
}
