package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message kinds. One per notification family; part of every ledger
// correlation key and every claim row.
const (
	MessageKindWaitingUser  = "waiting_user"
	MessageKindCodegen      = "codegen"
	MessageKindReviewNeeded = "review_needed"
	MessageKindFinal        = "final"
	MessageKindFailed       = "failed"
	MessageKindStopped      = "stopped"
	MessageKindLLMRequeue   = "llm_requeue"
	MessageKindSendToUser   = "send_to_user"
)

// ErrClaimLost is returned when another worker claimed the candidate row
// between selection and claim acquisition.
var ErrClaimLost = errors.New("work claim lost to concurrent worker")

// Claim is a held lease on (task, message kind). SQLite has no
// SELECT ... FOR UPDATE SKIP LOCKED, so a live claim row is what makes a task
// invisible to concurrent selectors; expired claims are overwritable, which
// is the whole crash story.
type Claim struct {
	TaskID      int64
	MessageKind string
	ClaimedBy   string
	ExpiresAt   time.Time
}

// ClaimedTask is one unit of notification work: the task, the correlation id
// for its ledger key, and the lease that was acquired.
type ClaimedTask struct {
	TaskID          int64
	Title           string
	Status          TaskStatus
	TransitionID    *int64
	LLMRequestID    *int64
	CodegenDetailID *int64
	Claim           Claim
}

// WorkSelector runs the per-kind eligibility queries and acquires claims on
// behalf of one worker identity.
type WorkSelector struct {
	store          *Store
	owner          string
	messageVersion int
	lease          time.Duration
}

func (s *Store) NewWorkSelector(owner string, messageVersion int, lease time.Duration) *WorkSelector {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &WorkSelector{store: s, owner: owner, messageVersion: messageVersion, lease: lease}
}

// noLiveClaim hides tasks another worker currently holds.
// Placeholders: message_kind, now.
const noLiveClaim = `NOT EXISTS (
	SELECT 1 FROM notify_claims c
	WHERE c.task_id = t.id AND c.message_kind = ? AND c.expires_at > ?)`

// ledgerSettled hides correlation keys whose latest ledger entry is sent,
// terminally failed, or retryable but not yet due. A retryable entry with no
// schedule counts as due immediately.
// Placeholders: message_kind, message_version, now.
func ledgerSettled(corrField, corrExpr string) string {
	return `NOT EXISTS (
	SELECT 1 FROM task_details led
	WHERE led.task_id = t.id
	  AND led.kind = 'tg_delivery'
	  AND json_extract(led.content, '$.message_kind') = ?
	  AND json_extract(led.content, '$.message_version') = ?
	  AND json_extract(led.content, '$.` + corrField + `') IS ` + corrExpr + `
	  AND (json_extract(led.content, '$.status') = 'sent'
	       OR json_extract(led.content, '$.retryable') = 0
	       OR COALESCE(json_extract(led.content, '$.next_attempt_at'), '') > ?))`
}

// activeLLMRequestExpr resolves the llm_request_id the current WAITING_USER
// pause belongs to: the newest llm_result or waiting_user_reason wins, so a
// second clarify round re-arms the notification. Internal review passes
// (purpose question_review) are invisible here, matching LatestLLMResult.
const activeLLMRequestExpr = `(
	SELECT json_extract(d.content, '$.llm_request_id')
	FROM task_details d
	WHERE d.task_id = t.id AND d.kind IN ('llm_result', 'waiting_user_reason')
	  AND COALESCE(json_extract(d.content, '$.purpose'), '') != 'question_review'
	ORDER BY d.id DESC LIMIT 1)`

// latestTransitionJoin binds tr to the newest transition into the task's
// current status, which is the transition the notification correlates to.
const latestTransitionJoin = `JOIN task_transitions tr ON tr.id = (
	SELECT MAX(x.id) FROM task_transitions x
	WHERE x.task_id = t.id AND x.to_status = t.status)`

type corrKind int

const (
	corrTransition corrKind = iota
	corrLLMRequest
	corrCodegenDetail
)

// ClaimWaitingUser selects one WAITING_USER task whose active clarify round
// has not been notified yet.
func (w *WorkSelector) ClaimWaitingUser(ctx context.Context) (*ClaimedTask, error) {
	query := `
		SELECT t.id, t.title, t.status, ` + activeLLMRequestExpr + `
		FROM tasks t
		WHERE t.status = ?
		  AND ` + noLiveClaim + `
		  AND ` + ledgerSettled("llm_request_id", activeLLMRequestExpr) + `
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT 1;`
	now := time.Now()
	nowStr := formatTime(now)
	args := []any{
		string(StatusWaitingUser),
		MessageKindWaitingUser, nowStr,
		MessageKindWaitingUser, w.messageVersion, nowStr,
	}
	return w.claimNext(ctx, MessageKindWaitingUser, corrLLMRequest, now, query, args)
}

// ClaimCodegen selects one task whose newest codegen_result has not been
// notified yet. Codegen notifications are status-independent.
func (w *WorkSelector) ClaimCodegen(ctx context.Context) (*ClaimedTask, error) {
	query := `
		SELECT t.id, t.title, t.status, cd.id
		FROM tasks t
		JOIN task_details cd ON cd.id = (
			SELECT MAX(x.id) FROM task_details x
			WHERE x.task_id = t.id AND x.kind = 'codegen_result')
		WHERE ` + noLiveClaim + `
		  AND ` + ledgerSettled("codegen_detail_id", "cd.id") + `
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT 1;`
	now := time.Now()
	nowStr := formatTime(now)
	args := []any{
		MessageKindCodegen, nowStr,
		MessageKindCodegen, w.messageVersion, nowStr,
	}
	return w.claimNext(ctx, MessageKindCodegen, corrCodegenDetail, now, query, args)
}

// ClaimNeedsReview selects one question task sitting in NEEDS_REVIEW whose
// latest transition there has not been notified yet.
func (w *WorkSelector) ClaimNeedsReview(ctx context.Context) (*ClaimedTask, error) {
	query := `
		SELECT t.id, t.title, t.status, tr.id
		FROM tasks t
		` + latestTransitionJoin + `
		WHERE t.status = ?
		  AND EXISTS (
			SELECT 1 FROM task_details d
			WHERE d.task_id = t.id AND d.kind = 'raw_input'
			  AND json_extract(d.content, '$.kind') = 'question')
		  AND ` + noLiveClaim + `
		  AND ` + ledgerSettled("transition_id", "tr.id") + `
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT 1;`
	now := time.Now()
	nowStr := formatTime(now)
	args := []any{
		string(StatusNeedsReview),
		MessageKindReviewNeeded, nowStr,
		MessageKindReviewNeeded, w.messageVersion, nowStr,
	}
	return w.claimNext(ctx, MessageKindReviewNeeded, corrTransition, now, query, args)
}

// ClaimDone selects one DONE task whose final notification is outstanding.
func (w *WorkSelector) ClaimDone(ctx context.Context) (*ClaimedTask, error) {
	return w.claimByStatusTransition(ctx, StatusDone, MessageKindFinal)
}

// ClaimFailed selects one FAILED task whose notification is outstanding.
func (w *WorkSelector) ClaimFailed(ctx context.Context) (*ClaimedTask, error) {
	return w.claimByStatusTransition(ctx, StatusFailed, MessageKindFailed)
}

// ClaimStopped selects one STOPPED_BY_USER task whose notification is
// outstanding.
func (w *WorkSelector) ClaimStopped(ctx context.Context) (*ClaimedTask, error) {
	return w.claimByStatusTransition(ctx, StatusStoppedByUser, MessageKindStopped)
}

// ClaimSendToUser selects one task parked in the legacy SEND_TO_USER status.
func (w *WorkSelector) ClaimSendToUser(ctx context.Context) (*ClaimedTask, error) {
	return w.claimByStatusTransition(ctx, StatusSendToUser, MessageKindSendToUser)
}

func (w *WorkSelector) claimByStatusTransition(ctx context.Context, status TaskStatus, kind string) (*ClaimedTask, error) {
	query := `
		SELECT t.id, t.title, t.status, tr.id
		FROM tasks t
		` + latestTransitionJoin + `
		WHERE t.status = ?
		  AND ` + noLiveClaim + `
		  AND ` + ledgerSettled("transition_id", "tr.id") + `
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT 1;`
	now := time.Now()
	nowStr := formatTime(now)
	args := []any{
		string(status),
		kind, nowStr,
		kind, w.messageVersion, nowStr,
	}
	return w.claimNext(ctx, kind, corrTransition, now, query, args)
}

// ClaimLLMRequeue selects one task whose newest llm_requeue marker has not
// been notified for its llm_request_id yet.
func (w *WorkSelector) ClaimLLMRequeue(ctx context.Context) (*ClaimedTask, error) {
	const requeueIDExpr = `json_extract(rq.content, '$.llm_request_id')`
	query := `
		SELECT t.id, t.title, t.status, ` + requeueIDExpr + `
		FROM tasks t
		JOIN task_details rq ON rq.id = (
			SELECT MAX(x.id) FROM task_details x
			WHERE x.task_id = t.id AND x.kind = 'llm_requeue')
		WHERE ` + noLiveClaim + `
		  AND ` + ledgerSettled("llm_request_id", requeueIDExpr) + `
		ORDER BY t.updated_at ASC, t.id ASC
		LIMIT 1;`
	now := time.Now()
	nowStr := formatTime(now)
	args := []any{
		MessageKindLLMRequeue, nowStr,
		MessageKindLLMRequeue, w.messageVersion, nowStr,
	}
	return w.claimNext(ctx, MessageKindLLMRequeue, corrLLMRequest, now, query, args)
}

// claimNext runs one candidate query and, when it yields a row, acquires the
// lease in the same transaction. At most one row per call.
func (w *WorkSelector) claimNext(ctx context.Context, kind string, corr corrKind, now time.Time, query string, args []any) (*ClaimedTask, error) {
	var claimed *ClaimedTask
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := w.store.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var (
			taskID int64
			title  string
			status TaskStatus
			corrID sql.NullInt64
		)
		err = tx.QueryRowContext(ctx, query, args...).Scan(&taskID, &title, &status, &corrID)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return err
		}

		expires := now.Add(w.lease)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO notify_claims (task_id, message_kind, claimed_by, claimed_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (task_id, message_kind) DO UPDATE SET
				claimed_by = excluded.claimed_by,
				claimed_at = excluded.claimed_at,
				expires_at = excluded.expires_at
			WHERE notify_claims.expires_at <= excluded.claimed_at;
		`, taskID, kind, w.owner, formatTime(now), formatTime(expires))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrClaimLost
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		claimed = &ClaimedTask{
			TaskID: taskID,
			Title:  title,
			Status: status,
			Claim: Claim{
				TaskID:      taskID,
				MessageKind: kind,
				ClaimedBy:   w.owner,
				ExpiresAt:   expires,
			},
		}
		if corrID.Valid {
			id := corrID.Int64
			switch corr {
			case corrTransition:
				claimed.TransitionID = &id
			case corrLLMRequest:
				claimed.LLMRequestID = &id
			case corrCodegenDetail:
				claimed.CodegenDetailID = &id
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return nil, ErrClaimLost
		}
		return nil, fmt.Errorf("claim %s work: %w", kind, err)
	}
	return claimed, nil
}

// ReleaseClaim drops a held lease without writing a ledger entry. Used when
// processing aborts before any send attempt; the task becomes selectable
// again immediately.
func (s *Store) ReleaseClaim(ctx context.Context, claim Claim) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			DELETE FROM notify_claims WHERE task_id = ? AND message_kind = ? AND claimed_by = ?;
		`, claim.TaskID, claim.MessageKind, claim.ClaimedBy)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}
