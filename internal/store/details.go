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

// DetailKind names a row type in the append-only task_details journal. The
// registry is closed: appends with an unknown kind are rejected.
type DetailKind string

const (
	DetailRawInput          DetailKind = "raw_input"
	DetailLLMResult         DetailKind = "llm_result"
	DetailWaitingUserReason DetailKind = "waiting_user_reason"
	DetailCodegenResult     DetailKind = "codegen_result"
	DetailLLMRequeue        DetailKind = "llm_requeue"
	DetailTGDelivery        DetailKind = "tg_delivery"
)

// ErrUnknownDetailKind is returned when appending or decoding a kind outside
// the registry.
var ErrUnknownDetailKind = errors.New("unknown task detail kind")

// Detail is one journal row. Content stays raw JSON here; use
// DecodeDetailContent or the typed accessors for the structured form.
type Detail struct {
	ID        int64           `json:"id"`
	TaskID    int64           `json:"task_id"`
	Kind      DetailKind      `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// TGRef locates the Telegram origin of a task.
type TGRef struct {
	TGID      int64 `json:"tg_id,omitempty"`
	ChatID    int64 `json:"chat_id,omitempty"`
	MessageID int64 `json:"message_id,omitempty"`
}

// RawInput is the first detail of every task: what the user asked and where
// from. Kind is "question" for Q&A tasks, anything else is a work task.
type RawInput struct {
	Kind    string `json:"kind,omitempty"`
	Text    string `json:"text,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
	TG      *TGRef `json:"tg,omitempty"`
}

// ChatID returns the Telegram chat to notify, or nil when unknown.
func (r *RawInput) ChatID() *int64 {
	if r == nil || r.TG == nil || r.TG.ChatID == 0 {
		return nil
	}
	id := r.TG.ChatID
	return &id
}

// Question returns the trimmed input text, empty when absent.
func (r *RawInput) Question() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Text)
}

// LLMResult is appended by the orchestrator when an LLM call for the task
// settles. Purpose "question_review" marks internal review passes that must
// not surface to the user.
type LLMResult struct {
	LLMRequestID    int64  `json:"llm_request_id,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	Answer          string `json:"answer,omitempty"`
	ClarifyQuestion string `json:"clarify_question,omitempty"`
	Error           string `json:"error,omitempty"`
}

// WaitingUserReason records why a task parked in WAITING_USER.
type WaitingUserReason struct {
	Question     string `json:"question,omitempty"`
	LLMRequestID int64  `json:"llm_request_id,omitempty"`
}

type CodegenTests struct {
	OK *bool `json:"ok,omitempty"`
}

// CodegenResult is the artifact summary of a codegen run.
type CodegenResult struct {
	PRURL        string        `json:"pr_url,omitempty"`
	RepoFullName string        `json:"repo_full_name,omitempty"`
	BranchName   string        `json:"branch_name,omitempty"`
	Tests        *CodegenTests `json:"tests,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// LLMRequeue marks that a timed-out LLM request was requeued by the
// orchestrator; the user gets notified once per llm_request_id.
type LLMRequeue struct {
	LLMRequestID  int64  `json:"llm_request_id,omitempty"`
	RequeueCount  *int   `json:"requeue_count,omitempty"`
	LockedBy      string `json:"locked_by,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DecodeDetailContent validates raw content against the registry struct for
// the kind. Type-mismatched JSON is rejected; unknown extra fields are kept
// by the journal but ignored here.
func DecodeDetailContent(kind DetailKind, content json.RawMessage) (any, error) {
	var target any
	switch kind {
	case DetailRawInput:
		target = &RawInput{}
	case DetailLLMResult:
		target = &LLMResult{}
	case DetailWaitingUserReason:
		target = &WaitingUserReason{}
	case DetailCodegenResult:
		target = &CodegenResult{}
	case DetailLLMRequeue:
		target = &LLMRequeue{}
	case DetailTGDelivery:
		target = &DeliveryEntry{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDetailKind, kind)
	}
	if err := json.Unmarshal(content, target); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", kind, err)
	}
	return target, nil
}

// AppendDetail journals one detail row. Content is marshaled, then round-trip
// validated against the kind's registry struct before the insert.
func (s *Store) AppendDetail(ctx context.Context, taskID int64, kind DetailKind, content any) (int64, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("marshal %s content: %w", kind, err)
	}
	if _, err := DecodeDetailContent(kind, raw); err != nil {
		return 0, err
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO task_details (task_id, kind, content) VALUES (?, ?, ?);
		`, taskID, string(kind), string(raw))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("append %s detail: %w", kind, err)
	}
	return id, nil
}

// LatestDetail returns the newest journal row of the kind for the task, or
// nil when the task has none.
func (s *Store) LatestDetail(ctx context.Context, taskID int64, kind DetailKind) (*Detail, error) {
	return s.latestDetailWhere(ctx, taskID, kind, "", nil)
}

func (s *Store) latestDetailWhere(ctx context.Context, taskID int64, kind DetailKind, extraWhere string, extraArgs []any) (*Detail, error) {
	query := `
		SELECT id, task_id, kind, content, created_at
		FROM task_details
		WHERE task_id = ? AND kind = ?`
	args := []any{taskID, string(kind)}
	if extraWhere != "" {
		query += " AND " + extraWhere
		args = append(args, extraArgs...)
	}
	query += " ORDER BY id DESC LIMIT 1;"

	var (
		d       Detail
		content string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&d.ID, &d.TaskID, &d.Kind, &content, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s detail: %w", kind, err)
	}
	d.Content = json.RawMessage(content)
	return &d, nil
}

// LatestRawInput returns the task's raw_input, or nil when absent.
func (s *Store) LatestRawInput(ctx context.Context, taskID int64) (*RawInput, error) {
	d, err := s.LatestDetail(ctx, taskID, DetailRawInput)
	if err != nil || d == nil {
		return nil, err
	}
	var out RawInput
	if err := json.Unmarshal(d.Content, &out); err != nil {
		return nil, fmt.Errorf("decode raw_input: %w", err)
	}
	return &out, nil
}

// LatestLLMResult returns the newest user-facing llm_result, skipping
// internal question_review passes.
func (s *Store) LatestLLMResult(ctx context.Context, taskID int64) (*LLMResult, error) {
	d, err := s.latestDetailWhere(ctx, taskID, DetailLLMResult,
		`COALESCE(json_extract(content, '$.purpose'), '') != 'question_review'`, nil)
	if err != nil || d == nil {
		return nil, err
	}
	var out LLMResult
	if err := json.Unmarshal(d.Content, &out); err != nil {
		return nil, fmt.Errorf("decode llm_result: %w", err)
	}
	return &out, nil
}

// LatestWaitingUserReason returns the newest waiting_user_reason, or nil.
func (s *Store) LatestWaitingUserReason(ctx context.Context, taskID int64) (*WaitingUserReason, error) {
	d, err := s.LatestDetail(ctx, taskID, DetailWaitingUserReason)
	if err != nil || d == nil {
		return nil, err
	}
	var out WaitingUserReason
	if err := json.Unmarshal(d.Content, &out); err != nil {
		return nil, fmt.Errorf("decode waiting_user_reason: %w", err)
	}
	return &out, nil
}

// LatestCodegenResult returns the newest codegen_result, or nil.
func (s *Store) LatestCodegenResult(ctx context.Context, taskID int64) (*CodegenResult, error) {
	d, err := s.LatestDetail(ctx, taskID, DetailCodegenResult)
	if err != nil || d == nil {
		return nil, err
	}
	var out CodegenResult
	if err := json.Unmarshal(d.Content, &out); err != nil {
		return nil, fmt.Errorf("decode codegen_result: %w", err)
	}
	return &out, nil
}

// LatestLLMRequeue returns the newest llm_requeue marker, or nil.
func (s *Store) LatestLLMRequeue(ctx context.Context, taskID int64) (*LLMRequeue, error) {
	d, err := s.LatestDetail(ctx, taskID, DetailLLMRequeue)
	if err != nil || d == nil {
		return nil, err
	}
	var out LLMRequeue
	if err := json.Unmarshal(d.Content, &out); err != nil {
		return nil, fmt.Errorf("decode llm_requeue: %w", err)
	}
	return &out, nil
}
