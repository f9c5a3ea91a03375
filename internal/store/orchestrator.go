package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Read-only views over orchestrator-owned tables. The worker never writes
// llm_responses or codegen_jobs; it only folds them into outbound messages.

// LLMResponse is the raw model output for one llm_request.
type LLMResponse struct {
	ID           int64     `json:"id"`
	LLMRequestID int64     `json:"llm_request_id"`
	Answer       string    `json:"answer,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LatestLLMResponse returns the newest response for the request, or nil.
func (s *Store) LatestLLMResponse(ctx context.Context, llmRequestID int64) (*LLMResponse, error) {
	var (
		r      LLMResponse
		answer sql.NullString
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, llm_request_id, answer, error, created_at
		FROM llm_responses WHERE llm_request_id = ?
		ORDER BY id DESC LIMIT 1;
	`, llmRequestID).Scan(&r.ID, &r.LLMRequestID, &answer, &errMsg, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest llm response: %w", err)
	}
	r.Answer = answer.String
	r.Error = strings.TrimSpace(errMsg.String)
	return &r, nil
}

// CodegenJob is the orchestrator's record of one codegen run.
type CodegenJob struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	PRURL     string    `json:"pr_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LatestCodegenJob returns the newest codegen job for the task, or nil.
func (s *Store) LatestCodegenJob(ctx context.Context, taskID int64) (*CodegenJob, error) {
	var (
		j      CodegenJob
		prURL  sql.NullString
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, pr_url, error, created_at
		FROM codegen_jobs WHERE task_id = ?
		ORDER BY id DESC LIMIT 1;
	`, taskID).Scan(&j.ID, &j.TaskID, &prURL, &errMsg, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest codegen job: %w", err)
	}
	j.PRURL = strings.TrimSpace(prURL.String)
	j.Error = strings.TrimSpace(errMsg.String)
	return &j, nil
}
