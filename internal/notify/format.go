// Package notify turns task state into outbound Telegram messages and drives
// the delivery ledger: claim, format, send, record, retry.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Formatters are pure text builders. Every message opens with "task #<id>" so
// replies and forwards stay traceable to the task.

// FormatAnswer renders a finished Q&A exchange.
func FormatAnswer(taskID int64, question, answer string) string {
	return fmt.Sprintf("task #%d\n\nQuestion:\n%s\n\nAnswer:\n%s", taskID, question, answer)
}

// FormatClarify asks the user for more input, with the reply command inline.
func FormatClarify(taskID int64, question string) string {
	return fmt.Sprintf(
		"task #%d\n\nClarification needed:\n%s\n\nReply with:\n/ask %d <your answer>",
		taskID, question, taskID)
}

// FormatCodegen summarizes a codegen run artifact.
func FormatCodegen(taskID int64, title, prURL, repoFullName, branchName string, testsOK *bool) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), ""}
	if prURL != "" {
		lines = append(lines, "PR: "+prURL)
	}
	if repoFullName != "" {
		lines = append(lines, "Repo: "+repoFullName)
	}
	if branchName != "" {
		lines = append(lines, "Branch: "+branchName)
	}
	lines = append(lines, testsLine(testsOK, true))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func testsLine(testsOK *bool, always bool) string {
	switch {
	case testsOK != nil && *testsOK:
		return "Tests: OK"
	case testsOK != nil:
		return "Tests: FAILED"
	case always:
		return "Tests: (unknown)"
	default:
		return ""
	}
}

// FormatNeedsReview flags a task for human review, with whatever artifacts
// exist. pr_url and pr_error only appear together.
func FormatNeedsReview(taskID int64, answer, llmError, prURL, prError string) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), "", "NEEDS_REVIEW"}
	if answer != "" {
		lines = append(lines, "", "answer:", answer)
	}
	if llmError != "" {
		lines = append(lines, "", "llm_error:", llmError)
	}
	if prURL != "" && prError != "" {
		lines = append(lines, "", "pr_url:", prURL, "", "pr_error:", prError)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FormatDoneTask renders a completed work task with its codegen artifact.
func FormatDoneTask(taskID int64, title, prURL, repoFullName, branchName string, testsOK *bool) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), "", "DONE", ""}
	if prURL != "" {
		lines = append(lines, "PR: "+prURL)
	}
	if repoFullName != "" {
		lines = append(lines, "Repo: "+repoFullName)
	}
	if branchName != "" {
		lines = append(lines, "Branch: "+branchName)
	}
	if line := testsLine(testsOK, prURL != ""); line != "" {
		lines = append(lines, line)
	}
	lines = append(lines, "", fmt.Sprintf("Details: /task %d", taskID))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FormatDoneAnswer renders a completed task that produced a plain answer
// instead of a codegen artifact.
func FormatDoneAnswer(taskID int64, title, answer string) string {
	lines := []string{fmt.Sprintf("task #%d", taskID)}
	if t := strings.TrimSpace(title); t != "" {
		lines = append(lines, t)
	}
	lines = append(lines, "", "DONE", "", "answer:", answer, "", fmt.Sprintf("Details: /task %d", taskID))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FormatFailed renders a terminal task failure.
func FormatFailed(taskID int64, title, errText string) string {
	lines := []string{fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), "", "FAILED"}
	if errText != "" {
		lines = append(lines, "", "error:", strings.TrimSpace(errText))
	}
	lines = append(lines, "", fmt.Sprintf("Details: /task %d", taskID))
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FormatStopped renders a user-initiated stop.
func FormatStopped(taskID int64, title string) string {
	return strings.TrimSpace(strings.Join([]string{
		fmt.Sprintf("task #%d", taskID), strings.TrimSpace(title), "", "STOPPED_BY_USER",
	}, "\n"))
}

// FormatLLMRequeue tells the user an LLM request timed out and was requeued.
func FormatLLMRequeue(taskID int64, llmRequestID *int64, requeueCount *int, lockedBy, correlationID string) string {
	lines := []string{
		fmt.Sprintf("task #%d", taskID),
		"",
		"LLM: request got no answer in time and was requeued.",
	}
	if llmRequestID != nil {
		lines = append(lines, fmt.Sprintf("llm_request_id: %d", *llmRequestID))
	}
	if requeueCount != nil {
		lines = append(lines, fmt.Sprintf("requeue_count: %d", *requeueCount))
	}
	if lockedBy != "" {
		lines = append(lines, "locked_by: "+lockedBy)
	}
	if correlationID != "" {
		lines = append(lines, "correlation_id: "+correlationID)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// StripMarkdownFences removes a surrounding ``` fence, language tag included,
// leaving inner text intact. Non-fenced text passes through trimmed.
func StripMarkdownFences(text string) string {
	raw := strings.TrimSpace(text)
	if raw == "" || !strings.HasPrefix(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return raw
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ExtractJSONAnswer pulls the "answer" field out of a JSON object response.
// Models often wrap answers as {"answer": "..."} inside a fence; anything that
// is not that shape comes back as the raw (defenced) text.
func ExtractJSONAnswer(rawAnswer string) string {
	raw := StripMarkdownFences(rawAnswer)
	if raw == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return raw
	}
	if answer, ok := obj["answer"].(string); ok && strings.TrimSpace(answer) != "" {
		return strings.TrimSpace(answer)
	}
	return raw
}
