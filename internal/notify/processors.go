package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskherald/internal/store"
)

// Per-kind processors. Each claims at most one task, resolves the message
// inputs, and hands off to the deliverer. The bool result says whether a task
// was handled; false with nil error means nothing (or nothing ready) to do.

func (d *Dispatcher) processWaitingUser(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimWaitingUser(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	llm, err := d.store.LatestLLMResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	reason, err := d.store.LatestWaitingUserReason(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	question := ""
	if llm != nil {
		question = strings.TrimSpace(llm.ClarifyQuestion)
	}
	if question == "" && reason != nil {
		question = strings.TrimSpace(reason.Question)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindWaitingUser,
		ToStatus:     string(claimed.Status),
		LLMRequestID: claimed.LLMRequestID,
		ChatID:       raw.ChatID(),
	}
	if raw != nil && question != "" {
		del.Text = FormatClarify(claimed.TaskID, question)
	}
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

func (d *Dispatcher) processCodegen(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimCodegen(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	result, err := d.store.LatestCodegenResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:          claimed.TaskID,
		MessageKind:     store.MessageKindCodegen,
		ToStatus:        string(claimed.Status),
		CodegenDetailID: claimed.CodegenDetailID,
		ChatID:          raw.ChatID(),
	}
	if raw != nil && result != nil && del.ChatID != nil {
		var testsOK *bool
		if result.Tests != nil {
			testsOK = result.Tests.OK
		}
		del.Text = FormatCodegen(claimed.TaskID, claimed.Title,
			result.PRURL, result.RepoFullName, result.BranchName, testsOK)
	}
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

func (d *Dispatcher) processNeedsReview(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimNeedsReview(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindReviewNeeded,
		ToStatus:     string(claimed.Status),
		TransitionID: claimed.TransitionID,
		ChatID:       raw.ChatID(),
	}
	if del.ChatID == nil || claimed.TransitionID == nil {
		_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
		return err == nil, err
	}

	llm, err := d.store.LatestLLMResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	var answer, llmError string
	if llm != nil && llm.LLMRequestID > 0 {
		resp, respErr := d.store.LatestLLMResponse(ctx, llm.LLMRequestID)
		if respErr != nil {
			return d.abort(ctx, claimed.Claim, respErr)
		}
		if resp != nil {
			answer = ExtractJSONAnswer(resp.Answer)
			llmError = resp.Error
		}
	}

	var prURL, prError string
	job, err := d.store.LatestCodegenJob(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	if job != nil {
		prURL = job.PRURL
		prError = job.Error
	}

	del.Text = FormatNeedsReview(claimed.TaskID, answer, llmError, prURL, prError)
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

func (d *Dispatcher) processDone(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimDone(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindFinal,
		ToStatus:     string(claimed.Status),
		TransitionID: claimed.TransitionID,
		ChatID:       raw.ChatID(),
	}
	if del.ChatID == nil {
		_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
		return err == nil, err
	}

	llm, err := d.store.LatestLLMResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	cg, err := d.store.LatestCodegenResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	text := doneMessage(claimed, raw, llm, cg)
	if text == "" {
		// Result artifact not there yet. Release the claim and let a later
		// cycle pick the task up once the orchestrator catches up.
		if relErr := d.store.ReleaseClaim(ctx, claimed.Claim); relErr != nil {
			return false, relErr
		}
		d.logger.Debug("done notification not ready", "task_id", claimed.TaskID)
		return false, nil
	}

	del.Text = text
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

// doneMessage builds the final message for a DONE task, or "" when no usable
// artifact exists yet.
func doneMessage(claimed *store.ClaimedTask, raw *store.RawInput, llm *store.LLMResult, cg *store.CodegenResult) string {
	answer := ""
	if llm != nil {
		answer = strings.TrimSpace(llm.Answer)
	}

	if raw != nil && raw.Kind == "question" {
		question := raw.Question()
		if question == "" || answer == "" {
			return ""
		}
		return FormatAnswer(claimed.TaskID, question, answer)
	}

	if cg != nil {
		var testsOK *bool
		if cg.Tests != nil {
			testsOK = cg.Tests.OK
		}
		return FormatDoneTask(claimed.TaskID, claimed.Title,
			cg.PRURL, cg.RepoFullName, cg.BranchName, testsOK)
	}
	if answer != "" {
		return FormatDoneAnswer(claimed.TaskID, claimed.Title, answer)
	}
	return ""
}

func (d *Dispatcher) processFailed(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimFailed(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	llm, err := d.store.LatestLLMResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	job, err := d.store.LatestCodegenJob(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	errText := ""
	if llm != nil {
		errText = strings.TrimSpace(llm.Error)
	}
	if errText == "" && job != nil {
		errText = job.Error
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindFailed,
		ToStatus:     string(claimed.Status),
		TransitionID: claimed.TransitionID,
		ChatID:       raw.ChatID(),
	}
	if del.ChatID != nil {
		del.Text = FormatFailed(claimed.TaskID, claimed.Title, errText)
	}
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

func (d *Dispatcher) processStopped(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimStopped(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindStopped,
		ToStatus:     string(claimed.Status),
		TransitionID: claimed.TransitionID,
		ChatID:       raw.ChatID(),
	}
	if del.ChatID != nil {
		del.Text = FormatStopped(claimed.TaskID, claimed.Title)
	}
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

func (d *Dispatcher) processLLMRequeue(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimLLMRequeue(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	rq, err := d.store.LatestLLMRequeue(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindLLMRequeue,
		ToStatus:     string(claimed.Status),
		LLMRequestID: claimed.LLMRequestID,
		ChatID:       raw.ChatID(),
	}
	if del.ChatID != nil && claimed.LLMRequestID != nil && rq != nil {
		del.Text = FormatLLMRequeue(claimed.TaskID, claimed.LLMRequestID,
			rq.RequeueCount, rq.LockedBy, rq.CorrelationID)
	}
	_, err = d.deliverer.Deliver(ctx, claimed.Claim, del)
	return err == nil, err
}

// processSendToUser drives the legacy SEND_TO_USER parking status: deliver
// the answer, then move the task on with a compare-and-swap. This is the only
// task status the worker ever writes.
func (d *Dispatcher) processSendToUser(ctx context.Context) (bool, error) {
	claimed, err := d.selector.ClaimSendToUser(ctx)
	if err != nil || claimed == nil {
		return false, err
	}

	raw, err := d.store.LatestRawInput(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}
	llm, err := d.store.LatestLLMResult(ctx, claimed.TaskID)
	if err != nil {
		return d.abort(ctx, claimed.Claim, err)
	}

	del := Delivery{
		TaskID:       claimed.TaskID,
		MessageKind:  store.MessageKindSendToUser,
		ToStatus:     string(claimed.Status),
		TransitionID: claimed.TransitionID,
		ChatID:       raw.ChatID(),
	}

	answer := ""
	if llm != nil {
		answer = ExtractJSONAnswer(llm.Answer)
	}
	if del.ChatID != nil && answer == "" {
		// Answer not journaled yet; come back next cycle.
		if relErr := d.store.ReleaseClaim(ctx, claimed.Claim); relErr != nil {
			return false, relErr
		}
		d.logger.Debug("send_to_user notification not ready", "task_id", claimed.TaskID)
		return false, nil
	}
	if del.ChatID != nil {
		if raw != nil && raw.Kind == "question" && raw.Question() != "" {
			del.Text = FormatAnswer(claimed.TaskID, raw.Question(), answer)
		} else {
			del.Text = FormatDoneAnswer(claimed.TaskID, claimed.Title, answer)
		}
	}

	entry, err := d.deliverer.Deliver(ctx, claimed.Claim, del)
	if err != nil {
		return false, err
	}

	switch {
	case entry.Sent():
		if _, casErr := d.store.CompareAndSwapStatus(ctx, claimed.TaskID,
			store.StatusSendToUser, store.StatusDone, nil, "notification delivered"); casErr != nil {
			return true, casErr
		}
	case entry.Terminal():
		if _, casErr := d.store.CompareAndSwapStatus(ctx, claimed.TaskID,
			store.StatusSendToUser, store.StatusFailed, nil,
			fmt.Sprintf("notification failed: %s", entry.Error)); casErr != nil {
			return true, casErr
		}
	}
	return true, nil
}

// abort releases the claim after a processing error so the task does not sit
// locked for the rest of the lease.
func (d *Dispatcher) abort(ctx context.Context, claim store.Claim, err error) (bool, error) {
	if relErr := d.store.ReleaseClaim(ctx, claim); relErr != nil {
		d.logger.Warn("release claim after error failed",
			"task_id", claim.TaskID, "message_kind", claim.MessageKind, "error", relErr)
	}
	return false, err
}
