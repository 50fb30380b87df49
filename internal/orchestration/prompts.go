package orchestration

import (
	"fmt"
	"strings"

	"github.com/steroids-run/steroids/internal/provider"
	"github.com/steroids-run/steroids/internal/store"
)

func (l *Loop) buildCoderPrompt(task *store.Task, mode string, note *store.SubmissionNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nFile: %s\n", task.Title, task.FilePath)
	if mode == store.InvocationModeResume {
		b.WriteString("Resume your previous session on this task.\n")
	} else {
		b.WriteString("Implement this task completely.\n")
	}
	if note != nil && note.Notes != "" {
		fmt.Fprintf(&b, "Latest note:\n%s\n", note.Notes)
	}
	return b.String()
}

func buildPostCoderJudgePrompt(result provider.InvokeResult) string {
	return fmt.Sprintf(
		"The coder produced the following output. Respond with JSON {\"action\":\"submit|retry|stage_commit_submit|error\",\"next_status\":\"...\",\"metadata\":{}}.\n---\n%s",
		result.Stdout,
	)
}

func buildReviewerPrompt(task *store.Task, note *store.SubmissionNote, rejections []store.RejectionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review task %q.\n", task.Title)
	if note != nil {
		fmt.Fprintf(&b, "Coder submission note:\n%s\n", note.Notes)
	}
	if len(rejections) > 0 {
		b.WriteString("Prior rejection history:\n")
		for _, r := range rejections {
			fmt.Fprintf(&b, "- rejection #%d: %s\n", r.RejectionNumber, r.Notes)
		}
	}
	b.WriteString("Respond with an explicit line \"DECISION: APPROVE\" or \"DECISION: REJECT\" or \"DECISION: DISPUTE\" or \"DECISION: SKIP\".\n")
	return b.String()
}

func buildPostReviewerJudgePrompt(policyResult ReviewerResult) string {
	return fmt.Sprintf(
		"The reviewer policy engine resolved to %q with notes:\n%s\nRespond with JSON {\"decision\":\"approve|reject|dispute|skip|unclear\"}.",
		policyResult.Decision, policyResult.Notes,
	)
}

func buildCoordinatorPrompt(task *store.Task, rejections []store.RejectionEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %q has been rejected %d times. Decide one of guide_coder, override_reviewer, narrow_scope and provide guidance under 500 words. You must decide, not escalate.\n", task.Title, len(rejections))
	for _, r := range rejections {
		fmt.Fprintf(&b, "- %s\n", r.Notes)
	}
	b.WriteString("Respond with JSON {\"action\":\"guide_coder|override_reviewer|narrow_scope\",\"guidance\":\"...\"}.")
	return b.String()
}
