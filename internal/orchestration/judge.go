package orchestration

import (
	"encoding/json"
	"strings"
)

// CoderAction is the post-coder judge's verdict on whether a coder
// invocation is ready to submit for review.
type CoderAction string

const (
	ActionSubmit           CoderAction = "submit"
	ActionRetry            CoderAction = "retry"
	ActionStageCommitSubmit CoderAction = "stage_commit_submit"
	ActionError            CoderAction = "error"
)

// CoderVerdict is the strict JSON shape the post-coder judge must return.
type CoderVerdict struct {
	Action     CoderAction    `json:"action"`
	NextStatus string         `json:"next_status"`
	Metadata   map[string]any `json:"metadata"`
}

// ParseCoderVerdict extracts a CoderVerdict from the orchestrator's raw
// response. On malformed JSON it falls back to a keyword heuristic over the
// coder's own stdout that refuses to submit unless completion is
// unambiguous, per spec.md §4.6 step 2.
func ParseCoderVerdict(orchestratorResponse, coderStdout string) CoderVerdict {
	if v, ok := tryParseCoderJSON(orchestratorResponse); ok && v.Action != ActionError {
		return v
	}
	return keywordFallback(coderStdout)
}

func tryParseCoderJSON(response string) (CoderVerdict, bool) {
	start := strings.IndexByte(response, '{')
	end := strings.LastIndexByte(response, '}')
	if start < 0 || end < 0 || end < start {
		return CoderVerdict{}, false
	}
	var v CoderVerdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &v); err != nil {
		return CoderVerdict{}, false
	}
	if v.Action == "" {
		return CoderVerdict{}, false
	}
	return v, true
}

// refusalPhrases are signals in coder stdout that mean work is not done;
// their presence blocks submission even without a parseable judge verdict.
var refusalPhrases = []string{
	"not done", "not complete", "still working", "error", "todo", "in progress",
	"need more", "partially", "incomplete",
}

// completionPhrases are the only signals unambiguous enough to submit on,
// absent a parseable judge verdict.
var completionPhrases = []string{
	"all tests pass", "implementation complete", "done.", "finished implementing",
	"ready for review", "task complete",
}

func keywordFallback(coderStdout string) CoderVerdict {
	lower := strings.ToLower(coderStdout)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return CoderVerdict{Action: ActionRetry}
		}
	}
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return CoderVerdict{Action: ActionSubmit}
		}
	}
	return CoderVerdict{Action: ActionRetry}
}

// ParseReviewerDecision extracts the reviewer's explicit decision token.
// Sentiment-based inference is forbidden: the token must appear as
// "DECISION: <TOKEN>" (case-insensitive).
func ParseReviewerDecision(reviewerStdout string) (ReviewerDecision, bool) {
	upper := strings.ToUpper(reviewerStdout)
	idx := strings.Index(upper, "DECISION:")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(upper[idx+len("DECISION:"):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case "APPROVE":
		return DecisionApprove, true
	case "REJECT":
		return DecisionReject, true
	case "DISPUTE":
		return DecisionDispute, true
	case "SKIP":
		return DecisionSkip, true
	case "UNCLEAR":
		return DecisionUnclear, true
	default:
		return "", false
	}
}

// PostReviewerVerdict is the orchestrator's JSON response to the
// post-reviewer judge call.
type PostReviewerVerdict struct {
	Decision ReviewerDecision `json:"decision"`
}

// ParsePostReviewerVerdict requires an explicit decision field; a missing
// or unrecognized value is reported as not-ok so the caller can treat the
// task as unclear rather than guessing.
func ParsePostReviewerVerdict(response string) (PostReviewerVerdict, bool) {
	start := strings.IndexByte(response, '{')
	end := strings.LastIndexByte(response, '}')
	if start < 0 || end < 0 || end < start {
		return PostReviewerVerdict{}, false
	}
	var v PostReviewerVerdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &v); err != nil {
		return PostReviewerVerdict{}, false
	}
	switch v.Decision {
	case DecisionApprove, DecisionReject, DecisionDispute, DecisionSkip, DecisionUnclear:
		return v, true
	default:
		return PostReviewerVerdict{}, false
	}
}

// CoordinatorAction is the coordinator's required response shape when
// invoked after a repeated rejection pattern. It must decide, never escalate.
type CoordinatorAction string

const (
	CoordinatorGuideCoder      CoordinatorAction = "guide_coder"
	CoordinatorOverrideReviewer CoordinatorAction = "override_reviewer"
	CoordinatorNarrowScope     CoordinatorAction = "narrow_scope"
)

// CoordinatorVerdict carries the coordinator's decision and guidance text.
type CoordinatorVerdict struct {
	Action   CoordinatorAction `json:"action"`
	Guidance string            `json:"guidance"`
}

// ParseCoordinatorVerdict parses the coordinator's JSON response.
func ParseCoordinatorVerdict(response string) (CoordinatorVerdict, bool) {
	start := strings.IndexByte(response, '{')
	end := strings.LastIndexByte(response, '}')
	if start < 0 || end < 0 || end < start {
		return CoordinatorVerdict{}, false
	}
	var v CoordinatorVerdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &v); err != nil {
		return CoordinatorVerdict{}, false
	}
	switch v.Action {
	case CoordinatorGuideCoder, CoordinatorOverrideReviewer, CoordinatorNarrowScope:
		return v, true
	default:
		return CoordinatorVerdict{}, false
	}
}
