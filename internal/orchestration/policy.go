package orchestration

// ReviewerDecision is one reviewer's verdict on a task under review.
type ReviewerDecision string

const (
	DecisionApprove ReviewerDecision = "approve"
	DecisionReject  ReviewerDecision = "reject"
	DecisionDispute ReviewerDecision = "dispute"
	DecisionSkip    ReviewerDecision = "skip"
	DecisionUnclear ReviewerDecision = "unclear"
)

// ReviewerResult is one reviewer invocation's parsed outcome.
type ReviewerResult struct {
	Provider string
	Decision ReviewerDecision
	Notes    string
}

// Reconcile applies the multi-reviewer policy engine spec.md §4.6 step 4
// defines: all approve wins outright; any reject wins over dispute/skip
// (merging notes from every rejecter into one checklist); any dispute with
// no reject wins; all skip wins; a mixed approve/skip set is unclear.
func Reconcile(results []ReviewerResult) ReviewerResult {
	if len(results) == 0 {
		return ReviewerResult{Decision: DecisionUnclear}
	}
	if len(results) == 1 {
		return results[0]
	}

	var approves, rejects, disputes, skips []ReviewerResult
	for _, r := range results {
		switch r.Decision {
		case DecisionApprove:
			approves = append(approves, r)
		case DecisionReject:
			rejects = append(rejects, r)
		case DecisionDispute:
			disputes = append(disputes, r)
		case DecisionSkip:
			skips = append(skips, r)
		}
	}

	if len(approves) == len(results) {
		return ReviewerResult{Decision: DecisionApprove, Provider: "policy-engine"}
	}
	if len(rejects) > 0 {
		return ReviewerResult{Decision: DecisionReject, Provider: "policy-engine", Notes: mergeChecklist(rejects)}
	}
	if len(disputes) > 0 {
		return ReviewerResult{Decision: DecisionDispute, Provider: "policy-engine"}
	}
	if len(skips) == len(results) {
		return ReviewerResult{Decision: DecisionSkip, Provider: "policy-engine"}
	}
	return ReviewerResult{Decision: DecisionUnclear, Provider: "policy-engine"}
}

func mergeChecklist(rejects []ReviewerResult) string {
	if len(rejects) == 1 {
		return rejects[0].Notes
	}
	out := "Combined reviewer feedback:\n"
	for _, r := range rejects {
		out += "- [" + r.Provider + "] " + r.Notes + "\n"
	}
	return out
}
