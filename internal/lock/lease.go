package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

// LeaseFenceFailedError is returned when a lease refresh discovers the
// caller no longer owns the workstream — its claim_generation advanced
// underneath it. The caller must abort the in-flight task immediately
// without committing any further state.
type LeaseFenceFailedError struct {
	WorkstreamID string
}

func (e *LeaseFenceFailedError) Error() string {
	return fmt.Sprintf("lock: LEASE_FENCE_FAILED: lost lease on workstream %s", e.WorkstreamID)
}

// leaseDuration is the fixed 120-second future horizon spec.md §4.4 sets
// for every workstream and merge lease refresh.
const leaseDuration = 120 * time.Second

// WorkstreamLease is the fence-style compare-and-set lease a parallel
// session's runner holds on one workstream clone.
type WorkstreamLease struct {
	Global *store.GlobalStore
}

// Claim attempts to take ownership of workstreamID for runnerID, advancing
// claim_generation whether the prior owner had a live or merely-expired
// lease. Returns false (no error) if another runner currently holds an
// unexpired lease.
func (l *WorkstreamLease) Claim(ctx context.Context, workstreamID, runnerID string) (bool, error) {
	expiresAt := time.Now().Add(leaseDuration).UTC().Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	return l.Global.ClaimWorkstream(ctx, workstreamID, runnerID, expiresAt, now)
}

// Refresh extends a held lease, returning LeaseFenceFailedError if the
// caller's generation no longer matches — i.e. it lost the lease.
func (l *WorkstreamLease) Refresh(ctx context.Context, workstreamID, runnerID string, claimGeneration int) error {
	expiresAt := time.Now().Add(leaseDuration).UTC().Format(time.RFC3339)
	ok, err := l.Global.RenewWorkstreamLease(ctx, workstreamID, runnerID, claimGeneration, expiresAt)
	if err != nil {
		return fmt.Errorf("lock: refreshing workstream lease %s: %w", workstreamID, err)
	}
	if !ok {
		return &LeaseFenceFailedError{WorkstreamID: workstreamID}
	}
	return nil
}

// MergeLock is the "one merger per project per session" coordination lock,
// which spec.md §4.4 describes as sharing the workstream lease's exact
// compare-and-set discipline. Rather than duplicate the schema and SQL for
// a second lease table, it is implemented as a dedicated Workstream row
// reserved per session (id "merge:<sessionID>") and reuses
// WorkstreamLease.Claim/Refresh verbatim.
type MergeLock struct {
	Lease *WorkstreamLease
}

// MergeLockID is the reserved workstream id representing the merge
// coordination lock for a session.
func MergeLockID(sessionID int64) string {
	return fmt.Sprintf("merge:%d", sessionID)
}

// EnsureRow creates the reserved merge-lock workstream row if it doesn't
// exist yet, so Claim has something to compare-and-set against.
func (m *MergeLock) EnsureRow(ctx context.Context, sessionID int64) error {
	id := MergeLockID(sessionID)
	existing, err := m.Lease.Global.GetWorkstream(ctx, id)
	if err != nil {
		return fmt.Errorf("lock: checking merge lock row: %w", err)
	}
	if existing != nil {
		return nil
	}
	return m.Lease.Global.CreateWorkstream(ctx, store.Workstream{
		ID: id, SessionID: sessionID, Status: store.WorkstreamStatusPending,
	})
}

// Claim takes the merge lock for runnerID.
func (m *MergeLock) Claim(ctx context.Context, sessionID int64, runnerID string) (bool, error) {
	return m.Lease.Claim(ctx, MergeLockID(sessionID), runnerID)
}

// Refresh extends the merge lock, every conflict-resolution cycle.
func (m *MergeLock) Refresh(ctx context.Context, sessionID int64, runnerID string, claimGeneration int) error {
	return m.Lease.Refresh(ctx, MergeLockID(sessionID), runnerID, claimGeneration)
}
