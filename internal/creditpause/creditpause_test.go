package creditpause

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steroids-run/steroids/internal/store"
)

func newTestStore(t *testing.T) *store.ProjectStore {
	t.Helper()
	ps, err := store.OpenProjectSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open project store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func fixedNow() string { return "2026-01-01T00:00:00Z" }

func TestWaitOnceModeReturnsImmediateFail(t *testing.T) {
	ps := newTestStore(t)
	c := &Controller{Store: ps, OnceMode: true}
	trig := Trigger{Provider: "anthropic", Model: "claude", Role: "coder", ProjectPath: filepath.Clean("/repo")}

	res, err := c.Wait(context.Background(), trig, nil, nil, fixedNow)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Resolved || res.Resolution != ResolutionImmediateFail {
		t.Fatalf("expected unresolved immediate_fail, got %+v", res)
	}

	unresolved, err := ps.ListUnresolvedIncidents(context.Background())
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected the once-mode incident to already be resolved, found %d unresolved", len(unresolved))
	}
}

// TestWaitResolvesOnConfigChange is the credit-pause resumption property:
// changing the role's provider/model resolves the pause within one poll
// interval.
func TestWaitResolvesOnConfigChange(t *testing.T) {
	oldInterval := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = oldInterval }()

	ps := newTestStore(t)
	var reloadCalls int32
	var heartbeats int32

	c := &Controller{
		Store: ps,
		ReloadRole: func(role string) (RoleConfig, error) {
			n := atomic.AddInt32(&reloadCalls, 1)
			if n < 3 {
				return RoleConfig{Provider: "anthropic", Model: "claude"}, nil
			}
			return RoleConfig{Provider: "anthropic", Model: "claude-new"}, nil
		},
	}
	trig := Trigger{Provider: "anthropic", Model: "claude", Role: "coder", ProjectPath: "/repo"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Wait(ctx, trig, func() bool { return false }, func() { atomic.AddInt32(&heartbeats, 1) }, fixedNow)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Resolved || res.Resolution != ResolutionConfigChanged {
		t.Fatalf("expected resolved config_changed, got %+v", res)
	}
	if atomic.LoadInt32(&heartbeats) == 0 {
		t.Fatalf("expected at least one heartbeat during the pause")
	}

	unresolved, err := ps.ListUnresolvedIncidents(context.Background())
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected the incident to be resolved, found %d unresolved", len(unresolved))
	}
}

func TestSanitizeMessageTruncatesTo200Runes(t *testing.T) {
	short := "credit exhausted"
	if got := sanitizeMessage(short); got != short {
		t.Fatalf("expected short message unchanged, got %q", got)
	}

	long := strings.Repeat("x", 500)
	got := sanitizeMessage(long)
	if len([]rune(got)) != maxMessageLen {
		t.Fatalf("expected truncation to %d runes, got %d", maxMessageLen, len([]rune(got)))
	}
}

func TestWaitResolvesOnShouldStop(t *testing.T) {
	oldInterval := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = oldInterval }()

	ps := newTestStore(t)
	var mu sync.Mutex
	stopAfter := 2
	c := &Controller{
		Store: ps,
		ReloadRole: func(role string) (RoleConfig, error) {
			return RoleConfig{Provider: "anthropic", Model: "claude"}, nil // never changes
		},
	}
	trig := Trigger{Provider: "anthropic", Model: "claude", Role: "coder", ProjectPath: "/repo"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shouldStop := func() bool {
		mu.Lock()
		defer mu.Unlock()
		stopAfter--
		return stopAfter <= 0
	}

	res, err := c.Wait(ctx, trig, shouldStop, func() {}, fixedNow)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Resolved || res.Resolution != ResolutionStopped {
		t.Fatalf("expected unresolved stopped, got %+v", res)
	}
}
