package hooks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
)

// recordingSink appends every dispatched event type to a shared slice, used
// to assert fan-out ordering.
type recordingSink struct {
	mu     sync.Mutex
	name   string
	failOn EventType
	seen   []EventType
}

func (r *recordingSink) Name() string        { return r.name }
func (r *recordingSink) IsConfigured() bool { return true }
func (r *recordingSink) Dispatch(ctx context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt.Type)
	if r.failOn != "" && evt.Type == r.failOn {
		return errors.New("simulated sink failure")
	}
	return nil
}

// TestHookOrderingIsPreservedPerEntity drives one task's lifecycle through
// the dispatcher and asserts the sink observes a subsequence of
// created, updated*, completed|failed in emission order.
func TestHookOrderingIsPreservedPerEntity(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(slog.Default(), sink)

	events := []EventType{EventTaskCreated, EventTaskUpdated, EventTaskUpdated, EventTaskCompleted}
	for i, typ := range events {
		d.Dispatch(context.Background(), NewEvent(typ, "proj", "t"+string(rune('0'+i)), nil))
	}

	if len(sink.seen) != len(events) {
		t.Fatalf("expected %d events observed, got %d: %v", len(events), len(sink.seen), sink.seen)
	}
	for i, typ := range events {
		if sink.seen[i] != typ {
			t.Fatalf("event %d: expected %s, got %s (full sequence %v)", i, typ, sink.seen[i], sink.seen)
		}
	}
}

// TestDispatchIsBestEffort asserts one sink failing does not block another
// sink from still receiving the event, and does not panic/propagate.
func TestDispatchIsBestEffort(t *testing.T) {
	failing := &recordingSink{name: "failing", failOn: EventTaskFailed}
	healthy := &recordingSink{name: "healthy"}
	d := NewDispatcher(slog.Default(), failing, healthy)

	d.Dispatch(context.Background(), NewEvent(EventTaskFailed, "proj", "t0", nil))

	if len(failing.seen) != 1 {
		t.Fatalf("expected failing sink to still be invoked once, got %d", len(failing.seen))
	}
	if len(healthy.seen) != 1 {
		t.Fatalf("expected healthy sink to receive the event despite the other sink's failure, got %d", len(healthy.seen))
	}
}

func TestNoHooksEnvVarDisablesDispatch(t *testing.T) {
	os.Setenv("STEROIDS_NO_HOOKS", "1")
	defer os.Unsetenv("STEROIDS_NO_HOOKS")

	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(slog.Default(), sink)
	d.Dispatch(context.Background(), NewEvent(EventTaskCreated, "proj", "t0", nil))

	if len(sink.seen) != 0 {
		t.Fatalf("expected no dispatch while STEROIDS_NO_HOOKS=1, got %v", sink.seen)
	}
}

func TestUnconfiguredSinksAreExcluded(t *testing.T) {
	webhook := NewWebhookSink("", "") // no URL: unconfigured
	script := NewScriptSink("/bin/true", 0)
	d := NewDispatcher(slog.Default(), webhook, script)

	if len(d.sinks) != 1 {
		t.Fatalf("expected only the configured script sink to be registered, got %d", len(d.sinks))
	}
	if d.sinks[0].Name() != "script" {
		t.Fatalf("expected script sink to survive filtering, got %s", d.sinks[0].Name())
	}
}
