package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/steroids-run/steroids/internal/hooks"
)

// TestSinkIncrementsEventsTotal confirms every dispatched event bumps the
// generic per-type counter regardless of its kind.
func TestSinkIncrementsEventsTotal(t *testing.T) {
	sink := NewSink()
	ctx := context.Background()

	before := testutil.ToFloat64(EventsTotal.WithLabelValues(string(hooks.EventTaskCompleted), "proj-sink-a"))
	if err := sink.Dispatch(ctx, hooks.NewEvent(hooks.EventTaskCompleted, "proj-sink-a", "t0", nil)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	after := testutil.ToFloat64(EventsTotal.WithLabelValues(string(hooks.EventTaskCompleted), "proj-sink-a"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %v -> %v", before, after)
	}
}

// TestSinkIncrementsCreditPausesOnExhaustion confirms credit.exhausted
// events are also tallied per project/role.
func TestSinkIncrementsCreditPausesOnExhaustion(t *testing.T) {
	sink := NewSink()
	ctx := context.Background()

	evt := hooks.NewEvent(hooks.EventCreditExhausted, "proj-sink-b", "t0", map[string]any{"role": "coder"})
	before := testutil.ToFloat64(CreditPauses.WithLabelValues("proj-sink-b", "coder"))
	if err := sink.Dispatch(ctx, evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	after := testutil.ToFloat64(CreditPauses.WithLabelValues("proj-sink-b", "coder"))
	if after != before+1 {
		t.Fatalf("expected credit pause counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestSinkNeverErrors(t *testing.T) {
	sink := NewSink()
	if !sink.IsConfigured() {
		t.Fatal("expected always-configured sink")
	}
	if sink.Name() == "" {
		t.Fatal("expected non-empty sink name")
	}
}
