package observability

import (
	"context"
	"strconv"

	"github.com/steroids-run/steroids/internal/hooks"
)

// Sink is a hooks.EventSink that turns every dispatched event into a
// Prometheus counter increment, so metrics stay current without any of
// the dispatching packages knowing observability exists. It never fails a
// dispatch: Dispatch always returns nil, matching the best-effort contract
// every other sink in this codebase follows.
type Sink struct{}

// NewSink returns a ready-to-register Sink. It carries no state of its
// own; all counters live in the package-level metric vars so a process
// only ever needs one.
func NewSink() *Sink { return &Sink{} }

func (s *Sink) Name() string       { return "prometheus" }
func (s *Sink) IsConfigured() bool { return true }

func (s *Sink) Dispatch(ctx context.Context, evt hooks.Event) error {
	EventsTotal.WithLabelValues(string(evt.Type), evt.Project).Inc()

	switch evt.Type {
	case hooks.EventCreditExhausted:
		role, _ := evt.Fields["role"].(string)
		CreditPauses.WithLabelValues(evt.Project, role).Inc()
	case hooks.EventHealthCritical, hooks.EventHealthChanged:
		mode, _ := evt.Fields["mode"].(string)
		recovered, _ := evt.Fields["recovered"].(bool)
		StuckFindings.WithLabelValues(evt.Project, mode, strconv.FormatBool(recovered)).Inc()
	}
	return nil
}
