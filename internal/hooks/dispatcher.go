package hooks

import (
	"context"
	"log/slog"
	"os"
)

// Dispatcher fans an Event out to every configured sink, sequentially and
// in registration order, so that for a single entity's lifecycle the order
// events are observed by any one sink matches emission order. Grounded on
// internal/notify/dispatcher.go's channel fan-out shape.
type Dispatcher struct {
	sinks   []EventSink
	log     *slog.Logger
	noHooks bool
}

// NewDispatcher builds a Dispatcher over sinks, dropping any that report
// IsConfigured() == false. STEROIDS_NO_HOOKS=1 disables dispatch entirely,
// used by tests and by operators diagnosing a misbehaving sink.
func NewDispatcher(log *slog.Logger, sinks ...EventSink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{log: log, noHooks: os.Getenv("STEROIDS_NO_HOOKS") == "1"}
	for _, s := range sinks {
		if s.IsConfigured() {
			d.sinks = append(d.sinks, s)
		}
	}
	return d
}

// Dispatch sends evt to every configured sink. Failures are logged and
// never returned: hook execution is always best-effort, per the
// Orchestration Loop's error-propagation policy.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	if d.noHooks {
		return
	}
	for _, sink := range d.sinks {
		if err := sink.Dispatch(ctx, evt); err != nil {
			d.log.Warn("hook dispatch failed", "sink", sink.Name(), "event", evt.Type, "err", err)
		}
	}
}
