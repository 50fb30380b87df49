// Package creditpause implements the Credit-Pause Controller: when a
// provider invocation's failure is classified as credit exhaustion, the
// controller blocks the caller in a polling wait until the operator changes
// the affected role's provider/model configuration, or an abort signal
// fires. Polling cadence mirrors internal/ai/chain.go's circuit breaker
// resetTimeout shape and internal/agent/orchestrator.go's ticker-based
// background loops.
package creditpause

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/steroids-run/steroids/internal/hooks"
	"github.com/steroids-run/steroids/internal/store"
)

// pollInterval is the 30-second polling cadence spec.md §4.9 sets for
// reload-config / heartbeat / shouldStop checks. A var, not a const, so
// tests can shrink it rather than waiting out real 30-second windows.
var pollInterval = 30 * time.Second

// maxMessageLen bounds the Trigger.Message recorded into an incident's
// details JSON.
const maxMessageLen = 200

func sanitizeMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen])
}

// Resolution is the fixed set of outcomes a pause can resolve to.
type Resolution string

const (
	ResolutionImmediateFail Resolution = "immediate_fail"
	ResolutionConfigChanged Resolution = "config_changed"
	ResolutionStopped       Resolution = "stopped"
)

// Result is the outcome of a Wait call.
type Result struct {
	Resolved   bool
	Resolution Resolution
}

// RoleConfig is the provider/model pair a paused role is currently
// configured with; Reload re-reads it live so a config edit while paused is
// observed on the next poll.
type RoleConfig struct {
	Provider string
	Model    string
}

// Trigger describes the invocation that hit credit exhaustion.
type Trigger struct {
	Provider    string
	Model       string
	Role        string
	Message     string
	RunnerID    string
	ProjectPath string
	TaskID      int64
}

// Controller is the Credit-Pause Controller for one project's runner.
type Controller struct {
	Store      *store.ProjectStore
	Sink       *hooks.Dispatcher
	Log        *slog.Logger
	ReloadRole func(role string) (RoleConfig, error)
	// OnceMode, when true, makes Wait return immediate_fail without
	// polling — the single-task CLI invocation path.
	OnceMode bool
}

func (c *Controller) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Wait blocks until the pause resolves: the role's configured
// provider/model changes, shouldStop reports true, or (in OnceMode) never —
// it returns immediately with ResolutionImmediateFail. onHeartbeat is
// invoked once per poll so the caller's locks and leases stay alive during
// a long pause. nowRFC3339 supplies the current time for incident
// timestamps, kept injectable for deterministic tests.
func (c *Controller) Wait(ctx context.Context, trig Trigger, shouldStop func() bool, onHeartbeat func(), nowRFC3339 func() string) (Result, error) {
	details, err := json.Marshal(map[string]any{
		"schemaVersion": 1,
		"provider":      trig.Provider,
		"model":         trig.Model,
		"role":          trig.Role,
		"message":       sanitizeMessage(trig.Message),
	})
	if err != nil {
		return Result{}, fmt.Errorf("creditpause: marshaling incident details: %w", err)
	}

	incidentID, err := c.Store.InsertIncident(ctx, store.Incident{
		TaskID:      trig.TaskID,
		RunnerID:    trig.RunnerID,
		FailureMode: store.FailureModeCreditExhaustion,
		DetectedAt:  nowRFC3339(),
		Details:     string(details),
		CreatedAt:   nowRFC3339(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("creditpause: recording incident: %w", err)
	}

	c.dispatch(ctx, hooks.EventCreditExhausted, trig, nowRFC3339())

	if c.OnceMode {
		if err := c.Store.ResolveIncident(ctx, incidentID, string(ResolutionImmediateFail), nowRFC3339()); err != nil {
			return Result{}, fmt.Errorf("creditpause: resolving incident: %w", err)
		}
		return Result{Resolved: false, Resolution: ResolutionImmediateFail}, nil
	}

	c.log().Warn("credit exhausted, pausing until config changes or stop",
		"provider", trig.Provider, "model", trig.Model, "role", trig.Role)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}

		if onHeartbeat != nil {
			onHeartbeat()
		}

		if shouldStop != nil && shouldStop() {
			if err := c.Store.ResolveIncident(ctx, incidentID, string(ResolutionStopped), nowRFC3339()); err != nil {
				return Result{}, fmt.Errorf("creditpause: resolving incident: %w", err)
			}
			return Result{Resolved: false, Resolution: ResolutionStopped}, nil
		}

		cfg, err := c.ReloadRole(trig.Role)
		if err != nil {
			c.log().Warn("creditpause: reloading role config failed, will retry", "err", err)
			continue
		}
		if cfg.Provider != trig.Provider || cfg.Model != trig.Model {
			if err := c.Store.ResolveIncident(ctx, incidentID, string(ResolutionConfigChanged), nowRFC3339()); err != nil {
				return Result{}, fmt.Errorf("creditpause: resolving incident: %w", err)
			}
			c.dispatch(ctx, hooks.EventCreditResolved, trig, nowRFC3339())
			return Result{Resolved: true, Resolution: ResolutionConfigChanged}, nil
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, typ hooks.EventType, trig Trigger, now string) {
	if c.Sink == nil {
		return
	}
	c.Sink.Dispatch(ctx, hooks.NewEvent(typ, trig.ProjectPath, now, map[string]any{
		"provider": trig.Provider,
		"model":    trig.Model,
		"role":     trig.Role,
	}))
}
