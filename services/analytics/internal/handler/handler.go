// Package handler routes raw NATS messages to PostHog captures.
package handler

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Capturer is the slice of the PostHog client the dispatcher needs.
type Capturer interface {
	Capture(distinctID, event string, props map[string]any)
}

// Dispatcher routes incoming NATS messages to the correct PostHog capture call.
type Dispatcher struct {
	ph  Capturer
	log *zap.Logger
}

// New creates a Dispatcher.
func New(ph Capturer, log *zap.Logger) *Dispatcher {
	return &Dispatcher{ph: ph, log: log}
}

// envelope is the canonical event shape produced by the progress service.
type envelope struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id"`
	OrgID      string         `json:"org_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties"`
}

// Dispatch routes msg by subject. Unknown subjects are logged and dropped;
// the caller Acks regardless to avoid redelivery loops.
func (d *Dispatcher) Dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case "analytics.progress.tick":
		// Heartbeats arrive every few seconds per active viewer; capturing
		// them individually would swamp PostHog. Engagement comes from the
		// daily rollup instead.
	case "analytics.progress.completed":
		d.handleLessonCompleted(msg)
	case "analytics.rollup.finished":
		d.handleRollupFinished(msg)
	default:
		d.log.Debug("analytics: unhandled subject", zap.String("subject", msg.Subject))
	}
}

func (d *Dispatcher) handleLessonCompleted(msg *nats.Msg) {
	var ev envelope
	if !unmarshal(d.log, msg, &ev) {
		return
	}
	if ev.UserID == "" {
		return
	}
	props := map[string]any{"org_id": ev.OrgID}
	for k, v := range ev.Properties {
		props[k] = v
	}
	d.ph.Capture(ev.UserID, "lesson_completed", props)
}

func (d *Dispatcher) handleRollupFinished(msg *nats.Msg) {
	var ev envelope
	if !unmarshal(d.log, msg, &ev) {
		return
	}
	// Operational event, not tied to a learner.
	d.ph.Capture("system", "rollup_finished", ev.Properties)
}

func unmarshal(log *zap.Logger, msg *nats.Msg, dst any) bool {
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		log.Error("analytics: unmarshal message",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return false
	}
	return true
}
