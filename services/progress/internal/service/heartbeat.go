// Package service holds the heartbeat reconciliation logic: turning a
// stream of imprecise, possibly out-of-order playback position reports
// into a monotonic measure of unique watched seconds and a sticky
// completion decision.
package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/analytics"
	"github.com/example/learn-platform/services/progress/internal/interval"
	"github.com/example/learn-platform/services/progress/internal/metrics"
	"github.com/example/learn-platform/services/progress/internal/store"
)

// Policy are the reconciliation knobs. Values are product tradeoffs, not
// invariants; see config.ProgressConfig.
type Policy struct {
	// PaddingS widens a point-in-time position report into a short span of
	// inferred-watched time, matching the client's polling granularity.
	PaddingS int
	// BackdateToleranceS is how far behind the stored last tick a request's
	// arrival time may be before it is treated as an out-of-order retry.
	BackdateToleranceS int
	// MaxJumpS caps a plausible forward jump; larger jumps are seeks.
	MaxJumpS int
	// CompletionThreshold is the watched fraction that marks a lesson
	// complete when the lesson doesn't override it.
	CompletionThreshold float64
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{PaddingS: 2, BackdateToleranceS: 5, MaxJumpS: 7200, CompletionThreshold: 0.92}
}

// Result is the post-reconciliation state returned to the client.
type Result struct {
	UniqueSeconds int
	Completed     bool
}

// Heartbeat reconciles playback position reports into progress records.
type Heartbeat struct {
	progress store.ProgressRepository
	events   *analytics.Publisher
	policy   Policy
	log      *zap.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

func NewHeartbeat(progress store.ProgressRepository, events *analytics.Publisher, policy Policy, log *zap.Logger) *Heartbeat {
	return &Heartbeat{
		progress: progress,
		events:   events,
		policy:   policy,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record applies one heartbeat for (user, lesson) at reported playback
// position t (seconds). The caller has already resolved the lesson and
// checked tenancy. Duplicate, stale and implausible reports are normal
// traffic: they return the current state without error.
func (h *Heartbeat) Record(ctx context.Context, userID uuid.UUID, lesson store.Lesson, t float64, provider string) (Result, error) {
	now := h.Now()

	rec, found, err := h.progress.Get(ctx, userID, lesson.ID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		rec = store.ProgressRecord{UserID: userID, LessonID: lesson.ID, OrgID: lesson.OrgID}
	}

	// Out-of-order guard. This intentionally compares request *arrival*
	// time against the stored last tick, not the reported t — a slow but
	// correctly-ordered request can be dropped. Kept for compatibility
	// with the established client behaviour.
	if rec.LastTickAt != nil && now.Before(rec.LastTickAt.Add(-time.Duration(h.policy.BackdateToleranceS)*time.Second)) {
		metrics.HeartbeatsTotal.WithLabelValues(metrics.ResultStale).Inc()
		return Result{UniqueSeconds: rec.UniqueSeconds, Completed: rec.CompletedAt != nil}, nil
	}

	// Re-canonicalize defensively; concurrently-written or legacy rows may
	// hold unmerged spans.
	segments := interval.Merge(rec.Segments)
	previousMax := interval.MaxEnd(segments)

	if t < 0 {
		t = 0
	}
	if t > previousMax {
		jump := t - previousMax
		if jump > float64(h.policy.MaxJumpS) {
			// Seek/scrub or bad client data. Keep what we have.
			metrics.HeartbeatsTotal.WithLabelValues(metrics.ResultImplausible).Inc()
			h.log.Debug("implausible heartbeat jump ignored",
				zap.String("user_id", userID.String()),
				zap.String("lesson_id", lesson.ID.String()),
				zap.Float64("t", t),
				zap.Float64("previous_max", previousMax),
			)
		} else {
			end := t
			if lesson.DurationS > 0 && end > float64(lesson.DurationS) {
				end = float64(lesson.DurationS)
			}
			start := end - float64(h.policy.PaddingS)
			if start < 0 {
				start = 0
			}
			if end > start {
				segments = interval.Merge(append(segments, interval.Span{Start: start, End: end}))
			}
		}
	}

	unique := rec.UniqueSeconds
	if !found || !spansEqual(rec.Segments, segments) {
		unique = int(math.Round(interval.UniqueSeconds(segments, float64(lesson.DurationS))))
	}

	completedAt := rec.CompletedAt
	newlyCompleted := false
	if completedAt == nil && lesson.DurationS > 0 {
		threshold := lesson.CompletionThreshold
		if threshold <= 0 {
			threshold = h.policy.CompletionThreshold
		}
		if float64(unique)/float64(lesson.DurationS) >= threshold {
			ts := now
			completedAt = &ts
			newlyCompleted = true
		}
	}

	rec.Segments = segments
	rec.UniqueSeconds = unique
	rec.CompletedAt = completedAt
	tick := now
	rec.LastTickAt = &tick

	// Single write after all computation; a timed-out request leaves the
	// record untouched.
	if err := h.progress.Save(ctx, rec); err != nil {
		return Result{}, err
	}

	metrics.HeartbeatsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
	if newlyCompleted {
		metrics.CompletionsTotal.Inc()
	}

	res := Result{UniqueSeconds: unique, Completed: completedAt != nil}

	h.events.Publish(analytics.SubjectProgressTick, "lesson_progress_tick",
		userID.String(), lesson.OrgID.String(), map[string]any{
			"lesson_id":      lesson.ID.String(),
			"provider":       provider,
			"unique_seconds": unique,
			"completed":      res.Completed,
		})
	if newlyCompleted {
		h.events.Publish(analytics.SubjectProgressCompleted, "lesson_completed",
			userID.String(), lesson.OrgID.String(), map[string]any{
				"lesson_id":      lesson.ID.String(),
				"provider":       provider,
				"duration_s":     lesson.DurationS,
				"unique_seconds": unique,
			})
	}

	return res, nil
}

func spansEqual(a, b []interval.Span) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
