// Package rollup materializes per-day engagement summaries out of the raw
// progress records. The job is watermark-driven and idempotent: the newest
// day present in the stats table marks everything up to and including it as
// closed, and only later days are recomputed.
package rollup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/analytics"
	"github.com/example/learn-platform/services/progress/internal/metrics"
	"github.com/example/learn-platform/services/progress/internal/store"
)

// Summary reports what a single run covered. To is exclusive; a run that
// found nothing to do has Days == 0.
type Summary struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Days        int       `json:"days"`
	RowsWritten int       `json:"rowsWritten"`
}

// Job computes daily stats rows from raw progress activity.
type Job struct {
	stats  store.StatsRepository
	events *analytics.Publisher
	log    *zap.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

func NewJob(stats store.StatsRepository, events *analytics.Publisher, log *zap.Logger) *Job {
	return &Job{
		stats:  stats,
		events: events,
		log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run summarizes every fully-elapsed UTC day after the watermark. The day
// containing the current time is never processed. Days are written oldest
// first, one upsert per day, so a mid-run failure leaves a consistent
// watermark and the next run resumes where this one stopped.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	today := utcDay(j.Now())

	start, ok, err := j.startDay(ctx)
	if err != nil {
		metrics.RollupRunsTotal.WithLabelValues("error").Inc()
		return Summary{}, err
	}
	if !ok || !start.Before(today) {
		metrics.RollupRunsTotal.WithLabelValues("success").Inc()
		return Summary{From: today, To: today}, nil
	}

	sum := Summary{From: start, To: today}
	for day := start; day.Before(today); day = day.Add(24 * time.Hour) {
		rows, err := j.summarizeDay(ctx, day)
		if err != nil {
			metrics.RollupRunsTotal.WithLabelValues("error").Inc()
			return Summary{}, err
		}
		written, err := j.stats.UpsertDailyStats(ctx, rows)
		if err != nil {
			metrics.RollupRunsTotal.WithLabelValues("error").Inc()
			return Summary{}, err
		}
		sum.Days++
		sum.RowsWritten += written
		metrics.RollupRowsWritten.Add(float64(written))
	}

	metrics.RollupRunsTotal.WithLabelValues("success").Inc()
	j.log.Info("rollup run finished",
		zap.Time("from", sum.From),
		zap.Time("to", sum.To),
		zap.Int("days", sum.Days),
		zap.Int("rows_written", sum.RowsWritten),
	)
	j.events.Publish(analytics.SubjectRollupFinished, "rollup_finished", "", "", map[string]any{
		"from":         sum.From.Format("2006-01-02"),
		"to":           sum.To.Format("2006-01-02"),
		"days":         sum.Days,
		"rows_written": sum.RowsWritten,
	})
	return sum, nil
}

// startDay picks the first day to (re)compute: the day after the watermark,
// or the earliest raw activity when the stats table is empty.
func (j *Job) startDay(ctx context.Context) (time.Time, bool, error) {
	watermark, found, err := j.stats.LastSummarizedDay(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if found {
		return watermark.Add(24 * time.Hour), true, nil
	}
	earliest, found, err := j.stats.EarliestActivityDay(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	return earliest, found, nil
}

type statsKey struct {
	orgID    uuid.UUID
	lessonID uuid.UUID
}

type accumulator struct {
	viewers      int
	uniqueSum    int64
	percentSum   float64
	percentCount int
	completes    int
}

func (j *Job) summarizeDay(ctx context.Context, day time.Time) ([]store.DailyStat, error) {
	next := day.Add(24 * time.Hour)
	activities, err := j.stats.ActivityBetween(ctx, day, next)
	if err != nil {
		return nil, err
	}

	within := func(ts *time.Time) bool {
		return ts != nil && !ts.Before(day) && ts.Before(next)
	}

	acc := make(map[statsKey]*accumulator)
	get := func(a store.ProgressActivity) *accumulator {
		key := statsKey{a.OrgID, a.LessonID}
		cur, ok := acc[key]
		if !ok {
			cur = &accumulator{}
			acc[key] = cur
		}
		return cur
	}

	for _, a := range activities {
		// Watch time and viewership follow the last tick; a record whose
		// only event today is a completion contributes completes only.
		if within(a.LastTickAt) && a.UniqueSeconds > 0 {
			cur := get(a)
			cur.viewers++
			unique := a.UniqueSeconds
			if a.DurationS > 0 {
				if unique > a.DurationS {
					unique = a.DurationS
				}
				pct := float64(unique) / float64(a.DurationS)
				if pct > 1 {
					pct = 1
				}
				cur.percentSum += pct
				cur.percentCount++
			}
			cur.uniqueSum += int64(unique)
		}
		if within(a.CompletedAt) {
			get(a).completes++
		}
	}

	rows := make([]store.DailyStat, 0, len(acc))
	for key, cur := range acc {
		row := store.DailyStat{
			OrgID:            key.orgID,
			LessonID:         key.lessonID,
			Day:              day,
			Viewers:          cur.viewers,
			UniqueSecondsSum: cur.uniqueSum,
			Completes:        cur.completes,
		}
		if cur.percentCount > 0 {
			row.AvgPercent = cur.percentSum / float64(cur.percentCount)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
