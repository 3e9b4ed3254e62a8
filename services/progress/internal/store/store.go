package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/learn-platform/services/progress/internal/interval"
)

// ProgressRecord is the per-(user, lesson) watch state. Segments hold the
// canonical watched spans; UniqueSeconds caches their merged coverage so
// reads never re-derive it. CompletedAt is set at most once and never
// cleared. LastTickAt is the wall-clock time of the most recent accepted
// heartbeat and backs the staleness guard.
type ProgressRecord struct {
	UserID        uuid.UUID
	LessonID      uuid.UUID
	OrgID         uuid.UUID
	Segments      []interval.Span
	UniqueSeconds int
	CompletedAt   *time.Time
	LastTickAt    *time.Time
	UpdatedAt     time.Time
}

// Lesson is read-only reference data for the progress core. DurationS == 0
// means the video duration is unknown. CompletionThreshold == 0 means the
// service-wide default applies.
type Lesson struct {
	ID                  uuid.UUID
	OrgID               uuid.UUID
	Title               string
	Provider            string
	DurationS           int
	CompletionThreshold float64
}

// DailyStat is one materialized reporting row, unique per (org, lesson, day).
// Day is a UTC midnight timestamp.
type DailyStat struct {
	OrgID            uuid.UUID
	LessonID         uuid.UUID
	Day              time.Time
	Viewers          int
	UniqueSecondsSum int64
	AvgPercent       float64
	Completes        int
}

// ProgressActivity is the rollup read model: a progress record joined with
// its lesson's duration.
type ProgressActivity struct {
	UserID        uuid.UUID
	LessonID      uuid.UUID
	OrgID         uuid.UUID
	UniqueSeconds int
	DurationS     int
	LastTickAt    *time.Time
	CompletedAt   *time.Time
}

// ProgressCursor is the decoded form of the opaque pagination cursor.
type ProgressCursor struct {
	UpdatedAt time.Time
	LessonID  uuid.UUID
}

// ProgressRepository defines persistence for per-learner watch state.
type ProgressRepository interface {
	// Get returns the record for (user, lesson); found=false when the
	// learner has never ticked this lesson.
	Get(ctx context.Context, userID, lessonID uuid.UUID) (rec ProgressRecord, found bool, err error)
	// Save upserts the record keyed by (user, lesson).
	Save(ctx context.Context, rec ProgressRecord) error
	// ListInProgress returns up to limit non-completed records ordered by
	// updated_at DESC. cursor, if non-nil, acts as an exclusive lower bound
	// for keyset pagination.
	ListInProgress(ctx context.Context, userID uuid.UUID, limit int, cursor *ProgressCursor) ([]ProgressRecord, error)
}

// LessonRepository resolves lesson reference data.
type LessonRepository interface {
	GetLesson(ctx context.Context, id uuid.UUID) (lesson Lesson, found bool, err error)
}

// StatsRepository backs the daily rollup job.
type StatsRepository interface {
	// LastSummarizedDay returns the max day already materialized; found=false
	// when the stats table is empty.
	LastSummarizedDay(ctx context.Context) (day time.Time, found bool, err error)
	// EarliestActivityDay returns the earliest UTC day with any raw activity
	// (min of last_tick_at and completed_at); found=false with no activity.
	EarliestActivityDay(ctx context.Context) (day time.Time, found bool, err error)
	// ActivityBetween returns progress activity with a last tick or a
	// completion inside [from, to).
	ActivityBetween(ctx context.Context, from, to time.Time) ([]ProgressActivity, error)
	// UpsertDailyStats writes rows keyed by (org, lesson, day) and returns
	// the number written. Re-running with the same rows is idempotent.
	UpsertDailyStats(ctx context.Context, rows []DailyStat) (int, error)
}
