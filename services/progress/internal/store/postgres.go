package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/learn-platform/services/progress/internal/interval"
)

// PostgresStore is the production Postgres-backed implementation of all
// three repository interfaces (see migrations/0001_init.sql).
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ── ProgressRepository ─────────────────────────────────────────────────────

func (s *PostgresStore) Get(ctx context.Context, userID, lessonID uuid.UUID) (ProgressRecord, bool, error) {
	q := `SELECT org_id, segments, unique_seconds, completed_at, last_tick_at, updated_at
	      FROM lesson_progress WHERE user_id=$1 AND lesson_id=$2`

	rec := ProgressRecord{UserID: userID, LessonID: lessonID}
	var segJSON []byte
	err := s.db.QueryRow(ctx, q, userID, lessonID).
		Scan(&rec.OrgID, &segJSON, &rec.UniqueSeconds, &rec.CompletedAt, &rec.LastTickAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProgressRecord{}, false, nil
		}
		return ProgressRecord{}, false, fmt.Errorf("progress get: %w", err)
	}
	rec.Segments, err = decodeSegments(segJSON)
	if err != nil {
		return ProgressRecord{}, false, fmt.Errorf("progress get: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec ProgressRecord) error {
	segJSON, err := encodeSegments(rec.Segments)
	if err != nil {
		return fmt.Errorf("progress save: %w", err)
	}

	q := `
INSERT INTO lesson_progress (user_id, lesson_id, org_id, segments, unique_seconds, completed_at, last_tick_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, lesson_id)
DO UPDATE SET
  segments       = EXCLUDED.segments,
  unique_seconds = EXCLUDED.unique_seconds,
  completed_at   = COALESCE(lesson_progress.completed_at, EXCLUDED.completed_at),
  last_tick_at   = EXCLUDED.last_tick_at,
  updated_at     = EXCLUDED.updated_at`

	_, err = s.db.Exec(ctx, q,
		rec.UserID, rec.LessonID, rec.OrgID, segJSON, rec.UniqueSeconds,
		rec.CompletedAt, rec.LastTickAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("progress save: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInProgress(ctx context.Context, userID uuid.UUID, limit int, cursor *ProgressCursor) ([]ProgressRecord, error) {
	q := `SELECT lesson_id, org_id, segments, unique_seconds, completed_at, last_tick_at, updated_at
	      FROM lesson_progress WHERE user_id=$1 AND completed_at IS NULL`
	args := []any{userID}

	if cursor != nil {
		q += " AND (updated_at, lesson_id) < ($2, $3)"
		args = append(args, cursor.UpdatedAt, cursor.LessonID)
	}
	q += " ORDER BY updated_at DESC, lesson_id DESC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("progress list: %w", err)
	}
	defer rows.Close()

	var out []ProgressRecord
	for rows.Next() {
		rec := ProgressRecord{UserID: userID}
		var segJSON []byte
		if err := rows.Scan(&rec.LessonID, &rec.OrgID, &segJSON, &rec.UniqueSeconds, &rec.CompletedAt, &rec.LastTickAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("progress list: %w", err)
		}
		if rec.Segments, err = decodeSegments(segJSON); err != nil {
			return nil, fmt.Errorf("progress list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── LessonRepository ───────────────────────────────────────────────────────

func (s *PostgresStore) GetLesson(ctx context.Context, id uuid.UUID) (Lesson, bool, error) {
	q := `SELECT org_id, title, provider, duration_s, COALESCE(completion_threshold, 0)
	      FROM lessons WHERE id=$1`

	l := Lesson{ID: id}
	err := s.db.QueryRow(ctx, q, id).
		Scan(&l.OrgID, &l.Title, &l.Provider, &l.DurationS, &l.CompletionThreshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lesson{}, false, nil
		}
		return Lesson{}, false, fmt.Errorf("lesson get: %w", err)
	}
	return l, true, nil
}

// ── StatsRepository ────────────────────────────────────────────────────────

func (s *PostgresStore) LastSummarizedDay(ctx context.Context) (time.Time, bool, error) {
	var day *time.Time
	err := s.db.QueryRow(ctx, `SELECT MAX(day) FROM lesson_daily_stats`).Scan(&day)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stats watermark: %w", err)
	}
	if day == nil {
		return time.Time{}, false, nil
	}
	return day.UTC(), true, nil
}

func (s *PostgresStore) EarliestActivityDay(ctx context.Context) (time.Time, bool, error) {
	var earliest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT LEAST(MIN(last_tick_at), MIN(completed_at)) FROM lesson_progress`,
	).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stats earliest activity: %w", err)
	}
	if earliest == nil {
		return time.Time{}, false, nil
	}
	t := earliest.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true, nil
}

func (s *PostgresStore) ActivityBetween(ctx context.Context, from, to time.Time) ([]ProgressActivity, error) {
	q := `
SELECT p.user_id, p.lesson_id, p.org_id, p.unique_seconds, COALESCE(l.duration_s, 0), p.last_tick_at, p.completed_at
FROM lesson_progress p
LEFT JOIN lessons l ON l.id = p.lesson_id
WHERE (p.last_tick_at >= $1 AND p.last_tick_at < $2)
   OR (p.completed_at >= $1 AND p.completed_at < $2)`

	rows, err := s.db.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("stats activity: %w", err)
	}
	defer rows.Close()

	var out []ProgressActivity
	for rows.Next() {
		var a ProgressActivity
		if err := rows.Scan(&a.UserID, &a.LessonID, &a.OrgID, &a.UniqueSeconds, &a.DurationS, &a.LastTickAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("stats activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDailyStats(ctx context.Context, stats []DailyStat) (int, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	q := `
INSERT INTO lesson_daily_stats (org_id, lesson_id, day, viewers, unique_seconds_sum, avg_percent, completes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (org_id, lesson_id, day)
DO UPDATE SET
  viewers            = EXCLUDED.viewers,
  unique_seconds_sum = EXCLUDED.unique_seconds_sum,
  avg_percent        = EXCLUDED.avg_percent,
  completes          = EXCLUDED.completes`

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("stats upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	written := 0
	for _, row := range stats {
		if _, err := tx.Exec(ctx, q,
			row.OrgID, row.LessonID, row.Day, row.Viewers,
			row.UniqueSecondsSum, row.AvgPercent, row.Completes,
		); err != nil {
			return 0, fmt.Errorf("stats upsert (%s/%s/%s): %w", row.OrgID, row.LessonID, row.Day.Format("2006-01-02"), err)
		}
		written++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("stats upsert commit: %w", err)
	}
	return written, nil
}

// ── segment codec ──────────────────────────────────────────────────────────

// Segments are stored as JSONB [[start,end],...] for compactness and easy
// ad-hoc querying from reporting tools.
func encodeSegments(spans []interval.Span) ([]byte, error) {
	pairs := make([][2]float64, len(spans))
	for i, s := range spans {
		pairs[i] = [2]float64{s.Start, s.End}
	}
	return json.Marshal(pairs)
}

func decodeSegments(raw []byte) ([]interval.Span, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var pairs [][2]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	spans := make([]interval.Span, len(pairs))
	for i, p := range pairs {
		spans[i] = interval.Span{Start: p[0], End: p[1]}
	}
	return spans, nil
}
