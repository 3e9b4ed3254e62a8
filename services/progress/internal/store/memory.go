package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/learn-platform/services/progress/internal/interval"
)

// InMemoryStore is a development/test implementation of all three
// repository interfaces.
// WARNING: not suitable for production — state is lost on restart and
// does not work across multiple instances.
type InMemoryStore struct {
	mu       sync.RWMutex
	progress map[progressKey]ProgressRecord
	lessons  map[uuid.UUID]Lesson
	stats    map[statsKey]DailyStat
}

type progressKey struct {
	userID   uuid.UUID
	lessonID uuid.UUID
}

type statsKey struct {
	orgID    uuid.UUID
	lessonID uuid.UUID
	day      time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		progress: make(map[progressKey]ProgressRecord),
		lessons:  make(map[uuid.UUID]Lesson),
		stats:    make(map[statsKey]DailyStat),
	}
}

// PutLesson seeds lesson reference data.
func (s *InMemoryStore) PutLesson(l Lesson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[l.ID] = l
}

// ── ProgressRepository ─────────────────────────────────────────────────────

func (s *InMemoryStore) Get(_ context.Context, userID, lessonID uuid.UUID) (ProgressRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.progress[progressKey{userID, lessonID}]
	if !ok {
		return ProgressRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *InMemoryStore) Save(_ context.Context, rec ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{rec.UserID, rec.LessonID}
	// completed_at is write-once, mirroring the Postgres COALESCE guard.
	if prev, ok := s.progress[key]; ok && prev.CompletedAt != nil {
		rec.CompletedAt = prev.CompletedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	s.progress[key] = cloneRecord(rec)
	return nil
}

func (s *InMemoryStore) ListInProgress(_ context.Context, userID uuid.UUID, limit int, cursor *ProgressCursor) ([]ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []ProgressRecord
	for key, rec := range s.progress {
		if key.userID == userID && rec.CompletedAt == nil {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].LessonID.String() > recs[j].LessonID.String()
	})

	if cursor != nil {
		idx := 0
		for i, r := range recs {
			if r.UpdatedAt.Before(cursor.UpdatedAt) ||
				(r.UpdatedAt.Equal(cursor.UpdatedAt) && r.LessonID.String() < cursor.LessonID.String()) {
				idx = i
				break
			}
			idx = i + 1
		}
		recs = recs[idx:]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// ── LessonRepository ───────────────────────────────────────────────────────

func (s *InMemoryStore) GetLesson(_ context.Context, id uuid.UUID) (Lesson, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lessons[id]
	return l, ok, nil
}

// ── StatsRepository ────────────────────────────────────────────────────────

func (s *InMemoryStore) LastSummarizedDay(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max time.Time
	found := false
	for key := range s.stats {
		if !found || key.day.After(max) {
			max = key.day
			found = true
		}
	}
	return max, found, nil
}

func (s *InMemoryStore) EarliestActivityDay(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var min time.Time
	found := false
	consider := func(ts *time.Time) {
		if ts == nil {
			return
		}
		day := toUTCDay(*ts)
		if !found || day.Before(min) {
			min = day
			found = true
		}
	}
	for _, rec := range s.progress {
		consider(rec.LastTickAt)
		consider(rec.CompletedAt)
	}
	return min, found, nil
}

func (s *InMemoryStore) ActivityBetween(_ context.Context, from, to time.Time) ([]ProgressActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	within := func(ts *time.Time) bool {
		return ts != nil && !ts.Before(from) && ts.Before(to)
	}

	var out []ProgressActivity
	for _, rec := range s.progress {
		if !within(rec.LastTickAt) && !within(rec.CompletedAt) {
			continue
		}
		var dur int
		if l, ok := s.lessons[rec.LessonID]; ok {
			dur = l.DurationS
		}
		out = append(out, ProgressActivity{
			UserID:        rec.UserID,
			LessonID:      rec.LessonID,
			OrgID:         rec.OrgID,
			UniqueSeconds: rec.UniqueSeconds,
			DurationS:     dur,
			LastTickAt:    rec.LastTickAt,
			CompletedAt:   rec.CompletedAt,
		})
	}
	return out, nil
}

func (s *InMemoryStore) UpsertDailyStats(_ context.Context, rows []DailyStat) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		s.stats[statsKey{row.OrgID, row.LessonID, row.Day}] = row
	}
	return len(rows), nil
}

// DailyStatFor returns a written stats row; test helper.
func (s *InMemoryStore) DailyStatFor(orgID, lessonID uuid.UUID, day time.Time) (DailyStat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[statsKey{orgID, lessonID, day}]
	return st, ok
}

// StatsCount returns the number of stats rows; test helper.
func (s *InMemoryStore) StatsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stats)
}

func cloneRecord(rec ProgressRecord) ProgressRecord {
	out := rec
	out.Segments = append([]interval.Span(nil), rec.Segments...)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		out.CompletedAt = &t
	}
	if rec.LastTickAt != nil {
		t := *rec.LastTickAt
		out.LastTickAt = &t
	}
	return out
}

func toUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
