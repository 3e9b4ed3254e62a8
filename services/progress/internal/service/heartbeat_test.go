package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learn-platform/services/progress/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time              { return c.t }
func (c *fakeClock) advance(d time.Duration)     { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                   { return &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)} }

func newTestHeartbeat(s *store.InMemoryStore, policy Policy) (*Heartbeat, *fakeClock) {
	clock := newFakeClock()
	h := NewHeartbeat(s, nil, policy, zap.NewNop())
	h.Now = clock.now
	return h, clock
}

func seedLesson(s *store.InMemoryStore, durationS int) store.Lesson {
	l := store.Lesson{
		ID:        uuid.New(),
		OrgID:     uuid.New(),
		Title:     "Intro to Photosynthesis",
		Provider:  "native",
		DurationS: durationS,
	}
	s.PutLesson(l)
	return l
}

func TestRecord_FirstHeartbeatCreatesRecord(t *testing.T) {
	s := store.NewInMemoryStore()
	h, _ := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	res, err := h.Record(context.Background(), user, lesson, 10, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// Position 10 with 2s padding infers the span [8,10).
	if res.UniqueSeconds != 2 {
		t.Fatalf("expected 2 unique seconds, got %d", res.UniqueSeconds)
	}
	if res.Completed {
		t.Fatal("expected not completed")
	}

	rec, found, _ := s.Get(context.Background(), user, lesson.ID)
	if !found {
		t.Fatal("expected record to be persisted")
	}
	if rec.LastTickAt == nil {
		t.Fatal("expected last_tick_at to be set")
	}
	if rec.OrgID != lesson.OrgID {
		t.Fatal("expected record scoped to lesson org")
	}
}

func TestRecord_MonotonicNonRegression(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	prev := 0
	for _, tick := range []float64{5, 5, 12, 30, 30, 31, 90, 300} {
		res, err := h.Record(context.Background(), user, lesson, tick, "native")
		if err != nil {
			t.Fatalf("record t=%v: %v", tick, err)
		}
		if res.UniqueSeconds < prev {
			t.Fatalf("unique seconds regressed: %d -> %d at t=%v", prev, res.UniqueSeconds, tick)
		}
		prev = res.UniqueSeconds
		clock.advance(5 * time.Second)
	}
}

func TestRecord_DuplicateReplayIsIdempotent(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	first, err := h.Record(context.Background(), user, lesson, 42, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.advance(time.Second)
	second, err := h.Record(context.Background(), user, lesson, 42, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if second.UniqueSeconds != first.UniqueSeconds {
		t.Fatalf("duplicate replay changed unique seconds: %d -> %d", first.UniqueSeconds, second.UniqueSeconds)
	}
}

func TestRecord_SmallerTIsNoOp(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	res1, _ := h.Record(context.Background(), user, lesson, 100, "native")
	clock.advance(5 * time.Second)
	res2, err := h.Record(context.Background(), user, lesson, 50, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res2.UniqueSeconds != res1.UniqueSeconds {
		t.Fatalf("non-increasing report changed unique seconds: %d -> %d", res1.UniqueSeconds, res2.UniqueSeconds)
	}
}

func TestRecord_ImplausibleJumpRejected(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 0) // unknown duration, no clipping
	user := uuid.New()

	res1, _ := h.Record(context.Background(), user, lesson, 30, "native")
	before, _, _ := s.Get(context.Background(), user, lesson.ID)

	clock.advance(5 * time.Second)
	res2, err := h.Record(context.Background(), user, lesson, 10000, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res2.UniqueSeconds != res1.UniqueSeconds {
		t.Fatalf("implausible jump changed unique seconds: %d -> %d", res1.UniqueSeconds, res2.UniqueSeconds)
	}

	after, _, _ := s.Get(context.Background(), user, lesson.ID)
	if len(after.Segments) != len(before.Segments) {
		t.Fatalf("implausible jump changed segments: %v -> %v", before.Segments, after.Segments)
	}
	// The heartbeat itself is still accepted: last tick advances.
	if !after.LastTickAt.After(*before.LastTickAt) {
		t.Fatal("expected last_tick_at to advance")
	}
}

func TestRecord_StaleHeartbeatIgnored(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	res1, _ := h.Record(context.Background(), user, lesson, 30, "native")

	// Rewind the wall clock past the backdate tolerance, simulating a
	// delayed retry arriving after a newer tick was already processed.
	clock.advance(-10 * time.Second)
	res2, err := h.Record(context.Background(), user, lesson, 60, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res2.UniqueSeconds != res1.UniqueSeconds {
		t.Fatalf("stale heartbeat mutated state: %d -> %d", res1.UniqueSeconds, res2.UniqueSeconds)
	}

	rec, _, _ := s.Get(context.Background(), user, lesson.ID)
	if rec.UniqueSeconds != res1.UniqueSeconds {
		t.Fatalf("stale heartbeat persisted changes: %d", rec.UniqueSeconds)
	}
}

func TestRecord_WithinBackdateToleranceAccepted(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	h.Record(context.Background(), user, lesson, 30, "native")

	// 3s behind is inside the 5s tolerance.
	clock.advance(-3 * time.Second)
	res, err := h.Record(context.Background(), user, lesson, 60, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.UniqueSeconds <= 2 {
		t.Fatalf("expected tolerated heartbeat to extend coverage, got %d", res.UniqueSeconds)
	}
}

func TestRecord_NegativeTClamped(t *testing.T) {
	s := store.NewInMemoryStore()
	h, _ := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	res, err := h.Record(context.Background(), user, lesson, -17, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.UniqueSeconds != 0 {
		t.Fatalf("expected 0 unique seconds for negative report, got %d", res.UniqueSeconds)
	}
}

func TestRecord_CompletionAndStickiness(t *testing.T) {
	s := store.NewInMemoryStore()
	// Wide padding so a handful of ticks covers the lesson.
	policy := DefaultPolicy()
	policy.PaddingS = 30
	h, clock := newTestHeartbeat(s, policy)
	lesson := seedLesson(s, 100)
	user := uuid.New()

	var res Result
	var err error
	for _, tick := range []float64{30, 60, 90, 100} {
		res, err = h.Record(context.Background(), user, lesson, tick, "native")
		if err != nil {
			t.Fatalf("record t=%v: %v", tick, err)
		}
		clock.advance(5 * time.Second)
	}
	if !res.Completed {
		t.Fatalf("expected completion at full coverage, got %+v", res)
	}

	rec, _, _ := s.Get(context.Background(), user, lesson.ID)
	completedAt := *rec.CompletedAt

	// Neither a rewind nor an implausible jump may un-complete.
	for _, tick := range []float64{5, 99999} {
		res, err = h.Record(context.Background(), user, lesson, tick, "native")
		if err != nil {
			t.Fatalf("record t=%v: %v", tick, err)
		}
		if !res.Completed {
			t.Fatalf("completion lost at t=%v", tick)
		}
		clock.advance(5 * time.Second)
	}
	rec, _, _ = s.Get(context.Background(), user, lesson.ID)
	if !rec.CompletedAt.Equal(completedAt) {
		t.Fatalf("completed_at moved: %v -> %v", completedAt, rec.CompletedAt)
	}
}

func TestRecord_LessonThresholdOverride(t *testing.T) {
	s := store.NewInMemoryStore()
	policy := DefaultPolicy()
	policy.PaddingS = 30
	h, clock := newTestHeartbeat(s, policy)

	lesson := store.Lesson{ID: uuid.New(), OrgID: uuid.New(), Provider: "vimeo", DurationS: 100, CompletionThreshold: 0.5}
	s.PutLesson(lesson)
	user := uuid.New()

	h.Record(context.Background(), user, lesson, 30, "vimeo")
	clock.advance(5 * time.Second)
	res, err := h.Record(context.Background(), user, lesson, 60, "vimeo")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// 60 of 100 seconds covered, lesson threshold 0.5.
	if !res.Completed {
		t.Fatalf("expected completion at lesson threshold 0.5, got %+v", res)
	}
}

func TestRecord_UnknownDurationNeverCompletes(t *testing.T) {
	s := store.NewInMemoryStore()
	policy := DefaultPolicy()
	policy.PaddingS = 600
	h, clock := newTestHeartbeat(s, policy)
	lesson := seedLesson(s, 0)
	user := uuid.New()

	var res Result
	for _, tick := range []float64{600, 1200, 1800} {
		res, _ = h.Record(context.Background(), user, lesson, tick, "native")
		clock.advance(5 * time.Second)
	}
	if res.Completed {
		t.Fatal("lesson with unknown duration must never complete")
	}
	if res.UniqueSeconds != 1800 {
		t.Fatalf("expected 1800 unclipped unique seconds, got %d", res.UniqueSeconds)
	}
}

// The deterministic end-to-end sequence: five spaced heartbeats against a
// 120s lesson produce exactly one padding-wide span per tick.
func TestRecord_EndToEndSequence(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 120)
	user := uuid.New()

	var res Result
	var err error
	for _, tick := range []float64{10, 40, 70, 100, 119} {
		res, err = h.Record(context.Background(), user, lesson, tick, "native")
		if err != nil {
			t.Fatalf("record t=%v: %v", tick, err)
		}
		clock.advance(5 * time.Second)
	}

	// Spans [8,10) [38,40) [68,70) [98,100) [117,119): 5 * 2s = 10s,
	// well under the 0.92*120 = 110.4s completion bar.
	if res.UniqueSeconds != 10 {
		t.Fatalf("expected 10 unique seconds, got %d", res.UniqueSeconds)
	}
	if res.Completed {
		t.Fatal("expected not completed")
	}

	rec, _, _ := s.Get(context.Background(), user, lesson.ID)
	if len(rec.Segments) != 5 {
		t.Fatalf("expected 5 disjoint segments, got %v", rec.Segments)
	}
}

// Back-to-back ticks closer than the padding interval must coalesce into a
// single span instead of double counting.
func TestRecord_OverlappingTicksDoNotDoubleCount(t *testing.T) {
	s := store.NewInMemoryStore()
	h, clock := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 600)
	user := uuid.New()

	var res Result
	for _, tick := range []float64{2, 3, 4, 5, 6} {
		res, _ = h.Record(context.Background(), user, lesson, tick, "native")
		clock.advance(time.Second)
	}
	// Coverage is exactly [0,6): overlapping 2s windows never sum past
	// the furthest point reached.
	if res.UniqueSeconds != 6 {
		t.Fatalf("expected 6 unique seconds, got %d", res.UniqueSeconds)
	}
	rec, _, _ := s.Get(context.Background(), user, lesson.ID)
	if len(rec.Segments) != 1 {
		t.Fatalf("expected a single coalesced segment, got %v", rec.Segments)
	}
}

func TestRecord_ReportBeyondDurationClipped(t *testing.T) {
	s := store.NewInMemoryStore()
	h, _ := newTestHeartbeat(s, DefaultPolicy())
	lesson := seedLesson(s, 60)
	user := uuid.New()

	res, err := h.Record(context.Background(), user, lesson, 300, "native")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// Synth span is clipped to [58,60) before merging.
	if res.UniqueSeconds != 2 {
		t.Fatalf("expected 2 unique seconds, got %d", res.UniqueSeconds)
	}
	rec, _, _ := s.Get(context.Background(), user, lesson.ID)
	if len(rec.Segments) != 1 || rec.Segments[0].End != 60 {
		t.Fatalf("expected clipped segment ending at 60, got %v", rec.Segments)
	}
}
