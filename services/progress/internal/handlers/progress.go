package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/api"
	"github.com/example/learn-platform/internal/platform/auth"
	"github.com/example/learn-platform/internal/platform/httpserver"
	"github.com/example/learn-platform/services/progress/internal/store"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

type continueItem struct {
	LessonID      string     `json:"lessonId"`
	UniqueSeconds int        `json:"uniqueSeconds"`
	LastTickAt    *time.Time `json:"lastTickAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type continueResponse struct {
	Items      []continueItem `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// ContinueHandler serves the learner's continue-watching list: lessons with
// progress but no completion, most recently touched first.
type ContinueHandler struct {
	progress store.ProgressRepository
	log      *zap.Logger
}

func NewContinueHandler(progress store.ProgressRepository, log *zap.Logger) *ContinueHandler {
	return &ContinueHandler{progress: progress, log: log}
}

func (h *ContinueHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rid := httpserver.RequestIDFromContext(ctx)

	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		api.Unauthorized(w, "UNAUTHORIZED", "Authentication required", rid)
		return
	}
	userUUID, err := uuid.Parse(userID)
	if err != nil {
		api.Unauthorized(w, "UNAUTHORIZED", "Malformed subject", rid)
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			api.BadRequest(w, "INVALID_LIMIT", "limit must be a positive integer", rid, nil)
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	var cursor *store.ProgressCursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err = decodeCursor(raw)
		if err != nil {
			api.BadRequest(w, "INVALID_CURSOR", "cursor is malformed", rid, nil)
			return
		}
	}

	recs, err := h.progress.ListInProgress(ctx, userUUID, limit, cursor)
	if err != nil {
		h.log.Error("continue-watching list failed", zap.Error(err), zap.String("request_id", rid))
		api.Internal(w, rid)
		return
	}

	resp := continueResponse{Items: make([]continueItem, 0, len(recs))}
	for _, rec := range recs {
		resp.Items = append(resp.Items, continueItem{
			LessonID:      rec.LessonID.String(),
			UniqueSeconds: rec.UniqueSeconds,
			LastTickAt:    rec.LastTickAt,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	if len(recs) == limit {
		last := recs[len(recs)-1]
		resp.NextCursor = encodeCursor(last.UpdatedAt, last.LessonID)
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

// The cursor is "unixMilli:lessonID" base64url-encoded, ordering by
// (updated_at, lesson_id) to keep keyset pagination stable across ties.
func encodeCursor(ts time.Time, lessonID uuid.UUID) string {
	raw := fmt.Sprintf("%d:%s", ts.UnixMilli(), lessonID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*store.ProgressCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("cursor: missing separator")
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("cursor lesson id: %w", err)
	}
	return &store.ProgressCursor{UpdatedAt: time.UnixMilli(ms).UTC(), LessonID: id}, nil
}
