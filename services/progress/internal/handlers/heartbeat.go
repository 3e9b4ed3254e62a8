// Package handlers wires the progress core to the HTTP surface.
package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/api"
	"github.com/example/learn-platform/internal/platform/auth"
	"github.com/example/learn-platform/internal/platform/httpserver"
	"github.com/example/learn-platform/services/progress/internal/service"
	"github.com/example/learn-platform/services/progress/internal/store"
)

const maxHeartbeatBody = 1 << 20

var validProviders = map[string]bool{
	"native":  true,
	"youtube": true,
	"vimeo":   true,
	"wistia":  true,
	"mux":     true,
}

type heartbeatRequest struct {
	LessonID string  `json:"lessonId"`
	Provider string  `json:"provider"`
	T        float64 `json:"t"`
}

type heartbeatResponse struct {
	OK            bool `json:"ok"`
	UniqueSeconds int  `json:"uniqueSeconds"`
	Completed     bool `json:"completed"`
}

// HeartbeatHandler accepts playback position reports from the player.
type HeartbeatHandler struct {
	lessons store.LessonRepository
	svc     *service.Heartbeat
	log     *zap.Logger
}

func NewHeartbeatHandler(lessons store.LessonRepository, svc *service.Heartbeat, log *zap.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{lessons: lessons, svc: svc, log: log}
}

func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rid := httpserver.RequestIDFromContext(ctx)

	userID, ok := auth.UserIDFromContext(ctx)
	orgID, okOrg := auth.OrgIDFromContext(ctx)
	if !ok || !okOrg {
		api.Unauthorized(w, "UNAUTHORIZED", "Authentication required", rid)
		return
	}
	userUUID, err := uuid.Parse(userID)
	if err != nil {
		api.Unauthorized(w, "UNAUTHORIZED", "Malformed subject", rid)
		return
	}

	var req heartbeatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxHeartbeatBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Request body is not valid JSON", rid, nil)
		return
	}

	if strings.TrimSpace(req.LessonID) == "" {
		api.BadRequest(w, "MISSING_LESSON_ID", "lessonId is required", rid, nil)
		return
	}
	lessonID, err := uuid.Parse(req.LessonID)
	if err != nil {
		api.BadRequest(w, "INVALID_LESSON_ID", "lessonId must be a UUID", rid, nil)
		return
	}
	if !validProviders[req.Provider] {
		api.BadRequest(w, "INVALID_PROVIDER", "Unknown playback provider", rid, map[string]any{"provider": req.Provider})
		return
	}
	if math.IsNaN(req.T) || math.IsInf(req.T, 0) {
		api.BadRequest(w, "INVALID_TIME", "t must be a finite number of seconds", rid, nil)
		return
	}

	lesson, found, err := h.lessons.GetLesson(ctx, lessonID)
	if err != nil {
		h.log.Error("lesson lookup failed", zap.Error(err), zap.String("request_id", rid))
		api.Internal(w, rid)
		return
	}
	if !found {
		api.NotFound(w, "LESSON_NOT_FOUND", "Lesson does not exist", rid)
		return
	}
	if lesson.OrgID.String() != orgID {
		api.Forbidden(w, "WRONG_ORG", "Lesson belongs to another organization", rid)
		return
	}

	res, err := h.svc.Record(ctx, userUUID, lesson, req.T, req.Provider)
	if err != nil {
		h.log.Error("heartbeat reconciliation failed",
			zap.Error(err),
			zap.String("request_id", rid),
			zap.String("lesson_id", lessonID.String()),
		)
		api.Internal(w, rid)
		return
	}

	api.WriteJSON(w, http.StatusOK, heartbeatResponse{
		OK:            true,
		UniqueSeconds: res.UniqueSeconds,
		Completed:     res.Completed,
	})
}
