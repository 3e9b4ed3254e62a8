package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/api"
	"github.com/example/learn-platform/internal/platform/httpserver"
	"github.com/example/learn-platform/services/progress/internal/rollup"
)

// RollupHandler triggers a daily-stats rollup run on demand. Mounted behind
// the admin middleware; the scheduler uses the same Job, so an operator can
// backfill immediately after fixing data instead of waiting for the tick.
type RollupHandler struct {
	job *rollup.Job
	log *zap.Logger
}

func NewRollupHandler(job *rollup.Job, log *zap.Logger) *RollupHandler {
	return &RollupHandler{job: job, log: log}
}

func (h *RollupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())

	sum, err := h.job.Run(r.Context())
	if err != nil {
		h.log.Error("rollup run failed", zap.Error(err), zap.String("request_id", rid))
		api.Internal(w, rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, sum)
}
