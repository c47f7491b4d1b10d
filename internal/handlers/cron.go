package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/scheduler"
)

type SyncRunner interface {
	RunOnce(ctx context.Context) (*scheduler.RunSummary, error)
}

// CronHandler runs the scheduled record sync on demand
type CronHandler struct {
	runner SyncRunner
}

func NewCronHandler(runner SyncRunner) *CronHandler {
	return &CronHandler{runner: runner}
}

// RegisterRoutes registers POST /cron/sync behind the given auth middleware
func (h *CronHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	e.POST("/cron/sync", h.Sync, auth)
}

// Sync handles POST /cron/sync
func (h *CronHandler) Sync(c echo.Context) error {
	summary, err := h.runner.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, summary)
}
