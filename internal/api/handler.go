// Package api exposes the scheduler query operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/scheduler"
)

// Scheduler is the part of the scheduler service the handlers use
type Scheduler interface {
	ListTasks() []*model.ScheduledTask
	GetTask(id string) (*model.ScheduledTask, error)
	Stats() model.ScheduledTaskStats
	ToggleTask(id string) (*model.ScheduledTask, error)
	StopTask(ctx context.Context, id string) (*model.ScheduledTask, error)
	ValidateCron(expr string) model.CronValidation
	ReloadFromConfigs(configs model.RemoteConfigs) (int, error)
	ReloadRemote(remote string, cfg model.RemoteConfig) (int, error)
	RemoveRemote(remote string) (int, error)
	Reload() error
	ClearAll() int
}

// SchedulerHandler serves the /api/scheduler routes
type SchedulerHandler struct {
	scheduler Scheduler
	logger    *zap.Logger
}

func NewSchedulerHandler(scheduler Scheduler, logger *zap.Logger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler, logger: logger.Named("api")}
}

// reloadRequest carries the remote settings document. An empty body
// rebuilds timers from the tasks already loaded; a body without
// remote_configs is refused so it cannot be read as an empty document.
type reloadRequest struct {
	RemoteConfigs *model.RemoteConfigs `json:"remote_configs"`
}

// ListTasks handles GET /api/scheduler/tasks
func (h *SchedulerHandler) ListTasks(c echo.Context) error {
	return successResponse(c, h.scheduler.ListTasks())
}

// GetTask handles GET /api/scheduler/tasks/:id
func (h *SchedulerHandler) GetTask(c echo.Context) error {
	task, err := h.scheduler.GetTask(c.Param("id"))
	if err != nil {
		return errorResponse(c, statusFor(err), err.Error())
	}
	return successResponse(c, task)
}

// Stats handles GET /api/scheduler/stats
func (h *SchedulerHandler) Stats(c echo.Context) error {
	return successResponse(c, h.scheduler.Stats())
}

// ToggleTask handles POST /api/scheduler/tasks/:id/toggle
func (h *SchedulerHandler) ToggleTask(c echo.Context) error {
	task, err := h.scheduler.ToggleTask(c.Param("id"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// refused state transitions surface as plain errors
			status = http.StatusConflict
		}
		return errorResponse(c, status, err.Error())
	}
	return successResponse(c, task)
}

// StopTask handles POST /api/scheduler/tasks/:id/stop
func (h *SchedulerHandler) StopTask(c echo.Context) error {
	task, err := h.scheduler.StopTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		h.logger.Warn("Failed to stop task", zap.String("task_id", c.Param("id")), zap.Error(err))
		return errorResponse(c, status, err.Error())
	}
	return successResponse(c, task)
}

// ValidateCron handles GET /api/scheduler/cron/validate?cronExpression=
func (h *SchedulerHandler) ValidateCron(c echo.Context) error {
	expr := strings.TrimSpace(c.QueryParam("cronExpression"))
	if expr == "" {
		return errorResponse(c, http.StatusBadRequest, "cronExpression is required")
	}
	return successResponse(c, h.scheduler.ValidateCron(expr))
}

// Reload handles POST /api/scheduler/reload
func (h *SchedulerHandler) Reload(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if err := h.scheduler.Reload(); err != nil {
			h.logger.Error("Failed to reload scheduler", zap.Error(err))
			return errorResponse(c, statusFor(err), err.Error())
		}
		return successResponse(c, "Scheduled tasks reloaded")
	}

	var req reloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.RemoteConfigs == nil {
		return errorResponse(c, http.StatusBadRequest, "remote_configs is required")
	}
	configs := *req.RemoteConfigs
	if configs == nil {
		configs = model.RemoteConfigs{}
	}

	created, err := h.scheduler.ReloadFromConfigs(configs)
	if errors.Is(err, scheduler.ErrSchedulerBuildFailed) {
		h.logger.Error("Failed to rebuild scheduler", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, err.Error())
	}
	if err != nil {
		// per task reconciliation errors; the rest of the reload still applied
		h.logger.Warn("Reload finished with errors", zap.Int("created", created), zap.Error(err))
	}
	return successResponse(c, created)
}

// ReloadRemote handles PUT /api/scheduler/remotes/:name
func (h *SchedulerHandler) ReloadRemote(c echo.Context) error {
	var cfg model.RemoteConfig
	if err := json.NewDecoder(c.Request().Body).Decode(&cfg); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}

	remote := c.Param("name")
	created, err := h.scheduler.ReloadRemote(remote, cfg)
	if errors.Is(err, scheduler.ErrSchedulerBuildFailed) {
		h.logger.Error("Failed to rebuild scheduler", zap.String("remote", remote), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, err.Error())
	}
	if err != nil {
		h.logger.Warn("Remote reload finished with errors",
			zap.String("remote", remote),
			zap.Int("created", created),
			zap.Error(err))
	}
	return successResponse(c, created)
}

// RemoveRemote handles DELETE /api/scheduler/remotes/:name
func (h *SchedulerHandler) RemoveRemote(c echo.Context) error {
	remote := c.Param("name")
	removed, err := h.scheduler.RemoveRemote(remote)
	if err != nil {
		h.logger.Warn("Failed to remove some tasks of remote", zap.String("remote", remote), zap.Error(err))
	}
	return successResponse(c, removed)
}

// ClearAll handles DELETE /api/scheduler/tasks
func (h *SchedulerHandler) ClearAll(c echo.Context) error {
	removed := h.scheduler.ClearAll()
	h.logger.Info("Cleared scheduled tasks", zap.Int("removed", removed))
	return successResponse(c, removed)
}
