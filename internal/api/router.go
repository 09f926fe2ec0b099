package api

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewServer builds an echo instance with the scheduler routes registered
func NewServer(scheduler Scheduler, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	Setup(e, scheduler, logger)
	return e
}

// Setup configures middleware and routes on e
func Setup(e *echo.Echo, scheduler Scheduler, logger *zap.Logger) {
	e.Use(echomw.Recover())
	e.Use(requestLogger(logger.Named("http")))

	h := NewSchedulerHandler(scheduler, logger)

	g := e.Group("/api/scheduler")
	g.GET("/tasks", h.ListTasks)
	g.DELETE("/tasks", h.ClearAll)
	g.GET("/tasks/:id", h.GetTask)
	g.POST("/tasks/:id/toggle", h.ToggleTask)
	g.POST("/tasks/:id/stop", h.StopTask)
	g.GET("/stats", h.Stats)
	g.GET("/cron/validate", h.ValidateCron)
	g.POST("/reload", h.Reload)
	g.PUT("/remotes/:name", h.ReloadRemote)
	g.DELETE("/remotes/:name", h.RemoveRemote)
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("Request handled",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)))
			return nil
		}
	}
}
