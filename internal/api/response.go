package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/t77yq/transfer-scheduler/internal/scheduler"
)

// Response is the envelope every endpoint answers with
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func successResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

func errorResponse(c echo.Context, status int, msg string) error {
	return c.JSON(status, Response{
		Success: false,
		Error:   msg,
	})
}

// statusFor maps scheduler errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidCron),
		errors.Is(err, scheduler.ErrDayRollover):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrTaskNotEnabled),
		errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
