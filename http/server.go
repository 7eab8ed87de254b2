// Package http provides the echo server bootstrap shared by the jobmon
// services: standard middleware, the domain-error handler, and graceful
// shutdown.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/ihmeuw-scicomp/jobmon/common"
)

// ServerConfig contains configuration for creating an echo server.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string // e.g. "10M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests per second, 0 = no limit
}

// DefaultServerConfig returns a server config with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8070,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// NewEchoServer creates an echo instance with the standard middleware
// stack and the jobmon error handler.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodOptions,
			},
		}))
	}
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	return e
}

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler maps domain errors onto the HTTP contract: 400 malformed,
// 401 unauthorized, 404 not found, 409 conflict or invalid transition,
// 503 database unavailable, 500 otherwise. Internal errors never expose
// their cause; the request id serves as the opaque correlation handle.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorBody{Code: "internal", Message: "internal server error"}

	var ve *common.ValidationError
	var nf *common.NotFoundError
	var it *common.InvalidTransitionError
	var ce *common.ConflictError
	var ue *common.UnauthorizedError
	var nc *common.WorkflowRunNotCurrentError
	var he *echo.HTTPError

	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body = ErrorBody{Code: "validation_error", Message: ve.Message}
	case errors.As(err, &nf):
		status = http.StatusNotFound
		body = ErrorBody{Code: "not_found", Message: nf.Error()}
	case errors.As(err, &it):
		status = http.StatusConflict
		body = ErrorBody{Code: "invalid_transition", Message: it.Error(), Details: map[string]interface{}{
			"from": it.From, "to": it.To,
		}}
	case errors.As(err, &ce):
		status = http.StatusConflict
		body = ErrorBody{Code: "conflict", Message: ce.Message}
	case errors.As(err, &ue):
		status = http.StatusUnauthorized
		body = ErrorBody{Code: "unauthorized", Message: ue.Error()}
	case errors.As(err, &nc):
		status = http.StatusConflict
		body = ErrorBody{Code: "workflow_run_not_current", Message: nc.Error()}
	case errors.Is(err, common.ErrDatabaseUnavailable):
		status = http.StatusServiceUnavailable
		body = ErrorBody{Code: "database_unavailable", Message: "database unavailable"}
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body = ErrorBody{Code: http.StatusText(he.Code), Message: msg}
		} else {
			body = ErrorBody{Code: http.StatusText(he.Code), Message: http.StatusText(he.Code)}
		}
	default:
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		common.Logger.WithError(err).WithField("request_id", requestID).Error("unhandled server error")
		body.Details = map[string]interface{}{"request_id": requestID}
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		common.Logger.WithError(writeErr).Error("failed to write error response")
	}
}

// StartServer starts the echo server with the configured timeouts.
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	common.Logger.WithField("port", config.Port).Info("starting server")
	return e.StartServer(s)
}

// GracefulShutdown drains in-flight requests before stopping.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	common.Logger.Info("shutting down server")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
