// Package server exposes skill management and broker authorization over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/lifecycle"
	"github.com/dyluth/skillbox/internal/provision"
)

// APIRoot prefixes every API route; the broker's go-auth settings use it too.
const APIRoot = "/api"

// Installer installs uploaded skill archives.
type Installer interface {
	Install(ctx context.Context, req provision.InstallRequest) (*provision.InstallResult, error)
}

// Skills manages installed skills.
type Skills interface {
	List(ctx context.Context) ([]lifecycle.Status, error)
	Get(ctx context.Context, name string) (lifecycle.Status, error)
	Start(ctx context.Context, name string) (*lifecycle.Result, error)
	Stop(ctx context.Context, name string, force bool) (*lifecycle.Result, error)
	Delete(ctx context.Context, name string, force bool) (*lifecycle.Result, error)
}

// Authorizer answers the broker's auth plugin.
type Authorizer interface {
	Login(ctx context.Context, username, password string) error
	CheckACL(ctx context.Context, username, topic, acc string) error
	Superuser(ctx context.Context, username string) error
}

// Options wires the server to its collaborators.
type Options struct {
	Installer  Installer
	Skills     Skills
	Authorizer Authorizer
	Logger     *slog.Logger
	LogLevel   string // level of echo's own logger
	BodyLimit  string // maximum upload size, e.g. "512M"
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Detail    any    `json:"detail"`
}

// New builds the echo instance with all routes registered.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	SetLevel(e, opts.LogLevel)

	e.HTTPErrorHandler = errorHandler(logger)

	bodyLimit := opts.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "512M"
	}
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	e.Use(middleware.BodyLimit(bodyLimit))

	h := &handlers{installer: opts.Installer, skills: opts.Skills, auth: opts.Authorizer}

	e.GET("/", func(c echo.Context) error {
		return c.Redirect(http.StatusTemporaryRedirect, APIRoot+"/skills")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group(APIRoot)
	api.GET("/skills", h.listSkills)
	api.POST("/skills", h.installSkill)
	api.GET("/skills/:name", h.getSkill)
	api.DELETE("/skills/:name", h.deleteSkill)
	api.POST("/skills/:name/start", h.startSkill)
	api.POST("/skills/:name/stop", h.stopSkill)

	api.POST("/login", h.login)
	api.POST("/acl", h.acl)
	api.POST("/superuser", h.superuser)

	return e
}

// Run serves e on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "event", "http_listen", "addr", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("shutting down", "event", "http_shutdown")
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetLevel sets the level of echo's internal logger.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "", "warn":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "event", "http_error", "path", c.Path(), "code", body.ErrorCode, "error", err)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Warn("failed to write error response", "event", "http_error_write", "error", writeErr)
		}
	}
}

func errorResponse(err error) (int, ErrorBody) {
	if coded, ok := apierr.As(err); ok {
		detail := coded.Detail
		if s, isString := detail.(string); isString && s == "" && coded.Cause != nil {
			detail = coded.Cause.Error()
		}
		return coded.Status(), ErrorBody{ErrorCode: string(coded.Code), Detail: detail}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "http_error"
		switch he.Code {
		case http.StatusNotFound:
			code = string(apierr.CodeNotFound)
		case http.StatusBadRequest:
			code = "bad_request"
		case http.StatusMethodNotAllowed:
			code = "method_not_allowed"
		case http.StatusRequestEntityTooLarge:
			code = "payload_too_large"
		}
		return he.Code, ErrorBody{ErrorCode: code, Detail: he.Message}
	}

	return http.StatusInternalServerError, ErrorBody{ErrorCode: string(apierr.CodeInternal), Detail: err.Error()}
}

// requestLogger logs one line per request with latency and outcome.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status, _ = errorResponse(err)
			}
			attrs := []any{
				"event", "http_request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration", time.Since(begin),
			}
			if err != nil {
				attrs = append(attrs, "code", apierr.CodeOf(err))
			}
			logger.Info("request", attrs...)
			return err
		}
	}
}
