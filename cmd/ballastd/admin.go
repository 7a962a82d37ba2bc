package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/driftline/ballast/backing"
	"github.com/driftline/ballast/tasks"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// buildAdminAPI wires the operator surface: health, task inspection and
// cancellation, dead letter review and replay, rate limit peeks. Business
// traffic never lands here.
func (s *Server) buildAdminAPI(bind string) {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echoprometheus.NewMiddleware("ballastd"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.handleHealthCheck)

	admin := e.Group("/admin")
	admin.GET("/tasks/:id", s.handleTaskGet)
	admin.POST("/tasks/:id/cancel", s.handleTaskCancel)
	admin.GET("/dead-letters", s.handleDeadLetters)
	admin.POST("/dead-letters/:id/replay", s.handleDeadLetterReplay)
	admin.GET("/rate-limit/:identity", s.handleRateLimitPeek)

	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	s.echo = e
	s.httpd = &http.Server{
		Handler:        e,
		Addr:           bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		s.logger.Warn("admin API internal error", "path", c.Path(), "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "ballastd", Message: errorMessage})
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.store.Ping(ctx); err != nil {
		return c.JSON(503, GenericStatus{Status: "error", Daemon: "ballastd", Message: "fast store unreachable"})
	}
	if _, err := s.records.Read(ctx, "health/probe"); err != nil && !errors.Is(err, backing.ErrNotFound) {
		return c.JSON(503, GenericStatus{Status: "error", Daemon: "ballastd", Message: "backing store unreachable"})
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "ballastd"})
}

func (s *Server) handleTaskGet(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := s.ledger.Get(ctx, c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	} else if err != nil {
		return err
	}
	return c.JSON(200, task)
}

func (s *Server) handleTaskCancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.ledger.Cancel(ctx, id); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		if errors.Is(err, tasks.ErrTaskTerminal) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(200, map[string]any{"id": id, "canceled": true})
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	ctx := c.Request().Context()
	limit := int64(50)
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	recs, err := s.ledger.DeadLetters(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"records": recs})
}

func (s *Server) handleDeadLetterReplay(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := s.ledger.Replay(ctx, c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	} else if errors.Is(err, tasks.ErrNotDeadLettered) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	} else if err != nil {
		return err
	}
	return c.JSON(200, task)
}

func (s *Server) handleRateLimitPeek(c echo.Context) error {
	ctx := c.Request().Context()
	decision, err := s.limiter.Peek(ctx, c.Param("identity"))
	if err != nil {
		return err
	}
	return c.JSON(200, decision)
}
