// Package httpapi exposes the engine and the ingestion pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/drip/internal/ingest"
	"github.com/petrijr/drip/internal/telemetry"
	"github.com/petrijr/drip/pkg/api"
)

// Ingester is the part of the ingestion pipeline the API drives.
type Ingester interface {
	Ingest(ctx context.Context, ev api.Event) (ingest.Ack, error)
	Suppress(ctx context.Context, customerID string) (ingest.Ack, error)
}

// MetricsFunc returns the current telemetry points.
type MetricsFunc func(ctx context.Context) ([]telemetry.Point, error)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Engine  api.Engine
	Ingest  Ingester
	Metrics MetricsFunc
	Logger  *slog.Logger
}

// NewServer creates a Server. metrics may be nil.
func NewServer(eng api.Engine, in Ingester, metrics MetricsFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Engine: eng, Ingest: in, Metrics: metrics, Logger: logger}
}

// Echo builds the router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil {
				level = slog.LevelWarn
			}
			s.Logger.LogAttrs(c.Request().Context(), level, "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	v1 := e.Group("/v1")
	v1.POST("/campaigns", s.CreateCampaign)
	v1.GET("/campaigns", s.ListCampaigns)
	v1.GET("/campaigns/:id", s.GetCampaign)
	v1.GET("/campaigns/:id/stats", s.CampaignStats)
	v1.POST("/campaigns/:id/pause", s.PauseCampaign)
	v1.POST("/campaigns/:id/resume", s.ResumeCampaign)
	v1.POST("/campaigns/:id/cancel", s.CancelCampaign)

	v1.POST("/events", s.PostEvent)
	v1.POST("/customers/:id/suppress", s.Suppress)

	v1.GET("/instances", s.ListInstances)
	v1.GET("/instances/:id", s.GetInstance)
	v1.GET("/instances/:id/history", s.History)

	v1.GET("/metrics", s.GetMetrics)
	return e
}

// httpError maps domain errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, api.ErrCampaignNotFound), errors.Is(err, api.ErrInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, api.ErrInvalidDefinition), errors.Is(err, ingest.ErrInvalidEvent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrInstanceBusy), errors.Is(err, api.ErrCampaignExists), errors.Is(err, api.ErrCampaignCancelled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// CreateCampaign accepts a campaign spec as JSON or YAML
// (POST /v1/campaigns)
func (s *Server) CreateCampaign(c echo.Context) error {
	var spec api.CampaignSpec
	if strings.Contains(c.Request().Header.Get(echo.HeaderContentType), "yaml") {
		dec := yaml.NewDecoder(c.Request().Body)
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	} else if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	camp, err := s.Engine.CreateCampaign(c.Request().Context(), spec)
	if camp == nil && err != nil {
		return httpError(err)
	}
	if err != nil {
		// Created, but the initial sweep was incomplete; the cron sweep catches up.
		s.Logger.Warn("campaign_sweep_incomplete", slog.String("campaign_id", camp.ID), slog.Any("error", err))
	}
	return c.JSON(http.StatusCreated, camp)
}

// (GET /v1/campaigns)
func (s *Server) ListCampaigns(c echo.Context) error {
	camps, err := s.Engine.ListCampaigns(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, camps)
}

// (GET /v1/campaigns/:id)
func (s *Server) GetCampaign(c echo.Context) error {
	camp, err := s.Engine.GetCampaign(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, camp)
}

// (GET /v1/campaigns/:id/stats)
func (s *Server) CampaignStats(c echo.Context) error {
	stats, err := s.Engine.CampaignStats(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// (POST /v1/campaigns/:id/pause)
func (s *Server) PauseCampaign(c echo.Context) error {
	if err := s.Engine.PauseCampaign(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// (POST /v1/campaigns/:id/resume)
func (s *Server) ResumeCampaign(c echo.Context) error {
	if err := s.Engine.ResumeCampaign(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelCampaign ends the campaign and exits its live instances. The JSON
// body is optional
// (POST /v1/campaigns/:id/cancel)
func (s *Server) CancelCampaign(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.Engine.CancelCampaign(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PostEvent ingests one customer event
// (POST /v1/events)
func (s *Server) PostEvent(c echo.Context) error {
	var ev api.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ack, err := s.Ingest.Ingest(c.Request().Context(), ev)
	if err != nil {
		if ack.EventID == "" {
			return httpError(err)
		}
		// The event is stored; some proposals failed and will be retried by sweeps.
		s.Logger.Warn("event_proposals_failed", slog.String("event_id", ack.EventID), slog.Any("error", err))
	}
	return c.JSON(http.StatusAccepted, ack)
}

// (POST /v1/customers/:id/suppress)
func (s *Server) Suppress(c echo.Context) error {
	ack, err := s.Ingest.Suppress(c.Request().Context(), c.Param("id"))
	if err != nil && ack.EventID == "" {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, ack)
}

// ListInstances filters by campaign_id, customer_id, status and live
// (GET /v1/instances)
func (s *Server) ListInstances(c echo.Context) error {
	filter := api.InstanceFilter{
		CampaignID: c.QueryParam("campaign_id"),
		CustomerID: c.QueryParam("customer_id"),
		Status:     api.Status(strings.ToUpper(c.QueryParam("status"))),
	}
	if raw := c.QueryParam("live"); raw != "" {
		live, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "live: "+err.Error())
		}
		filter.Live = live
	}
	insts, err := s.Engine.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, insts)
}

// (GET /v1/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.Engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

// (GET /v1/instances/:id/history)
func (s *Server) History(c echo.Context) error {
	events, err := s.Engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

// (GET /v1/metrics)
func (s *Server) GetMetrics(c echo.Context) error {
	if s.Metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "telemetry is disabled")
	}
	points, err := s.Metrics(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, points)
}
