// Package httpapi exposes the read-only ops surface: health and pipeline
// status. It is not a reporting UI.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/design4music/sni-platform-sub000/internal/db"
)

type Server struct {
	echo   *echo.Echo
	pool   *db.Pool
	logger zerolog.Logger
}

func New(pool *db.Pool, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		pool:   pool,
		logger: logger,
	}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	return s
}

func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info().Str("addr", addr).Msg("ops server listening")
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.pool.DB().PingContext(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	QueueDepths map[string]int `json:"queue_depths"`
	StageRuns   []stageRunView `json:"stage_runs"`
}

type stageRunView struct {
	Stage      string     `json:"stage"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Processed  int        `json:"processed"`
	Error      string     `json:"error,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	depths, err := s.queueDepths(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("status: queue depths")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
	}
	runs, err := s.lastStageRuns(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("status: stage runs")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
	}

	return c.JSON(http.StatusOK, statusResponse{QueueDepths: depths, StageRuns: runs})
}

func (s *Server) queueDepths(ctx context.Context) (map[string]int, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM sni.headlines WHERE status = 'pending'),
	(SELECT COUNT(*) FROM sni.headlines WHERE status = 'assigned'),
	(SELECT COUNT(*) FROM sni.bucket_assignments WHERE NOT clustered),
	(SELECT COUNT(*) FROM sni.feed_sources WHERE active)
`
	var pending, assigned, unclustered, activeFeeds int
	if err := s.pool.QueryRow(ctx, q).Scan(&pending, &assigned, &unclustered, &activeFeeds); err != nil {
		return nil, fmt.Errorf("count queue depths: %w", err)
	}
	return map[string]int{
		"pending_headlines":  pending,
		"assigned_headlines": assigned,
		"unclustered":        unclustered,
		"active_feeds":       activeFeeds,
	}, nil
}

// lastStageRuns returns the most recent run per stage.
func (s *Server) lastStageRuns(ctx context.Context) ([]stageRunView, error) {
	const q = `
SELECT DISTINCT ON (stage) stage, started_at, finished_at, status, processed, COALESCE(error_message, '')
FROM sni.stage_runs
ORDER BY stage, started_at DESC
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load stage runs: %w", err)
	}
	defer rows.Close()

	var out []stageRunView
	for rows.Next() {
		var v stageRunView
		if err := rows.Scan(&v.Stage, &v.StartedAt, &v.FinishedAt, &v.Status, &v.Processed, &v.Error); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage runs: %w", err)
	}
	return out, nil
}
