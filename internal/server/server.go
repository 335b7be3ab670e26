// Package server exposes the job registry over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eunmann/logscan/internal/logctx"
	"github.com/eunmann/logscan/internal/metrics"
	"github.com/eunmann/logscan/pkg/job"
	"github.com/eunmann/logscan/pkg/logging"
	"github.com/eunmann/logscan/pkg/source"
	"github.com/eunmann/logscan/pkg/store"
)

// Log page size limits.
const (
	DefaultPerPage = 100
	MaxPerPage     = 100000
)

const shutdownTimeout = 10 * time.Second

// Jobs is the part of the job registry the API serves.
type Jobs interface {
	Start(ctx context.Context, d source.Descriptor) (job.Snapshot, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (job.Snapshot, error)
	List(ctx context.Context) ([]job.Snapshot, error)
	ProcessedFiles(ctx context.Context, id string) ([]string, error)
	DateRange(ctx context.Context, id string) (job.DateRange, error)
	Summary(ctx context.Context, id string, dim store.Dimension) ([]store.SummaryRow, error)
	Metadata(ctx context.Context, id string) (store.Distinct, error)
	Logs(ctx context.Context, q store.LogQuery) (store.LogPage, error)
}

// Server holds the Gin engine and the registry it serves.
type Server struct {
	engine *gin.Engine
	jobs   Jobs
	addr   string
}

// New creates the API server for jobs listening on addr.
func New(jobs Jobs, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	s := &Server{
		engine: engine,
		jobs:   jobs,
		addr:   addr,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	jobs := s.engine.Group("/jobs")
	jobs.POST("/start", s.startJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id/status", s.jobStatus)
	jobs.GET("/:id/processed_files", s.processedFiles)
	jobs.POST("/:id/pause", s.pauseJob)
	jobs.POST("/:id/resume", s.resumeJob)
	jobs.POST("/:id/delete", s.deleteJob)
	jobs.GET("/:id/summary/:dimension", s.summary)
	jobs.GET("/:id/metadata", s.metadata)
	jobs.GET("/:id/date_range", s.dateRange)
	jobs.GET("/:id/logs", s.logs)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log := logging.L()
		log.Info().Str("addr", s.addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) startJob(c *gin.Context) {
	var d source.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		abort(c, fmt.Errorf("%w: %w", source.ErrConfiguration, err))
		return
	}
	snap, err := s.jobs.Start(c.Request.Context(), d)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listJobs(c *gin.Context) {
	snaps, err := s.jobs.List(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) jobStatus(c *gin.Context) {
	snap, err := s.jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) processedFiles(c *gin.Context) {
	id := c.Param("id")
	files, err := s.jobs.ProcessedFiles(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "processed_files": files})
}

func (s *Server) pauseJob(c *gin.Context) {
	if err := s.jobs.Pause(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Job paused"})
}

func (s *Server) resumeJob(c *gin.Context) {
	if err := s.jobs.Resume(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Job resumed"})
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Job deleted successfully"})
}

func (s *Server) summary(c *gin.Context) {
	dim, err := store.ParseDimension(c.Param("dimension"))
	if err != nil {
		abort(c, err)
		return
	}
	rows, err := s.jobs.Summary(c.Request.Context(), c.Param("id"), dim)
	if err != nil {
		abort(c, err)
		return
	}

	cols := dim.Columns()
	out := make([]gin.H, len(rows))
	for i, r := range rows {
		out[i] = gin.H{cols[0]: r.A, cols[1]: r.B, "count": r.Count}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) metadata(c *gin.Context) {
	d, err := s.jobs.Metadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) dateRange(c *gin.Context) {
	r, err := s.jobs.DateRange(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) logs(c *gin.Context) {
	q, err := logQueryOf(c)
	if err != nil {
		abort(c, err)
		return
	}
	page, err := s.jobs.Logs(c.Request.Context(), q)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func logQueryOf(c *gin.Context) (store.LogQuery, error) {
	q := store.LogQuery{
		JobID:  c.Param("id"),
		By:     c.DefaultQuery("by", "class"),
		Name:   c.Query("name"),
		Level:  c.DefaultQuery("level", store.LevelAll),
		Search: c.Query("q"),
	}
	if q.Name == "" {
		return q, fmt.Errorf("%w: name is required", store.ErrInvalidQuery)
	}

	var err error
	if q.Page, err = intParam(c, "page", 1); err != nil {
		return q, err
	}
	if q.PerPage, err = intParam(c, "per_page", DefaultPerPage); err != nil {
		return q, err
	}
	if q.PerPage > MaxPerPage {
		return q, fmt.Errorf("%w: per_page must be at most %d", store.ErrInvalidQuery, MaxPerPage)
	}
	if raw := c.Query("regex"); raw != "" {
		if q.Regex, err = strconv.ParseBool(raw); err != nil {
			return q, fmt.Errorf("%w: regex: %w", store.ErrInvalidQuery, err)
		}
	}
	return q, nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", store.ErrInvalidQuery, name)
	}
	return n, nil
}

// statusOf maps an error to its HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, source.ErrConfiguration), errors.Is(err, store.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound), errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrNotRunning), errors.Is(err, job.ErrNotPaused):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log := logctx.FromContext(c.Request.Context())
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"detail": err.Error()})
}

// requestLogger attaches the api logger to each request and logs completed
// requests at debug level.
func requestLogger() gin.HandlerFunc {
	log := logging.WithPhase("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logctx.WithLogger(c.Request.Context(), log))
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
