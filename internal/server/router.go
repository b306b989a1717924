// Package server exposes the job scheduler's REST control plane (spec §6.5
// server surface): job CRUD, on-the-fly run, disable/enable, purge, and a
// Prometheus /metrics passthrough, on the teacher's gin Router/APIEndpoints
// pattern (internal/server/router.go).
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agenda/internal/auth"
	"github.com/loykin/agenda/internal/config"
	"github.com/loykin/agenda/internal/job"
	"github.com/loykin/agenda/internal/metrics"
	"github.com/loykin/agenda/internal/processor"
	"github.com/loykin/agenda/internal/repository"
	tlsutil "github.com/loykin/agenda/internal/tls"
)

// Router provides embeddable HTTP handlers for managing scheduled jobs.
// Endpoints (mounted under basePath):
//
//	POST   /jobs            body: job.Record JSON -> upsert (spec §6.1 saveJob)
//	GET    /jobs             query: name/disabled/tag/limit/skip -> list
//	GET    /jobs/:id                                             -> get one
//	DELETE /jobs             query: name/disabled/tag            -> purge
//	POST   /jobs/:id/now                                         -> run on the fly
//	POST   /jobs/disable     query: name/tag                     -> bulk disable
//	POST   /jobs/enable      query: name/tag                     -> bulk enable
//	GET    /queue/:name                                          -> queue depth
//	GET    /metrics                                              -> Prometheus exposition
type Router struct {
	repo     repository.Repository
	proc     *processor.Processor
	basePath string
	authMW   *auth.Middleware
}

// APIEndpoints provides individual access to API handlers for custom registration.
type APIEndpoints struct {
	repo     repository.Repository
	proc     *processor.Processor
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(repo repository.Repository, proc *processor.Processor, basePath string) *Router {
	return &Router{repo: repo, proc: proc, basePath: sanitizeBase(basePath)}
}

// WithAuth attaches bearer-JWT authentication to every route this router
// serves. A nil or disabled Middleware leaves routes unauthenticated.
func (r *Router) WithAuth(m *auth.Middleware) *Router {
	r.authMW = m
	return r
}

// NewAPIEndpoints constructs APIEndpoints for individual handler registration.
// This allows registering each API endpoint separately with custom middleware.
func NewAPIEndpoints(repo repository.Repository, proc *processor.Processor, basePath string) *APIEndpoints {
	return &APIEndpoints{repo: repo, proc: proc, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.authMW != nil {
		group.Use(r.authMW.GinAuth())
	}
	group.POST("/jobs", r.handleSaveJob)
	group.GET("/jobs", r.handleListJobs)
	group.DELETE("/jobs", r.handlePurgeJobs)
	group.POST("/jobs/disable", r.handleDisableJobs)
	group.POST("/jobs/enable", r.handleEnableJobs)
	group.GET("/jobs/:id", r.handleGetJob)
	group.POST("/jobs/:id/now", r.handleRunNow)
	group.GET("/queue/:name", r.handleQueueDepth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, repo repository.Repository, proc *processor.Processor) (*http.Server, error) {
	r := NewRouter(repo, proc, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}

	return server, nil
}

// NewTLSServer starts a standalone HTTPS server using TLS configuration.
func NewTLSServer(serverConfig config.ServerConfig, repo repository.Repository, proc *processor.Processor) (*http.Server, error) {
	r := NewRouter(repo, proc, serverConfig.BasePath)
	if serverConfig.AuthSecret != "" {
		r.WithAuth(auth.New(serverConfig.AuthSecret))
	}

	tlsConfig, err := tlsutil.SetupTLS(serverConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS: %w", err)
	}

	server := &http.Server{
		Addr:              serverConfig.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}

	return server, nil
}

// --- APIEndpoints individual handler registration ---

func (e *APIEndpoints) SaveJobHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleSaveJob
}

func (e *APIEndpoints) ListJobsHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleListJobs
}

func (e *APIEndpoints) GetJobHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleGetJob
}

func (e *APIEndpoints) PurgeJobsHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handlePurgeJobs
}

func (e *APIEndpoints) DisableJobsHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleDisableJobs
}

func (e *APIEndpoints) EnableJobsHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleEnableJobs
}

func (e *APIEndpoints) RunNowHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleRunNow
}

func (e *APIEndpoints) QueueDepthHandler() gin.HandlerFunc {
	r := &Router{repo: e.repo, proc: e.proc, basePath: e.basePath}
	return r.handleQueueDepth
}

// RegisterAll registers all API endpoints to the provided gin router group.
// This is equivalent to Router.Handler() but allows custom middleware.
func (e *APIEndpoints) RegisterAll(group *gin.RouterGroup) {
	group.POST("/jobs", e.SaveJobHandler())
	group.GET("/jobs", e.ListJobsHandler())
	group.DELETE("/jobs", e.PurgeJobsHandler())
	group.POST("/jobs/disable", e.DisableJobsHandler())
	group.POST("/jobs/enable", e.EnableJobsHandler())
	group.GET("/jobs/:id", e.GetJobHandler())
	group.POST("/jobs/:id/now", e.RunNowHandler())
	group.GET("/queue/:name", e.QueueDepthHandler())
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// jobQuery parses the name/disabled/tags/limit/skip query parameters shared
// by list, purge, disable, and enable into a repository.Query.
func jobQuery(c *gin.Context) (repository.Query, error) {
	q := repository.Query{Name: c.Query("name")}
	if q.Name != "" && !isSafeName(q.Name) {
		return q, fmt.Errorf("invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators")
	}
	if tag := c.Query("tag"); tag != "" {
		q.Tags = strings.Split(tag, ",")
	}
	if s := c.Query("disabled"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("invalid disabled: %w", err)
		}
		q.Disabled = &b
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("invalid limit: %w", err)
		}
		q.Limit = n
	}
	if s := c.Query("skip"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("invalid skip: %w", err)
		}
		q.Skip = n
	}
	return q, nil
}

// handleSaveJob upserts a job record (spec §3 "how a job is created"). An
// explicit id updates that record; otherwise the repository's
// name/unique-keyed upsert rules apply.
func (r *Router) handleSaveJob(c *gin.Context) {
	var rec job.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := rec.Validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if !isSafeName(rec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	saved, err := r.repo.SaveJob(c.Request.Context(), &rec)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, saved)
}

func (r *Router) handleListJobs(c *gin.Context) {
	q, err := jobQuery(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	page, err := r.repo.QueryJobs(c.Request.Context(), q)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, page)
}

func (r *Router) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	rec, err := r.repo.GetJobByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "job not found"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// handlePurgeJobs bulk-deletes records matching the query, the mechanism
// the purge sweep of an orphaned definition uses from outside the process
// (spec §4.C orphan handling).
func (r *Router) handlePurgeJobs(c *gin.Context) {
	q, err := jobQuery(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n, err := r.repo.RemoveJobs(c.Request.Context(), q)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"removed": n})
}

func (r *Router) handleDisableJobs(c *gin.Context) {
	q, err := jobQuery(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n, err := r.repo.DisableJobs(c.Request.Context(), q)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"disabled": n})
}

func (r *Router) handleEnableJobs(c *gin.Context) {
	q, err := jobQuery(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n, err := r.repo.EnableJobs(c.Request.Context(), q)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"enabled": n})
}

// handleRunNow bypasses the poll path for id (spec §4.G / processor.RunNow),
// the "run a job immediately" control-plane operation.
func (r *Router) handleRunNow(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.repo.GetJobByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "job not found"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.proc.RunNow(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleQueueDepth(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"name": name, "depth": r.proc.QueueDepth(name)})
}
