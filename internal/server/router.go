package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/backupd/internal/auth"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/orchestrator"
)

// Router provides the embeddable HTTP API of the backup service.
// Endpoints, relative to basePath (default "/api"):
//
//	GET  /health               liveness and execution mode, never authenticated
//	GET  /backups              artifact listing
//	POST /run-backup           body: {dryRun, keep, extraEnv}
//	POST /restore              body: {backupName, dbOnly, filesOnly, dryRun}
//	GET  /stream/:jobId        server-sent events of a job's output
//	GET  /download/:name       raw file or zip archive of a directory
//	POST /delete-backup        body: {backupName}
//	GET  /jobs                 running jobs, with resource samples when enabled
//
// /metrics is mounted at the root when a metrics handler is configured and
// unknown paths fall back to the static frontend when one is configured.
type Router struct {
	svc       *orchestrator.Service
	basePath  string
	auth      *auth.Middleware
	sampler   *metrics.Sampler
	metrics   http.Handler
	staticDir string
	logger    *slog.Logger
}

type Option func(*Router)

// WithAuth guards every API route except health.
func WithAuth(m *auth.Middleware) Option { return func(r *Router) { r.auth = m } }

// WithSampler adds resource samples to the job listing.
func WithSampler(s *metrics.Sampler) Option { return func(r *Router) { r.sampler = s } }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithStaticDir serves a single page frontend from dir.
func WithStaticDir(dir string) Option { return func(r *Router) { r.staticDir = dir } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/backups, /api/stream/:jobId and so on.
func NewRouter(svc *orchestrator.Service, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.auth == nil {
		r.auth = auth.NewMiddleware(nil, false)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(r.logger))

	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)

	api := group.Group("", r.auth.GinAuth())
	api.GET("/backups", r.handleBackups)
	api.POST("/run-backup", r.handleRunBackup)
	api.POST("/restore", r.handleRestore)
	api.GET("/stream/:jobId", r.handleStream)
	api.GET("/download/:name", r.handleDownload)
	api.POST("/delete-backup", r.handleDeleteBackup)
	api.GET("/jobs", r.handleJobs)

	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	if r.staticDir != "" {
		g.NoRoute(r.handleStatic)
	}
	return g
}

// NewServer returns an http.Server for this router. There is no write
// timeout because streams and downloads last as long as the job or transfer.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK   bool   `json:"ok"`
	Mode string `json:"mode"`
}

type jobResp struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, Mode: string(r.svc.Mode())})
}

func (r *Router) handleStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	// unknown API routes stay JSON 404s
	if p := c.Request.URL.Path; r.basePath != "" && (p == r.basePath || strings.HasPrefix(p, r.basePath+"/")) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	if p := staticPath(r.staticDir, c.Request.URL.Path); p != "" {
		c.File(p)
		return
	}
	index := staticPath(r.staticDir, "/index.html")
	if index == "" {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	c.File(index)
}
