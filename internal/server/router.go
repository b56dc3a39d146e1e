package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loykin/gitview/internal/auth"
	"github.com/loykin/gitview/internal/metrics"
	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/registry"
	"github.com/loykin/gitview/internal/source"
)

// Projects is the registry surface served over HTTP.
type Projects interface {
	Register(ctx context.Context, id, dir, originURL string) (project.Record, error)
	Run(ctx context.Context, id string) (project.Record, error)
	Stop(ctx context.Context, id string) (project.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	Get(id string) (project.Record, error)
	List() []project.Record
	Status(id string) (registry.StatusView, error)
}

// Acquirer fetches a branch checkout and returns its local path.
type Acquirer interface {
	Acquire(ctx context.Context, remoteURL, ref, baseDir string) (string, error)
}

// WebhookOptions configures POST {basePath}/webhook.
type WebhookOptions struct {
	Enabled bool
	Secret  string  // HMAC-SHA256 key for X-Hub-Signature-256; empty skips verification
	Rate    float64 // requests per second; zero disables limiting
	Burst   int
}

type Options struct {
	Projects Projects
	Source   Acquirer // nil disables /repos and /webhook
	BaseDir  string   // checkout root; registered source paths must lie below it
	BasePath string
	Webhook  WebhookOptions
	Metrics  bool             // mount GET /metrics on this router
	TLS      *tls.Config      // NewServer serves HTTPS when set
	Auth     *auth.Middleware // nil leaves the project API open
	Logger   *slog.Logger
}

// Router provides embeddable HTTP handlers for managing projects.
// Endpoints, relative to basePath:
//
//	GET    /projects               list
//	POST   /projects               register {id, source_path, origin_url}
//	GET    /projects/:id           record
//	GET    /projects/:id/status    runtime status
//	POST   /projects/:id/run       install and start
//	POST   /projects/:id/stop      stop
//	DELETE /projects/:id           stop, forget and remove the tree
//	POST   /repos                  clone or pull a branch and register it
//	POST   /webhook                push webhook, same as /repos
//	GET    /healthz
type Router struct {
	projects Projects
	source   Acquirer
	baseDir  string
	basePath string
	webhook  WebhookOptions
	limiter  *rate.Limiter
	metrics  bool
	auth     *auth.Middleware
	logger   *slog.Logger
}

// NewRouter constructs a new Router. basePath may be empty or start with '/'.
func NewRouter(o Options) *Router {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	r := &Router{
		projects: o.Projects,
		source:   o.Source,
		baseDir:  o.BaseDir,
		basePath: normalizeBase(o.BasePath),
		webhook:  o.Webhook,
		metrics:  o.Metrics,
		auth:     o.Auth,
		logger:   l.With("component", "http"),
	}
	if o.Webhook.Rate > 0 {
		burst := o.Webhook.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(o.Webhook.Rate), burst)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	read, write := r.auth.Require(auth.ActionRead), r.auth.Require(auth.ActionWrite)
	group.GET("/projects", read, r.handleList)
	group.POST("/projects", write, r.handleRegister)
	group.GET("/projects/:id", read, r.handleGet)
	group.GET("/projects/:id/status", read, r.handleStatus)
	group.POST("/projects/:id/run", write, r.handleRun)
	group.POST("/projects/:id/stop", write, r.handleStop)
	group.DELETE("/projects/:id", write, r.handleDelete)
	if r.source != nil {
		group.POST("/repos", write, r.handleRepos)
		if r.webhook.Enabled {
			group.POST("/webhook", r.rateLimit(), r.handleWebhook)
		}
	}
	return g
}

// workspace is the directory every tree served over HTTP must live in; Delete
// removes whole source trees, so nothing outside it is accepted.
func (r *Router) workspace() string {
	if r.baseDir == "" {
		return source.DefaultBaseDir()
	}
	return filepath.Clean(r.baseDir)
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, o Options) *http.Server {
	r := NewRouter(o)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// run blocks through install and the grace window
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    o.TLS,
	}
	go func() {
		var err error
		if o.TLS != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error   string          `json:"error"`
	Project *project.Record `json:"project,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps registry and source errors onto HTTP status codes.
func statusFor(err error) int {
	var inst *registry.InstallFailure
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, source.ErrRefNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateProject),
		errors.Is(err, registry.ErrAlreadyRunning),
		errors.Is(err, registry.ErrRunInterrupted):
		return http.StatusConflict
	case errors.Is(err, registry.ErrClassificationUnknown):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrPortExhaustion):
		return http.StatusServiceUnavailable
	case errors.As(err, &inst), errors.Is(err, registry.ErrStartupFailure),
		errors.Is(err, registry.ErrInvalidID), errors.Is(err, source.ErrInvalidRef):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (r *Router) writeError(c *gin.Context, err error, rec *project.Record) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	if rec != nil && rec.ID == "" {
		rec = nil
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Project: rec})
}
