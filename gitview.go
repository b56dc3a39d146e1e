package gitview

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gitview/internal/auth"
	cfg "github.com/loykin/gitview/internal/config"
	"github.com/loykin/gitview/internal/env"
	"github.com/loykin/gitview/internal/history"
	historyfactory "github.com/loykin/gitview/internal/history/factory"
	"github.com/loykin/gitview/internal/metrics"
	"github.com/loykin/gitview/internal/port"
	"github.com/loykin/gitview/internal/process"
	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/refresh"
	"github.com/loykin/gitview/internal/registry"
	iapi "github.com/loykin/gitview/internal/server"
	"github.com/loykin/gitview/internal/source"
	"github.com/loykin/gitview/internal/stack"
	"github.com/loykin/gitview/internal/store"
	storefactory "github.com/loykin/gitview/internal/store/factory"
	gvtls "github.com/loykin/gitview/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = project.Record

type Status = project.Status

type Profile = stack.Profile

type Kind = stack.Kind

type StatusView = registry.StatusView

type Config = cfg.Config

type HistorySink = history.Sink

type InstallFailure = registry.InstallFailure

type FilesystemError = registry.FilesystemError

var (
	ErrNotFound              = registry.ErrNotFound
	ErrDuplicateProject      = registry.ErrDuplicateProject
	ErrAlreadyRunning        = registry.ErrAlreadyRunning
	ErrClassificationUnknown = registry.ErrClassificationUnknown
	ErrPortExhaustion        = registry.ErrPortExhaustion
	ErrStartupFailure        = registry.ErrStartupFailure
	ErrRunInterrupted        = registry.ErrRunInterrupted
	ErrInvalidID             = registry.ErrInvalidID
	ErrRefNotFound           = source.ErrRefNotFound
)

// App wires a registry, its store and history sinks, and the git source from one Config.
type App struct {
	*registry.Registry

	cfg     Config
	source  *source.Git
	refresh *refresh.Scheduler
	store   store.Store
	tls     *tls.Config
	auth    *auth.Middleware
	logger  *slog.Logger
}

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// HashToken returns a bcrypt hash for use as token_hash in [[server.auth.tokens]].
func HashToken(token string) (string, error) { return auth.HashToken(token) }

func DefaultConfig() Config { return cfg.Default() }

// New builds an App from c. Persisted projects are not loaded until Load is called.
func New(ctx context.Context, c Config, l *slog.Logger) (*App, error) {
	if l == nil {
		l = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	overrides, err := c.StackOverrides()
	if err != nil {
		return nil, err
	}
	envPairs, err := c.RunnerEnv()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := gvtls.Setup(c.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	var guard *auth.Middleware
	if c.Server.Auth.Enabled {
		svc, err := auth.NewService(c.Server.Auth.Tokens)
		if err != nil {
			return nil, fmt.Errorf("server auth: %w", err)
		}
		guard = auth.NewMiddleware(svc)
	}

	st, err := storefactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	var sinks []history.Sink
	for _, dsn := range c.History.Sinks {
		s, err := historyfactory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			_ = history.Multi(sinks).Close()
			_ = st.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}

	sup := process.NewSupervisor(process.Config{
		GraceWindow:    c.Runner.GraceWindow,
		InstallTimeout: c.Runner.InstallTimeout,
		KillTimeout:    c.Runner.KillTimeout,
		Env:            env.New(envPairs),
		Log:            c.Log,
		RunDir:         c.Runner.RunDir,
	}, l)
	reg := registry.New(registry.Options{
		Classifier: stack.NewClassifier(overrides, l),
		Ports:      port.New(port.WithHost(c.Runner.PortHost), port.WithFallback(c.Runner.FallbackPort), port.WithLogger(l)),
		Supervisor: registry.ProcessSupervisor(sup),
		Store:      st,
		Sinks:      sinks,
		Logger:     l,
	})
	git := source.NewGit(l)
	sched, err := refresh.New(refresh.Config{
		Schedule: c.Refresh.Schedule,
		Restart:  c.Refresh.Restart,
		Timeout:  c.Refresh.Timeout,
	}, reg, git, l)
	if err != nil {
		_ = history.Multi(sinks).Close()
		_ = st.Close()
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return &App{Registry: reg, cfg: c, source: git, refresh: sched, store: st, tls: tlsCfg, auth: guard, logger: l}, nil
}

// Load restores persisted projects and starts the [refresh] schedule, if any.
func (a *App) Load(ctx context.Context) error {
	if err := a.Registry.Load(ctx); err != nil {
		return err
	}
	a.refresh.Start()
	return nil
}

// Refresh pulls every cloned project once, outside the schedule.
func (a *App) Refresh(ctx context.Context) refresh.Result { return a.refresh.RunOnce(ctx) }

// Config returns the configuration the App was built from.
func (a *App) Config() Config { return a.cfg }

// Acquire clones or pulls branch from repoURL under the configured workspace.
func (a *App) Acquire(ctx context.Context, repoURL, branch string) (string, error) {
	return a.source.Acquire(ctx, repoURL, branch, a.cfg.Workspace.BaseDir)
}

// Handler returns the REST API handler configured from the App's [server], [webhook] and [metrics] sections.
func (a *App) Handler() http.Handler { return iapi.NewRouter(a.serverOptions()).Handler() }

func (a *App) serverOptions() iapi.Options {
	return iapi.Options{
		Projects: a.Registry,
		Source:   a.source,
		BaseDir:  a.cfg.Workspace.BaseDir,
		BasePath: a.cfg.Server.BasePath,
		Webhook: iapi.WebhookOptions{
			Enabled: a.cfg.Webhook.Enabled,
			Secret:  a.cfg.Webhook.Secret,
			Rate:    a.cfg.Webhook.Rate,
			Burst:   a.cfg.Webhook.Burst,
		},
		Metrics: a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen == "",
		TLS:     a.tls,
		Auth:    a.auth,
		Logger:  a.logger,
	}
}

// Close stops the refresh schedule and every dev server, then closes the store and history sinks.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.refresh.Stop(ctx), a.Shutdown(ctx), a.store.Close())
}

// Classify runs stack detection on dir with c's overrides, without a registry.
func Classify(c Config, dir string) (Profile, error) {
	overrides, err := c.StackOverrides()
	if err != nil {
		return Profile{}, err
	}
	return stack.NewClassifier(overrides, nil).Classify(dir), nil
}

// NewHTTPServer starts an HTTP server exposing the API for a. It serves HTTPS
// when [server.tls] is enabled.
func NewHTTPServer(addr string, a *App) *http.Server {
	return iapi.NewServer(addr, a.serverOptions())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted HTTP server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error { return NewMetricsServer(addr).ListenAndServe() }
