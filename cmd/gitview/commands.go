package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/gitview"
	"github.com/loykin/gitview/pkg/client"
)

const shutdownTimeout = 15 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c command) client() (*client.Client, error) {
	cfg := client.Config{BaseURL: c.global.APIUrl, Token: c.global.Token, Timeout: c.global.APITimeout}
	if c.global.CACert != "" || c.global.Insecure {
		cfg.TLS = &client.TLSClientConfig{CACert: c.global.CACert, SkipVerify: c.global.Insecure}
	}
	return client.New(cfg)
}

func (c command) loadConfig() (gitview.Config, error) {
	if c.global.ConfigPath == "" {
		return gitview.DefaultConfig(), nil
	}
	return gitview.LoadConfig(c.global.ConfigPath)
}

// Serve runs the daemon until SIGINT or SIGTERM.
func (c command) Serve(f ServeFlags) error {
	if f.Daemonize {
		if err := daemonize(f.LogFile); err != nil {
			return err
		}
	}
	release, err := claimPidFile(f.PidFile)
	if err != nil {
		return err
	}
	defer release()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := gitview.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Load(ctx); err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("load projects: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := gitview.RegisterMetricsDefault(); err != nil {
			logger.Warn("metrics registration failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		metricsSrv = gitview.NewMetricsServer(cfg.Metrics.Listen)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	srv := gitview.NewHTTPServer(cfg.Server.Listen, app)
	logger.Info("gitview listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs := []error{srv.Shutdown(sctx)}
		if metricsSrv != nil {
			errs = append(errs, metricsSrv.Shutdown(sctx))
		}
		errs = append(errs, app.Close(sctx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (c command) Register(ctx context.Context, f RegisterFlags) error {
	if f.ID == "" || f.Path == "" {
		return fmt.Errorf("--id and --path are required")
	}
	path, err := filepath.Abs(f.Path)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	rec, err := cl.Register(ctx, client.RegisterRequest{ID: f.ID, SourcePath: path, OriginURL: f.Origin})
	if err != nil {
		return err
	}
	printJSON(c.out, rec)
	return nil
}

func (c command) Clone(ctx context.Context, f CloneFlags) error {
	if f.Repo == "" || f.Branch == "" {
		return fmt.Errorf("--repo and --branch are required")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Clone(ctx, client.CloneRequest{RepoURL: f.Repo, Branch: f.Branch, BaseDir: f.BaseDir, Run: f.Run})
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Run(ctx context.Context, f ProjectFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	rec, err := cl.Run(ctx, f.ID)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Project != nil {
			printJSON(c.out, apiErr.Project)
		}
		return err
	}
	printJSON(c.out, rec)
	return nil
}

func (c command) Stop(ctx context.Context, f ProjectFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	rec, err := cl.Stop(ctx, f.ID)
	if err != nil {
		return err
	}
	printJSON(c.out, rec)
	return nil
}

func (c command) Delete(ctx context.Context, f ProjectFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Delete(ctx, f.ID)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	if !res.Deleted {
		return fmt.Errorf("project %s removed but its files were not: %s", f.ID, res.Error)
	}
	return nil
}

// Status prints one project's live status, or every record when no id is given.
func (c command) Status(ctx context.Context, f ProjectFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if f.ID == "" {
		recs, err := cl.List(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, recs)
		return nil
	}
	st, err := cl.Status(ctx, f.ID)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Classify runs detection locally; it does not contact the daemon.
func (c command) Classify(dir string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	p, err := gitview.Classify(cfg, abs)
	if err != nil {
		return err
	}
	printJSON(c.out, p)
	return nil
}

// HashToken prints a bcrypt hash of token for [[server.auth.tokens]] token_hash.
func (c command) HashToken(token string) error {
	h, err := gitview.HashToken(token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, h)
	return err
}
