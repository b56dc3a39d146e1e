// Package refresh periodically pulls cloned projects and restarts the ones
// that are running when new commits arrive.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/gitview/internal/project"
)

// DefaultTimeout bounds one project's pull and restart.
const DefaultTimeout = 10 * time.Minute

// Projects is the slice of the registry the scheduler drives.
type Projects interface {
	List() []project.Record
	Stop(ctx context.Context, id string) (project.Record, error)
	Run(ctx context.Context, id string) (project.Record, error)
}

// Source pulls a checkout in place.
type Source interface {
	Refresh(ctx context.Context, dir string) (bool, error)
}

type Config struct {
	Schedule string        // cron expression or "@every <duration>"; empty disables
	Restart  bool          // restart running projects whose checkout moved
	Timeout  time.Duration // per project; zero means DefaultTimeout
}

// Validate parses the schedule without starting anything.
func Validate(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Result summarizes one pass.
type Result struct {
	Checked   int
	Updated   []string
	Restarted []string
	Failed    map[string]error
}

// Scheduler runs a refresh pass on a cron schedule. Ticks that fire while
// a pass is still going are skipped.
type Scheduler struct {
	cfg      Config
	projects Projects
	source   Source
	cron     *cron.Cron
	running  atomic.Bool
	logger   *slog.Logger
}

func New(c Config, p Projects, s Source, l *slog.Logger) (*Scheduler, error) {
	if p == nil || s == nil {
		return nil, errors.New("refresh needs projects and a source")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if l == nil {
		l = slog.Default()
	}
	sc := &Scheduler{cfg: c, projects: p, source: s, logger: l.With("component", "refresh")}
	if strings.TrimSpace(c.Schedule) == "" {
		return sc, nil
	}
	sc.cron = cron.New()
	if _, err := sc.cron.AddFunc(c.Schedule, sc.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}
	return sc, nil
}

// Start begins firing on the schedule. It is a no-op without a schedule.
func (s *Scheduler) Start() {
	if s.cron == nil {
		return
	}
	s.logger.Info("refresh scheduled", "schedule", s.cfg.Schedule, "restart", s.cfg.Restart)
	s.cron.Start()
}

// Stop prevents new passes and waits for a running one or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous refresh still running; tick skipped")
		return
	}
	defer s.running.Store(false)
	res := s.RunOnce(context.Background())
	s.logger.Info("refresh pass finished", "checked", res.Checked, "updated", len(res.Updated),
		"restarted", len(res.Restarted), "failed", len(res.Failed))
}

// RunOnce refreshes every project that has an origin URL.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	res := Result{Failed: map[string]error{}}
	for _, rec := range s.projects.List() {
		if rec.OriginURL == "" {
			continue
		}
		res.Checked++
		changed, restarted, err := s.refreshOne(ctx, rec)
		if err != nil {
			s.logger.Warn("refresh failed", "id", rec.ID, "error", err)
			res.Failed[rec.ID] = err
		}
		if changed {
			res.Updated = append(res.Updated, rec.ID)
		}
		if restarted {
			res.Restarted = append(res.Restarted, rec.ID)
		}
	}
	return res
}

func (s *Scheduler) refreshOne(ctx context.Context, rec project.Record) (changed, restarted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	changed, err = s.source.Refresh(ctx, rec.SourcePath)
	if err != nil || !changed || !s.cfg.Restart || rec.Status != project.StatusRunning {
		return changed, false, err
	}
	s.logger.Info("restarting after update", "id", rec.ID)
	if _, err := s.projects.Stop(ctx, rec.ID); err != nil {
		return true, false, fmt.Errorf("stop: %w", err)
	}
	if _, err := s.projects.Run(ctx, rec.ID); err != nil {
		return true, false, fmt.Errorf("run: %w", err)
	}
	return true, true, nil
}
