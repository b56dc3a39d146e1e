package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/gitview/internal/history"
	"github.com/loykin/gitview/internal/metrics"
	"github.com/loykin/gitview/internal/port"
	"github.com/loykin/gitview/internal/process"
	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/stack"
	"github.com/loykin/gitview/internal/store"
)

// Classifier detects the stack of a source tree.
type Classifier interface {
	Classify(dir string) stack.Profile
}

// PortAllocator reserves TCP ports.
type PortAllocator interface {
	Allocate(preferred int) (int, error)
	Release(port int)
}

// Handle is a live dev server.
type Handle interface {
	Alive() bool
	Terminate() error
	PID() int
}

// Supervisor runs install steps and launches dev servers.
type Supervisor interface {
	RunInstall(ctx context.Context, name, dir, command string) error
	StartServer(ctx context.Context, name, dir, command string, port int) (Handle, error)
}

// OrphanReaper is implemented by supervisors that can find servers left
// running by a previous daemon.
type OrphanReaper interface {
	ReapOrphan(name string) (int, error)
}

// ProcessSupervisor adapts a *process.Supervisor to Supervisor.
func ProcessSupervisor(s *process.Supervisor) Supervisor { return processSupervisor{s} }

type processSupervisor struct{ s *process.Supervisor }

func (p processSupervisor) RunInstall(ctx context.Context, name, dir, command string) error {
	return p.s.RunInstall(ctx, name, dir, command)
}

func (p processSupervisor) StartServer(ctx context.Context, name, dir, command string, port int) (Handle, error) {
	h, err := p.s.StartServer(ctx, name, dir, command, port)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p processSupervisor) ReapOrphan(name string) (int, error) { return p.s.ReapOrphan(name) }

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id is usable as a project key and directory name.
func ValidID(id string) bool { return len(id) <= 128 && validID.MatchString(id) }

// Options wires the registry's collaborators. Nil fields get defaults.
type Options struct {
	Classifier  Classifier
	Ports       PortAllocator
	Supervisor  Supervisor
	Store       store.Store
	Sinks       []history.Sink
	Logger      *slog.Logger
	SinkTimeout time.Duration
}

type entry struct {
	rec    project.Record
	handle Handle
	port   int // reserved while an attempt or server is live
	gen    uint64
	cancel context.CancelFunc
	// serializes stop and delete so a second caller waits for the first teardown
	opMu     sync.Mutex
	stopping bool
	// set while Run probes for a port outside r.mu
	pending bool
	// tombstone: the record stays keyed until its tree is gone so the id
	// cannot be registered again underneath a running Delete
	deleting bool
}

// Registry owns the project records and their dev servers.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	running int

	classifier  Classifier
	ports       PortAllocator
	sup         Supervisor
	store       store.Store
	sinks       history.Multi
	sinkTimeout time.Duration
	logger      *slog.Logger
}

func New(o Options) *Registry {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Classifier == nil {
		o.Classifier = stack.NewClassifier(nil, o.Logger)
	}
	if o.Ports == nil {
		o.Ports = port.New(port.WithLogger(o.Logger))
	}
	if o.Supervisor == nil {
		o.Supervisor = ProcessSupervisor(process.NewSupervisor(process.Config{}, o.Logger))
	}
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = 3 * time.Second
	}
	return &Registry{
		entries:     make(map[string]*entry),
		classifier:  o.Classifier,
		ports:       o.Ports,
		sup:         o.Supervisor,
		store:       o.Store,
		sinks:       history.Multi(o.Sinks),
		sinkTimeout: o.SinkTimeout,
		logger:      o.Logger.With("component", "registry"),
	}
}

// Load restores persisted records. Records that were mid-run when the previous
// daemon exited are reset to stopped since their process handles are gone;
// their servers are killed when the supervisor can still find them.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	if reaper, ok := r.sup.(OrphanReaper); ok {
		for _, rec := range recs {
			pid, err := reaper.ReapOrphan(rec.ID)
			if err != nil {
				r.logger.Warn("reap orphaned server", "id", rec.ID, "error", err)
			} else if pid > 0 {
				r.logger.Info("orphaned server killed", "id", rec.ID, "pid", pid)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		if rec.Status.Busy() {
			r.logger.Warn("resetting orphaned project; its process is not reattached",
				"id", rec.ID, "status", rec.Status, "port", rec.AssignedPort)
			rec.Status = project.StatusStopped
			rec.AssignedPort = 0
			rec.PreviewURL = ""
			rec.LastError = ""
			if err := r.store.Save(ctx, rec); err != nil {
				r.logger.Error("persist reset project", "id", rec.ID, "error", err)
			}
		}
		r.entries[rec.ID] = &entry{rec: rec}
	}
	r.logger.Info("projects loaded", "count", len(recs))
	return nil
}

// Register classifies dir once and records a stopped project under id.
func (r *Registry) Register(ctx context.Context, id, dir, originURL string) (project.Record, error) {
	if !ValidID(id) {
		return project.Record{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := r.available(id); err != nil {
		return project.Record{}, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return project.Record{}, fmt.Errorf("resolve source path: %w", err)
	}
	profile := r.classifier.Classify(abs)

	r.mu.Lock()
	if err := r.availableLocked(id); err != nil {
		r.mu.Unlock()
		return project.Record{}, err
	}
	now := time.Now().UTC()
	rec := project.Record{
		ID:         id,
		SourcePath: abs,
		OriginURL:  originURL,
		Stack:      profile,
		Status:     project.StatusStopped,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.mu.Unlock()
		return project.Record{}, fmt.Errorf("register %s: %w", id, err)
	}
	r.entries[id] = &entry{rec: rec}
	r.mu.Unlock()

	r.logger.Info("project registered", "id", id, "path", abs, "kind", profile.Kind)
	metrics.IncRegistration(string(profile.Kind))
	r.emit(history.EventRegistered, rec)
	return rec, nil
}

// Run installs (when the stack needs it) and starts the project's dev server.
// Install and startup failures leave the record in error and are also returned.
func (r *Registry) Run(ctx context.Context, id string) (project.Record, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		r.mu.Unlock()
		return project.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.Status.Busy() || e.stopping || e.pending {
		rec := e.rec
		r.mu.Unlock()
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, id, rec.Status)
	}
	if !e.rec.Stack.Runnable() {
		rec := e.rec
		r.mu.Unlock()
		return rec, fmt.Errorf("%w: %s", ErrClassificationUnknown, id)
	}
	// Detached from the caller: only Stop, Delete or Shutdown end an attempt.
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	e.gen++
	gen := e.gen
	e.cancel = cancel
	e.pending = true
	preferred := e.rec.Stack.DefaultPort
	r.mu.Unlock()

	// the probe scan binds sockets; other ids must not wait on it
	p, err := r.ports.Allocate(preferred)

	r.mu.Lock()
	e.pending = false
	if e.gen != gen {
		rec := e.rec
		r.mu.Unlock()
		if err == nil {
			r.ports.Release(p)
		}
		return rec, fmt.Errorf("%w: %s", ErrRunInterrupted, id)
	}
	if err != nil {
		e.cancel = nil
		rec := e.rec
		r.mu.Unlock()
		if errors.Is(err, port.ErrPortExhaustion) {
			metrics.IncPortExhaustion()
		}
		return rec, fmt.Errorf("run %s: %w", id, err)
	}
	e.port = p
	profile := e.rec.Stack
	dir := e.rec.SourcePath
	if profile.InstallCommand != "" {
		r.setStatusLocked(ctx, e, project.StatusInstalling, 0, "")
	} else {
		r.setStatusLocked(ctx, e, project.StatusStarting, p, "")
	}
	r.mu.Unlock()

	log := r.logger.With("id", id, "kind", profile.Kind, "port", p)
	if profile.InstallCommand != "" {
		started := time.Now()
		err := r.sup.RunInstall(attemptCtx, id, dir, profile.InstallCommand)
		metrics.ObserveInstallDuration(string(profile.Kind), time.Since(started).Seconds())

		r.mu.Lock()
		if e.gen != gen {
			rec := e.rec
			r.mu.Unlock()
			metrics.IncRun(string(profile.Kind), "interrupted")
			return rec, fmt.Errorf("%w: %s", ErrRunInterrupted, id)
		}
		if err != nil {
			rec := r.failLocked(ctx, e, err)
			r.mu.Unlock()
			log.Warn("install failed", "error", err)
			metrics.IncRun(string(profile.Kind), "install_failed")
			r.emit(history.EventFailed, rec)
			return rec, fmt.Errorf("run %s: %w", id, err)
		}
		r.setStatusLocked(ctx, e, project.StatusStarting, p, "")
		r.mu.Unlock()
	}

	h, err := r.sup.StartServer(attemptCtx, id, dir, profile.RunCommand, p)

	r.mu.Lock()
	if e.gen != gen {
		rec := e.rec
		r.mu.Unlock()
		if h != nil {
			_ = h.Terminate()
		}
		metrics.IncRun(string(profile.Kind), "interrupted")
		return rec, fmt.Errorf("%w: %s", ErrRunInterrupted, id)
	}
	if err != nil {
		rec := r.failLocked(ctx, e, err)
		r.mu.Unlock()
		log.Warn("server failed to start", "error", err)
		metrics.IncRun(string(profile.Kind), "startup_failed")
		r.emit(history.EventFailed, rec)
		return rec, fmt.Errorf("run %s: %w", id, err)
	}
	e.handle = h
	e.cancel = nil
	r.setStatusLocked(ctx, e, project.StatusRunning, p, "")
	rec := e.rec
	r.mu.Unlock()

	log.Info("project running", "pid", h.PID(), "preview", rec.PreviewURL)
	metrics.IncRun(string(profile.Kind), "running")
	r.emit(history.EventRunning, rec)
	return rec, nil
}

// Stop terminates the project's server or in-flight attempt and marks it stopped.
// Stopping a stopped project returns the record unchanged.
func (r *Registry) Stop(ctx context.Context, id string) (project.Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return project.Record{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	r.mu.Lock()
	if r.entries[id] != e || e.deleting {
		r.mu.Unlock()
		return project.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.Status == project.StatusStopped && e.handle == nil && e.cancel == nil {
		rec := e.rec
		r.mu.Unlock()
		return rec, nil
	}
	h, cancel, p := r.detachLocked(e)
	e.stopping = true
	r.setStatusLocked(ctx, e, project.StatusStopped, 0, "")
	rec := e.rec
	r.mu.Unlock()

	r.teardown(id, h, cancel, p)

	r.mu.Lock()
	e.stopping = false
	r.mu.Unlock()

	r.logger.Info("project stopped", "id", id)
	metrics.IncStop()
	r.emit(history.EventStopped, rec)
	return rec, nil
}

// Delete stops the project if needed, forgets it and removes its source tree.
// The record is removed even when some files cannot be; that case returns
// false together with a *FilesystemError.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	r.mu.Lock()
	if r.entries[id] != e || e.deleting {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.deleting = true
	h, cancel, p := r.detachLocked(e)
	if e.rec.Status == project.StatusRunning {
		r.running--
		metrics.SetRunningProjects(r.running)
	}
	metrics.RecordStateTransition(string(e.rec.Status), string(project.StatusStopped))
	rec := e.rec
	if err := r.store.DeleteByID(context.WithoutCancel(ctx), id); err != nil {
		r.logger.Error("delete persisted project", "id", id, "error", err)
	}
	r.mu.Unlock()

	r.teardown(id, h, cancel, p)

	rec.Status = project.StatusStopped
	rec.AssignedPort, rec.PreviewURL, rec.LastError = 0, "", ""
	metrics.IncDelete()
	r.emit(history.EventDeleted, rec)

	treeErr := removeTree(rec.SourcePath)

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if treeErr != nil {
		r.logger.Warn("project tree not fully removed", "id", id, "path", rec.SourcePath, "error", treeErr)
		return false, treeErr
	}
	r.logger.Info("project deleted", "id", id, "path", rec.SourcePath)
	return true, nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (project.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		return project.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.rec, nil
}

// List returns every record sorted by id.
func (r *Registry) List() []project.Record {
	r.mu.Lock()
	out := make([]project.Record, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.deleting {
			out = append(out, e.rec)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StatusView is the compact runtime view of a project.
type StatusView struct {
	ID         string         `json:"id"`
	Status     project.Status `json:"status"`
	Port       int            `json:"port"`
	PreviewURL string         `json:"preview_url,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Alive      bool           `json:"alive"`
	Usage      *process.Usage `json:"usage,omitempty"`
}

// Status reports the record state plus liveness of its server.
func (r *Registry) Status(id string) (StatusView, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		r.mu.Unlock()
		return StatusView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	v := StatusView{
		ID:         e.rec.ID,
		Status:     e.rec.Status,
		Port:       e.rec.AssignedPort,
		PreviewURL: e.rec.PreviewURL,
		LastError:  e.rec.LastError,
	}
	h := e.handle
	r.mu.Unlock()
	if h != nil {
		v.PID = h.PID()
		v.Alive = h.Alive()
		if u, ok := h.(interface{ Usage() (process.Usage, error) }); ok && v.Alive {
			if usage, err := u.Usage(); err == nil {
				v.Usage = &usage
			}
		}
	}
	return v, nil
}

// Shutdown stops every project that has a live server or attempt.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var ids []string
	for id, e := range r.entries {
		if !e.deleting && (e.handle != nil || e.cancel != nil) {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.Stop(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if cerr := r.sinks.Close(); cerr != nil {
		r.logger.Warn("close history sinks", "error", cerr)
	}
	return err
}

func (r *Registry) available(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked(id)
}

func (r *Registry) availableLocked(id string) error {
	e, ok := r.entries[id]
	switch {
	case !ok:
		return nil
	case e.deleting:
		return fmt.Errorf("%w: %s is being deleted", ErrDuplicateProject, id)
	}
	return fmt.Errorf("%w: %s", ErrDuplicateProject, id)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.deleting {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// detachLocked ends the current attempt generation and hands back whatever
// must be torn down outside the lock.
func (r *Registry) detachLocked(e *entry) (Handle, context.CancelFunc, int) {
	e.gen++
	h, cancel, p := e.handle, e.cancel, e.port
	e.handle, e.cancel, e.port = nil, nil, 0
	return h, cancel, p
}

func (r *Registry) teardown(id string, h Handle, cancel context.CancelFunc, p int) {
	if cancel != nil {
		cancel()
	}
	if h != nil {
		if err := h.Terminate(); err != nil {
			r.logger.Warn("terminate dev server", "id", id, "pid", h.PID(), "error", err)
		}
	}
	r.ports.Release(p)
}

// failLocked moves e to error, releasing its port.
func (r *Registry) failLocked(ctx context.Context, e *entry, cause error) project.Record {
	r.ports.Release(e.port)
	e.port = 0
	e.cancel = nil
	r.setStatusLocked(ctx, e, project.StatusError, 0, cause.Error())
	return e.rec
}

// setStatusLocked applies a transition together with the fields that depend on it and persists it.
func (r *Registry) setStatusLocked(ctx context.Context, e *entry, to project.Status, p int, lastErr string) {
	from := e.rec.Status
	e.rec.Status = to
	e.rec.AssignedPort = p
	e.rec.PreviewURL = ""
	if to == project.StatusRunning {
		e.rec.PreviewURL = project.PreviewURL(p)
	}
	e.rec.LastError = lastErr
	e.rec.UpdatedAt = time.Now().UTC()

	if from == project.StatusRunning && to != project.StatusRunning {
		r.running--
	} else if to == project.StatusRunning && from != project.StatusRunning {
		r.running++
	}
	metrics.RecordStateTransition(string(from), string(to))
	metrics.SetRunningProjects(r.running)

	if err := r.store.Save(context.WithoutCancel(ctx), e.rec); err != nil {
		r.logger.Error("persist project", "id", e.rec.ID, "status", to, "error", err)
	}
}

func (r *Registry) emit(t history.EventType, rec project.Record) {
	if len(r.sinks) == 0 {
		return
	}
	ev := history.NewEvent(t, rec.ID)
	ev.StackKind = string(rec.Stack.Kind)
	ev.Status = string(rec.Status)
	ev.Port = rec.AssignedPort
	ev.PreviewURL = rec.PreviewURL
	ev.Error = rec.LastError
	ctx, cancel := context.WithTimeout(context.Background(), r.sinkTimeout)
	defer cancel()
	if err := r.sinks.Send(ctx, ev); err != nil {
		r.logger.Warn("history sink failed", "event", t, "id", rec.ID, "error", err)
	}
}
