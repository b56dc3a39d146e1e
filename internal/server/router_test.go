package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gitview/internal/auth"
	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/registry"
	"github.com/loykin/gitview/internal/source"
	"github.com/loykin/gitview/internal/stack"
)

// fakeProjects is an in-memory Projects whose Run and Delete outcomes are scripted.
type fakeProjects struct {
	mu        sync.Mutex
	recs      map[string]project.Record
	runErr    error
	deleteErr error
	runs      int
}

func newFakeProjects() *fakeProjects { return &fakeProjects{recs: map[string]project.Record{}} }

func (f *fakeProjects) Register(_ context.Context, id, dir, origin string) (project.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; ok {
		return project.Record{}, fmt.Errorf("%w: %s", registry.ErrDuplicateProject, id)
	}
	rec := project.Record{ID: id, SourcePath: dir, OriginURL: origin, Stack: stack.Builtin(stack.KindStatic), Status: project.StatusStopped}
	f.recs[id] = rec
	return rec, nil
}

func (f *fakeProjects) Run(_ context.Context, id string) (project.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return project.Record{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	f.runs++
	if f.runErr != nil {
		rec.Status = project.StatusError
		rec.LastError = f.runErr.Error()
		f.recs[id] = rec
		return rec, f.runErr
	}
	rec.Status = project.StatusRunning
	rec.AssignedPort = 3000
	rec.PreviewURL = project.PreviewURL(3000)
	f.recs[id] = rec
	return rec, nil
}

func (f *fakeProjects) Stop(_ context.Context, id string) (project.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return project.Record{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	rec.Status, rec.AssignedPort, rec.PreviewURL, rec.LastError = project.StatusStopped, 0, "", ""
	f.recs[id] = rec
	return rec, nil
}

func (f *fakeProjects) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return false, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	delete(f.recs, id)
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	return true, nil
}

func (f *fakeProjects) Get(id string) (project.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return project.Record{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	return rec, nil
}

func (f *fakeProjects) List() []project.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]project.Record, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeProjects) Status(id string) (registry.StatusView, error) {
	rec, err := f.Get(id)
	if err != nil {
		return registry.StatusView{}, err
	}
	return registry.StatusView{ID: rec.ID, Status: rec.Status, Port: rec.AssignedPort, Alive: rec.Status == project.StatusRunning}, nil
}

type fakeSource struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSource) Acquire(_ context.Context, url, ref, base string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, url+"#"+ref+"@"+base)
	if s.err != nil {
		return "", s.err
	}
	return base + "/" + source.DirName(ref), nil
}

func setupRouter(t *testing.T, o Options) (http.Handler, *fakeProjects, *fakeSource) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p := newFakeProjects()
	src := &fakeSource{}
	o.Projects = p
	if o.Source == nil {
		o.Source = src
	}
	if o.BaseDir == "" {
		o.BaseDir = filepath.Dir(checkoutPath())
	}
	return NewRouter(o).Handler(), p, src
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRegisterGetList(t *testing.T) {
	h, _, _ := setupRouter(t, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodPost, "/api/projects", registerReq{ID: "main", SourcePath: checkoutPath()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[project.Record](t, rec); got.ID != "main" || got.Status != project.StatusStopped {
		t.Fatalf("record: %+v", got)
	}

	rec = doReq(t, h, http.MethodPost, "/api/projects", registerReq{ID: "main", SourcePath: checkoutPath()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodGet, "/api/projects/main", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/api/projects", nil)
	if list := decode[[]project.Record](t, rec); len(list) != 1 {
		t.Fatalf("list: %+v", list)
	}
}

func TestRegisterValidation(t *testing.T) {
	h, _, _ := setupRouter(t, Options{})
	cases := []registerReq{
		{ID: "", SourcePath: checkoutPath()},
		{ID: "../etc", SourcePath: checkoutPath()},
		{ID: "ok", SourcePath: "relative/dir"},
		{ID: "ok", SourcePath: ""},
	}
	for _, body := range cases {
		if rec := doReq(t, h, http.MethodPost, "/projects", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%+v: expected 400, got %d", body, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/projects", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rec.Code)
	}
}

func TestUnknownProject(t *testing.T) {
	h, _, _ := setupRouter(t, Options{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/projects/nope"},
		{http.MethodGet, "/projects/nope/status"},
		{http.MethodPost, "/projects/nope/run"},
		{http.MethodPost, "/projects/nope/stop"},
		{http.MethodDelete, "/projects/nope"},
	} {
		rec := doReq(t, h, tc.method, tc.path, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
		if e := decode[errorResp](t, rec); e.Error == "" {
			t.Fatalf("%s %s: empty error body", tc.method, tc.path)
		}
	}
}

func TestRunStopStatus(t *testing.T) {
	h, p, _ := setupRouter(t, Options{})
	_, _ = p.Register(context.Background(), "main", "/src/main", "")

	rec := doReq(t, h, http.MethodPost, "/projects/main/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[project.Record](t, rec); got.PreviewURL != "http://localhost:3000" {
		t.Fatalf("preview: %+v", got)
	}
	rec = doReq(t, h, http.MethodGet, "/projects/main/status", nil)
	if st := decode[registry.StatusView](t, rec); !st.Alive || st.Status != project.StatusRunning {
		t.Fatalf("status: %+v", st)
	}
	rec = doReq(t, h, http.MethodPost, "/projects/main/stop", nil)
	if got := decode[project.Record](t, rec); rec.Code != http.StatusOK || got.Status != project.StatusStopped {
		t.Fatalf("stop: %d %+v", rec.Code, got)
	}
}

func TestRunErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&registry.InstallFailure{ExitCode: 3}, http.StatusBadRequest},
		{fmt.Errorf("%w: exited", registry.ErrStartupFailure), http.StatusBadRequest},
		{fmt.Errorf("%w: main", registry.ErrAlreadyRunning), http.StatusConflict},
		{fmt.Errorf("%w: main", registry.ErrClassificationUnknown), http.StatusUnprocessableEntity},
		{fmt.Errorf("run main: %w", registry.ErrPortExhaustion), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, p, _ := setupRouter(t, Options{})
		_, _ = p.Register(context.Background(), "main", "/src/main", "")
		p.runErr = tc.err
		rec := doReq(t, h, http.MethodPost, "/projects/main/run", nil)
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		e := decode[errorResp](t, rec)
		if e.Project == nil || e.Project.ID != "main" || e.Error != tc.err.Error() {
			t.Fatalf("%v: body %+v", tc.err, e)
		}
	}
}

func TestDelete(t *testing.T) {
	h, p, _ := setupRouter(t, Options{})
	_, _ = p.Register(context.Background(), "main", "/src/main", "")
	rec := doReq(t, h, http.MethodDelete, "/projects/main", nil)
	if got := decode[deleteResp](t, rec); rec.Code != http.StatusOK || !got.Deleted {
		t.Fatalf("delete: %d %+v", rec.Code, got)
	}

	_, _ = p.Register(context.Background(), "sticky", "/src/sticky", "")
	p.deleteErr = &registry.FilesystemError{Path: "/src/sticky", Failed: []string{"/src/sticky/lock"}, Err: errors.New("permission denied")}
	rec = doReq(t, h, http.MethodDelete, "/projects/sticky", nil)
	got := decode[deleteResp](t, rec)
	if rec.Code != http.StatusOK || got.Deleted || got.Error == "" {
		t.Fatalf("partial delete: %d %+v", rec.Code, got)
	}
}

func TestRepos(t *testing.T) {
	h, p, src := setupRouter(t, Options{})
	rec := doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "https://example.com/acme/site.git", Branch: "feature/login"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("repos: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[repoResp](t, rec)
	if got.Project.ID != "feature-login" || got.Path != "/srv/gitview/feature-login" || got.Refreshed {
		t.Fatalf("resp: %+v", got)
	}
	if got.Project.OriginURL != "https://example.com/acme/site.git" {
		t.Fatalf("origin: %q", got.Project.OriginURL)
	}

	rec = doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "https://example.com/acme/site.git", Branch: "feature/login", Run: true})
	if got := decode[repoResp](t, rec); rec.Code != http.StatusOK || !got.Refreshed {
		t.Fatalf("refresh: %d %+v", rec.Code, got)
	}
	if len(src.calls) != 2 || p.runs != 0 {
		t.Fatalf("calls=%v runs=%d", src.calls, p.runs)
	}

	rec = doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "https://example.com/acme/site.git", Branch: "main", Run: true})
	if got := decode[repoResp](t, rec); rec.Code != http.StatusCreated || got.Project.Status != project.StatusRunning {
		t.Fatalf("auto run: %d %+v", rec.Code, got)
	}
}

func TestReposErrors(t *testing.T) {
	h, _, src := setupRouter(t, Options{})
	if rec := doReq(t, h, http.MethodPost, "/repos", repoReq{Branch: "main"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url: %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "u", Branch: "main", BaseDir: "rel"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("relative base: %d", rec.Code)
	}
	src.err = fmt.Errorf("%w: ghost", source.ErrRefNotFound)
	rec := doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "u", Branch: "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing branch: expected 404, got %d", rec.Code)
	}
}

func TestPathsConfinedToWorkspace(t *testing.T) {
	root := filepath.Dir(checkoutPath())
	h, p, src := setupRouter(t, Options{BaseDir: root})
	for _, dir := range []string{
		root,
		filepath.Dir(root),
		root + "-other" + string(filepath.Separator) + "main",
	} {
		rec := doReq(t, h, http.MethodPost, "/projects", registerReq{ID: "main", SourcePath: dir})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("register %s: expected 400, got %d", dir, rec.Code)
		}
	}
	if len(p.List()) != 0 {
		t.Fatalf("nothing should be registered: %+v", p.List())
	}

	rec := doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "u", Branch: "main", BaseDir: filepath.Dir(root)})
	if rec.Code != http.StatusBadRequest || len(src.calls) != 0 {
		t.Fatalf("base_dir outside: %d calls=%v", rec.Code, src.calls)
	}
	nested := filepath.Join(root, "team")
	rec = doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "u", Branch: "main", BaseDir: nested})
	if rec.Code != http.StatusCreated {
		t.Fatalf("base_dir inside: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteLeavesForeignTreesAlone(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Options{
		Projects: registry.New(registry.Options{}),
		BaseDir:  t.TempDir(),
		BasePath: "/api",
	}).Handler()

	foreign := t.TempDir()
	keep := filepath.Join(foreign, "notes.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if rec := doReq(t, h, http.MethodPost, "/api/projects", registerReq{ID: "main", SourcePath: foreign}); rec.Code != http.StatusBadRequest {
		t.Fatalf("register: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodDelete, "/api/projects/main", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("delete: expected 404, got %d", rec.Code)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("foreign tree touched: %v", err)
	}
}

func TestReposDisabledWithoutSource(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Options{Projects: newFakeProjects()}).Handler()
	if rec := doReq(t, h, http.MethodPost, "/repos", repoReq{RepoURL: "u", Branch: "main"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 route miss, got %d", rec.Code)
	}
}

func pushPayload(ref string) []byte {
	b, _ := json.Marshal(map[string]any{
		"ref":        ref,
		"repository": map[string]any{"clone_url": "https://example.com/acme/site.git"},
	})
	return b
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(signatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookPush(t *testing.T) {
	h, p, _ := setupRouter(t, Options{Webhook: WebhookOptions{Enabled: true}})
	rec := postWebhook(h, pushPayload("refs/heads/feature/login"), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("push: %d %s", rec.Code, rec.Body.String())
	}
	if _, err := p.Get("feature-login"); err != nil {
		t.Fatalf("branch not registered: %v", err)
	}
}

func TestWebhookIgnoresTagsAndDeletes(t *testing.T) {
	h, _, src := setupRouter(t, Options{Webhook: WebhookOptions{Enabled: true}})
	rec := postWebhook(h, pushPayload("refs/tags/v1.0.0"), "")
	if rec.Code != http.StatusAccepted || !decode[webhookResp](t, rec).Ignored {
		t.Fatalf("tag: %d %s", rec.Code, rec.Body.String())
	}
	body := []byte(`{"ref":"refs/heads/old","deleted":true,"repository":{"clone_url":"u"}}`)
	if rec := postWebhook(h, body, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("deletion: %d", rec.Code)
	}
	if rec := postWebhook(h, []byte("not json"), ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage: %d", rec.Code)
	}
	if len(src.calls) != 0 {
		t.Fatalf("ignored pushes reached the source: %v", src.calls)
	}
}

func TestWebhookSignature(t *testing.T) {
	h, _, _ := setupRouter(t, Options{Webhook: WebhookOptions{Enabled: true, Secret: "s3cret"}})
	body := pushPayload("refs/heads/main")
	if rec := postWebhook(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned: %d", rec.Code)
	}
	if rec := postWebhook(h, body, sign("wrong", body)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", rec.Code)
	}
	if rec := postWebhook(h, body, sign("s3cret", body)); rec.Code != http.StatusCreated {
		t.Fatalf("signed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRateLimit(t *testing.T) {
	h, _, _ := setupRouter(t, Options{Webhook: WebhookOptions{Enabled: true, Rate: 0.001, Burst: 1}})
	body := pushPayload("refs/tags/v1")
	if rec := postWebhook(h, body, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("first: %d", rec.Code)
	}
	rec := postWebhook(h, body, "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d", rec.Code)
	}
}

func TestWebhookDisabled(t *testing.T) {
	h, _, _ := setupRouter(t, Options{})
	if rec := postWebhook(h, pushPayload("refs/heads/main"), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _, _ := setupRouter(t, Options{BasePath: "/api", Metrics: true})
	if rec := doReq(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	h, _, _ = setupRouter(t, Options{})
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be off: %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(fmt.Errorf("x: %w", registry.ErrInvalidID)); got != http.StatusBadRequest {
		t.Fatalf("invalid id: %d", got)
	}
	if got := statusFor(fmt.Errorf("x: %w", registry.ErrRunInterrupted)); got != http.StatusConflict {
		t.Fatalf("interrupted: %d", got)
	}
}

func TestAuthGuardsProjectRoutes(t *testing.T) {
	svc, err := auth.NewService([]auth.Credential{
		{Name: "ops", Token: "admin-token", Role: auth.RoleAdmin},
		{Name: "dash", Token: "view-token", Role: auth.RoleViewer},
	})
	if err != nil {
		t.Fatal(err)
	}
	h, _, _ := setupRouter(t, Options{Auth: auth.NewMiddleware(svc), Webhook: WebhookOptions{Enabled: true}})
	call := func(method, path, token string, body any) int {
		var rdr io.Reader
		if body != nil {
			b, _ := json.Marshal(body)
			rdr = bytes.NewReader(b)
		}
		req := httptest.NewRequest(method, path, rdr)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	reg := registerReq{ID: "main", SourcePath: "/srv/main"}

	if code := call(http.MethodGet, "/projects", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous list: %d", code)
	}
	if code := call(http.MethodGet, "/projects", "view-token", nil); code != http.StatusOK {
		t.Fatalf("viewer list: %d", code)
	}
	if code := call(http.MethodPost, "/projects", "view-token", reg); code != http.StatusForbidden {
		t.Fatalf("viewer register: %d", code)
	}
	if code := call(http.MethodPost, "/projects", "admin-token", reg); code != http.StatusCreated {
		t.Fatalf("admin register: %d", code)
	}
	if code := call(http.MethodPost, "/repos", "view-token", repoReq{RepoURL: "u", Branch: "main"}); code != http.StatusForbidden {
		t.Fatalf("viewer repos: %d", code)
	}
	if code := call(http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", code)
	}
	// the webhook authenticates by signature, not token
	if rec := postWebhook(h, pushPayload("refs/heads/feature/x"), ""); rec.Code != http.StatusCreated {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
}
