package client

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustNew(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	c := mustNew(t, Config{})
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("Expected default baseURL %s, got %s", DefaultBaseURL, c.BaseURL())
	}
	if c.client.Timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", c.client.Timeout)
	}

	c = mustNew(t, Config{BaseURL: "http://example.com/api/", Timeout: 5 * time.Second})
	if c.BaseURL() != "http://example.com/api" {
		t.Errorf("Expected trailing slash trimmed, got %s", c.BaseURL())
	}
	if c.client.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", c.client.Timeout)
	}

	if _, err := New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}}); err == nil {
		t.Error("Expected missing CA file to fail")
	}
}

func TestIsReachable(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/projects" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if !mustNew(t, Config{BaseURL: server.URL}).IsReachable(ctx) {
		t.Error("Expected server to be reachable")
	}
	if mustNew(t, Config{BaseURL: server.URL + "/other"}).IsReachable(ctx) {
		t.Error("Expected 404 to be unreachable")
	}
	if mustNew(t, Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond}).IsReachable(ctx) {
		t.Error("Expected closed port to be unreachable")
	}
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	type seen struct{ method, path, body string }
	var got []seen
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, seen{r.Method, r.URL.EscapedPath(), string(b)})
		switch {
		case r.URL.Path == "/projects" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":"a","status":"stopped"}]`))
		case r.URL.Path == "/repos":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"project":{"id":"main"},"path":"/w/main","refreshed":false}`))
		case r.Method == http.MethodDelete:
			_, _ = w.Write([]byte(`{"deleted":true}`))
		case strings.HasSuffix(r.URL.Path, "/status"):
			_, _ = w.Write([]byte(`{"id":"a","status":"running","port":3000,"alive":true}`))
		default:
			_, _ = w.Write([]byte(`{"id":"a","status":"running","assigned_port":3000}`))
		}
	}))
	defer server.Close()
	c := mustNew(t, Config{BaseURL: server.URL})

	if rec, err := c.Register(ctx, RegisterRequest{ID: "a", SourcePath: "/src/a"}); err != nil || rec.ID != "a" {
		t.Fatalf("register: %+v %v", rec, err)
	}
	if rec, err := c.Run(ctx, "a"); err != nil || rec.AssignedPort != 3000 {
		t.Fatalf("run: %+v %v", rec, err)
	}
	if _, err := c.Stop(ctx, "a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st, err := c.Status(ctx, "a"); err != nil || !st.Alive {
		t.Fatalf("status: %+v %v", st, err)
	}
	if recs, err := c.List(ctx); err != nil || len(recs) != 1 {
		t.Fatalf("list: %+v %v", recs, err)
	}
	if res, err := c.Clone(ctx, CloneRequest{RepoURL: "https://example.com/r.git", Branch: "main", Run: true}); err != nil || res.Path != "/w/main" {
		t.Fatalf("clone: %+v %v", res, err)
	}
	if res, err := c.Delete(ctx, "feature.x"); err != nil || !res.Deleted {
		t.Fatalf("delete: %+v %v", res, err)
	}

	want := []seen{
		{http.MethodPost, "/projects", `{"id":"a","source_path":"/src/a"}`},
		{http.MethodPost, "/projects/a/run", ""},
		{http.MethodPost, "/projects/a/stop", ""},
		{http.MethodGet, "/projects/a/status", ""},
		{http.MethodGet, "/projects", ""},
		{http.MethodPost, "/repos", `{"repo_url":"https://example.com/r.git","branch":"main","run":true}`},
		{http.MethodDelete, "/projects/feature.x", ""},
	}
	if len(got) != len(want) {
		t.Fatalf("requests: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/projects/bad/run":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"install failed: exit status 1","project":{"id":"bad","status":"error"}}`))
		case "/projects/gone/status":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"project not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`<html>bad gateway</html>`))
		}
	}))
	defer server.Close()
	c := mustNew(t, Config{BaseURL: server.URL})

	_, err := c.Run(ctx, "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
	if apiErr.Project == nil || apiErr.Project.Status != "error" {
		t.Fatalf("expected project in error body: %+v", apiErr)
	}

	_, err = c.Status(ctx, "gone")
	if !errors.As(err, &apiErr) || apiErr.Message != "project not found" {
		t.Fatalf("expected not found message, got %v", err)
	}

	_, err = c.List(ctx)
	if !errors.As(err, &apiErr) || apiErr.Message != http.StatusText(http.StatusBadGateway) {
		t.Fatalf("expected status text fallback, got %v", err)
	}
}

func TestTLS(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	if mustNew(t, Config{BaseURL: server.URL}).IsReachable(ctx) {
		t.Fatal("expected unknown certificate to be rejected")
	}
	if !mustNew(t, Config{BaseURL: server.URL, TLS: &TLSClientConfig{SkipVerify: true}}).IsReachable(ctx) {
		t.Fatal("expected SkipVerify to connect")
	}

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	if err := os.WriteFile(caFile, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	c := mustNew(t, Config{BaseURL: server.URL, TLS: &TLSClientConfig{CACert: caFile}})
	if _, err := c.List(ctx); err != nil {
		t.Fatalf("list over TLS: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	if _, err := mustNew(t, Config{BaseURL: server.URL, Token: "t0k"}).List(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer t0k" {
		t.Fatalf("authorization header: %q", got)
	}
	if _, err := mustNew(t, Config{BaseURL: server.URL}).List(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("unexpected authorization header: %q", got)
	}
}
