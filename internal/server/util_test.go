package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gin-gonic/gin"
)

// checkoutPath is a clean absolute path on the current platform.
func checkoutPath() string {
	if runtime.GOOS == "windows" {
		return `C:\srv\gitview\main`
	}
	return "/srv/gitview/main"
}

func TestNormalizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"/":         "",
		" / ":       "",
		"api":       "/api",
		"/api/":     "/api",
		" previews": "/previews",
		"/a//b/":    "/a/b",
	} {
		if got := normalizeBase(in); got != want {
			t.Fatalf("normalizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"main", "feature-login", "v1.2_rc"} {
		if !validID(id) {
			t.Fatalf("%q should be accepted", id)
		}
	}
	for _, id := range []string{"", "..", "../etc", "a/b", `a\b`, ".git", "-rf", "spa ce"} {
		if validID(id) {
			t.Fatalf("%q should be rejected", id)
		}
	}
}

func TestCleanAbsPath(t *testing.T) {
	sep := string(filepath.Separator)
	cases := []struct {
		path string
		ok   bool
	}{
		{"", true},
		{checkoutPath(), true},
		{checkoutPath() + sep, true},
		{"srv/site", false},
		{checkoutPath() + sep + ".." + sep + "etc", false},
		{checkoutPath() + sep + "." + sep + "x", false},
	}
	for _, tc := range cases {
		if got := cleanAbsPath(tc.path); got != tc.ok {
			t.Fatalf("cleanAbsPath(%q) = %v, want %v", tc.path, got, tc.ok)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { writeJSON(c, http.StatusCreated, okResp{OK: true}) })
	r.GET("/bad", func(c *gin.Context) { writeJSON(c, http.StatusOK, func() {}) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusCreated || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("response: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var body okResp
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body.OK {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bad", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unencodable value: %d", rec.Code)
	}
}
