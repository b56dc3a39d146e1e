package stack

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// Override replaces fields of a builtin profile. Nil fields keep the builtin value.
type Override struct {
	Install *string
	Run     *string
	Port    *int
}

// Classifier inspects a source tree and returns its Profile.
// It only reads the filesystem; a Classifier is safe for concurrent use.
type Classifier struct {
	overrides map[Kind]Override
	logger    *slog.Logger
}

// NewClassifier returns a Classifier applying the given per-kind overrides.
func NewClassifier(overrides map[Kind]Override, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	ov := make(map[Kind]Override, len(overrides))
	for k, o := range overrides {
		ov[k] = o
	}
	return &Classifier{overrides: ov, logger: logger.With("component", "classifier")}
}

// Classify detects the stack of the tree rooted at dir.
// A missing or non-directory path yields the unknown profile.
func (c *Classifier) Classify(dir string) Profile {
	p := c.detect(dir)
	if o, ok := c.overrides[p.Kind]; ok {
		if o.Install != nil {
			p.InstallCommand = *o.Install
		}
		if o.Run != nil {
			p.RunCommand = *o.Run
		}
		if o.Port != nil {
			p.DefaultPort = *o.Port
		}
	}
	return p
}

func (c *Classifier) detect(dir string) Profile {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return Builtin(KindUnknown)
	}
	switch {
	case exists(dir, "package.json"):
		return c.detectNode(dir)
	case exists(dir, "requirements.txt"), exists(dir, "setup.py"), exists(dir, "pyproject.toml"):
		return c.detectPython(dir)
	case exists(dir, "pom.xml"):
		return Builtin(KindJavaMaven)
	case exists(dir, "build.gradle"), exists(dir, "build.gradle.kts"):
		return Builtin(KindJavaGradle)
	case exists(dir, "index.html"):
		return Builtin(KindStatic)
	}
	return Builtin(KindUnknown)
}

func (c *Classifier) detectNode(dir string) Profile {
	b, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil || !gjson.ValidBytes(b) {
		c.logger.Warn("unreadable package.json, using generic node profile", "dir", dir, "error", err)
		return Builtin(KindNode)
	}
	deps := gjson.GetBytes(b, "dependencies")
	devDeps := gjson.GetBytes(b, "devDependencies")
	has := func(m gjson.Result, name string) bool {
		if !m.IsObject() {
			return false
		}
		_, ok := m.Map()[name]
		return ok
	}
	switch {
	case has(deps, "next") || has(devDeps, "next"):
		return Builtin(KindNextJS)
	case has(devDeps, "vite"):
		return Builtin(KindVite)
	case has(deps, "react"):
		// react-scripts only confirms the same profile
		return Builtin(KindReact)
	case has(deps, "vue"):
		return Builtin(KindVue)
	case has(deps, "@angular/core"):
		return Builtin(KindAngular)
	case has(deps, "express"):
		return Builtin(KindExpress)
	}
	return Builtin(KindNode)
}

func (c *Classifier) detectPython(dir string) Profile {
	var reqs string
	if b, err := os.ReadFile(filepath.Join(dir, "requirements.txt")); err == nil {
		reqs = strings.ToLower(string(b))
	}
	switch {
	case strings.Contains(reqs, "flask"):
		return Builtin(KindFlask)
	case strings.Contains(reqs, "django"):
		return Builtin(KindDjango)
	case strings.Contains(reqs, "fastapi"):
		return Builtin(KindFastAPI)
	}
	p := Builtin(KindPythonGeneric)
	if exists(dir, "main.py") && !exists(dir, "app.py") {
		p.RunCommand = "python main.py"
	}
	return p
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
