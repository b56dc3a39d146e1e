package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes subprocess environments from the daemon's own environment,
// configured globals and per-call overrides.
type Env struct {
	globals map[string]string
	base    map[string]string
}

// New returns an Env seeded from os.Environ with the given "K=V" globals applied.
func New(globals []string) *Env {
	e := &Env{globals: parse(globals), base: parse(os.Environ())}
	return e
}

// Set adds or replaces a global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.globals == nil {
		e.globals = make(map[string]string)
	}
	e.globals[k] = v
}

// Merge returns the environment in "K=V" form. Later layers win:
// OS environment, then globals, then extra. ${VAR} references are
// expanded once against the merged map.
func (e *Env) Merge(extra ...string) []string {
	m := make(map[string]string, len(e.base)+len(e.globals)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.globals {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
