package server

import (
	"encoding/json"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gitview/internal/registry"
)

// normalizeBase turns " api/ " into "/api"; "" and "/" mount at the root.
func normalizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// validID applies the registry's id rule, which also keeps ids usable as
// directory and log file names.
func validID(id string) bool { return registry.ValidID(id) }

// cleanAbsPath accepts "" (use the default) or an absolute path that
// filepath.Clean leaves unchanged apart from a trailing separator.
func cleanAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	c := filepath.Clean(p)
	return c == p || c == strings.TrimRight(p, string(filepath.Separator))
}

// inside reports whether p lies strictly below root. Both must be clean absolute paths.
func inside(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeJSON(c *gin.Context, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(code, "application/json", append(b, '\n'))
}
