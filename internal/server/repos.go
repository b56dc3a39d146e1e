package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gitview/internal/project"
	"github.com/loykin/gitview/internal/registry"
	"github.com/loykin/gitview/internal/source"
)

type repoReq struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	BaseDir string `json:"base_dir"`
	Run     bool   `json:"run"` // start the dev server once registered
}

type repoResp struct {
	Project   project.Record `json:"project"`
	Path      string         `json:"path"`
	Refreshed bool           `json:"refreshed"` // the branch was already registered; only its tree was pulled
}

func (r *Router) handleRepos(c *gin.Context) {
	var req repoReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" || strings.TrimSpace(req.Branch) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "repo_url and branch required"})
		return
	}
	if !cleanAbsPath(req.BaseDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid base_dir: must be absolute path without traversal"})
		return
	}
	if root := r.workspace(); req.BaseDir != "" {
		if b := filepath.Clean(req.BaseDir); b != root && !inside(root, b) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid base_dir: must be inside the workspace " + root})
			return
		}
	}
	resp, code, err := r.acquire(c.Request.Context(), req)
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, code, resp)
}

// acquire clones or pulls the branch and registers it under its directory name.
func (r *Router) acquire(ctx context.Context, req repoReq) (repoResp, int, error) {
	id := source.DirName(req.Branch)
	if !validID(id) {
		return repoResp{}, 0, source.ErrInvalidRef
	}
	base := req.BaseDir
	if base == "" {
		base = r.baseDir
	}
	path, err := r.source.Acquire(ctx, req.RepoURL, req.Branch, base)
	if err != nil {
		return repoResp{}, 0, err
	}
	log := r.logger.With("id", id, "repo", req.RepoURL, "path", path)

	if rec, err := r.projects.Get(id); err == nil {
		log.Info("branch refreshed")
		return repoResp{Project: rec, Path: path, Refreshed: true}, http.StatusOK, nil
	}
	rec, err := r.projects.Register(ctx, id, path, req.RepoURL)
	if errors.Is(err, registry.ErrDuplicateProject) {
		// registered concurrently by another request for the same branch,
		// or still being deleted, in which case the conflict stands
		got, gerr := r.projects.Get(id)
		if gerr != nil {
			return repoResp{}, 0, err
		}
		return repoResp{Project: got, Path: path, Refreshed: true}, http.StatusOK, nil
	}
	if err != nil {
		return repoResp{}, 0, err
	}
	if req.Run {
		if ran, err := r.projects.Run(ctx, id); err != nil {
			log.Warn("auto-run failed", "error", err)
			if ran.ID != "" {
				rec = ran
			}
		} else {
			rec = ran
		}
	}
	return repoResp{Project: rec, Path: path}, http.StatusCreated, nil
}
