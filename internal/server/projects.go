package server

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gitview/internal/registry"
)

type registerReq struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	OriginURL  string `json:"origin_url"`
}

type deleteResp struct {
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.projects.List())
}

func (r *Router) handleRegister(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !validID(req.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: want [A-Za-z0-9._-], starting with a letter or digit, at most 128 characters"})
		return
	}
	if req.SourcePath == "" || !cleanAbsPath(req.SourcePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source_path: must be absolute path without traversal"})
		return
	}
	if root := r.workspace(); !inside(root, filepath.Clean(req.SourcePath)) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source_path: must be inside the workspace " + root})
		return
	}
	rec, err := r.projects.Register(c.Request.Context(), req.ID, req.SourcePath, req.OriginURL)
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleGet(c *gin.Context) {
	rec, err := r.projects.Get(c.Param("id"))
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.projects.Status(c.Param("id"))
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRun(c *gin.Context) {
	rec, err := r.projects.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err, &rec)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStop(c *gin.Context) {
	rec, err := r.projects.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDelete(c *gin.Context) {
	ok, err := r.projects.Delete(c.Request.Context(), c.Param("id"))
	var fsErr *registry.FilesystemError
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, deleteResp{Deleted: ok})
	case errors.As(err, &fsErr):
		// the record is gone; only part of the tree stayed behind
		writeJSON(c, http.StatusOK, deleteResp{Deleted: false, Error: err.Error()})
	default:
		r.writeError(c, err, nil)
	}
}
