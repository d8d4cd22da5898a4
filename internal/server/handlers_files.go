package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

// fileEntry is one row of a session's workspace listing.
type fileEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// handleListFiles walks a live sandbox's workspace and returns either a
// plain-text tree (default) or JSON (?format=json) listing.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ms, ok := s.Pool.GetForSession(id)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "no live sandbox for session")
		return
	}

	var entries []fileEntry
	err := filepath.Walk(ms.WorkspaceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == ms.WorkspaceDir {
			return nil
		}
		rel, err := filepath.Rel(ms.WorkspaceDir, path)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry{Path: rel, Size: fi.Size(), IsDir: fi.IsDir()})
		return nil
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, entries)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			b.WriteString(e.Path + "/\n")
		} else {
			b.WriteString(e.Path + "\n")
		}
	}
	w.Write([]byte(b.String()))
}

// handleGetFile streams one file from a live sandbox's workspace. The
// requested path is resolved against the workspace root and rejected
// with 400 if it would escape it, per the cross-sandbox isolation
// property: a workspace boundary is a trust boundary, not a convention.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ms, ok := s.Pool.GetForSession(id)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "no live sandbox for session")
		return
	}

	rel := chi.URLParam(r, "*")
	full := filepath.Join(ms.WorkspaceDir, rel)
	cleanRoot := filepath.Clean(ms.WorkspaceDir)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(os.PathSeparator)) {
		writeAPIError(w, http.StatusBadRequest, "path escapes workspace")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			writeAPIError(w, http.StatusNotFound, "file not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if info.IsDir() {
		writeAPIError(w, http.StatusBadRequest, "path is a directory")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}
