package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/ftpbroker/internal/connpool"
	"github.com/gluk-w/claworc/ftpbroker/internal/middleware"
)

// maxUploadSize bounds a single uploaded file.
const maxUploadSize = 64 << 20

type pathRequest struct {
	Path string `json:"path"`
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// handleFor resolves the {id} connection for the caller.
func handleFor(w http.ResponseWriter, r *http.Request) (*connpool.Handle, bool) {
	if !poolReady(w) {
		return nil, false
	}
	h, err := Pool.GetConnection(r.Context(), chi.URLParam(r, "id"), middleware.GetOwner(r))
	if err != nil {
		writePoolError(w, r, err)
		return nil, false
	}
	return h, true
}

// cleanRemotePath normalizes a remote path. Empty means the login directory.
func cleanRemotePath(p string) (string, bool) {
	if strings.ContainsRune(p, 0) {
		return "", false
	}
	if p == "" {
		return ".", true
	}
	return path.Clean(p), true
}

func queryPath(w http.ResponseWriter, r *http.Request, required bool) (string, bool) {
	raw := r.URL.Query().Get("path")
	if raw == "" && required {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	p, ok := cleanRemotePath(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return "", false
	}
	return p, true
}

// ListFiles lists a remote directory. Query: path (default login directory).
func ListFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := queryPath(w, r, false)
	if !ok {
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	entries, err := h.List(r.Context(), dir)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": dir, "entries": entries})
}

// DownloadFile streams a remote file. Query: path.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := queryPath(w, r, true)
	if !ok {
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	data, err := h.Read(r.Context(), p)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+strings.ReplaceAll(path.Base(p), "\"", "")+"\"")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// UploadFile writes the raw request body to a remote file. Query: path.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := queryPath(w, r, true)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	if err := h.Write(r.Context(), p, data); err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"path": p, "size": len(data)})
}

// CreateDirectory creates a remote directory. Body: {"path": "..."}.
func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	p, ok := cleanRemotePath(req.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	if err := h.Mkdir(r.Context(), p); err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": p})
}

// DeleteFile removes a remote file or empty directory. Query: path.
func DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := queryPath(w, r, true)
	if !ok {
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	if err := h.Remove(r.Context(), p); err != nil {
		writePoolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameFile moves a remote file. Body: {"from": "...", "to": "..."}.
func RenameFile(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	from, ok1 := cleanRemotePath(req.From)
	to, ok2 := cleanRemotePath(req.To)
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "Invalid path")
		return
	}
	h, ok := handleFor(w, r)
	if !ok {
		return
	}
	if err := h.Rename(r.Context(), from, to); err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"from": from, "to": to})
}
