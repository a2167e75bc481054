package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/ftpbroker/internal/middleware"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
)

// maxConfigBody bounds a connection request body; private keys fit easily.
const maxConfigBody = 64 << 10

// CreateConnection dials the posted configuration and returns the new id.
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	var cfg protocol.Config
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := Pool.CreateConnection(r.Context(), middleware.GetOwner(r), cfg)
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ListConnections returns the caller's connections.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, Pool.ListConnections(r.Context(), middleware.GetOwner(r)))
}

// GetConnection returns one connection, rehydrating it if needed.
func GetConnection(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	h, err := Pool.GetConnection(r.Context(), chi.URLParam(r, "id"), middleware.GetOwner(r))
	if err != nil {
		writePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}

// DeleteConnection closes a connection.
func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	if err := Pool.CloseConnection(r.Context(), chi.URLParam(r, "id"), middleware.GetOwner(r)); err != nil {
		writePoolError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
