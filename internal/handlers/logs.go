package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/ftpbroker/internal/logging"
)

const maxLogLines = 5000

// GetServerLogs returns the tail of the server log file. Query: lines
// (default 200).
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid lines")
			return
		}
		n = parsed
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	text, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}
