package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/audit"
	"github.com/gluk-w/claworc/ftpbroker/internal/connpool"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
)

// Pool and Auditor are set from main.go during init.
var (
	Pool    *connpool.Pool
	Auditor *audit.Auditor
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writePoolError maps pool and dial errors to HTTP responses. Remote error
// text is passed through; it never contains credentials.
func writePoolError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *protocol.ValidationError
		ce *connpool.CapacityError
		rl *connpool.RateLimitedError
		de *protocol.DialError
		te *retry.TimeoutError
		td *protocol.TargetDeniedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": ve.Error(), "field": ve.Field})
	case errors.Is(err, connpool.ErrNotFoundOrDenied):
		writeError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, connpool.ErrUnavailable), errors.Is(err, connpool.ErrHandleClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &ce):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, ce.Error())
	case errors.As(err, &rl):
		secs := int(rl.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, rl.Error())
	case errors.Is(err, connpool.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
	case errors.As(err, &td):
		writeError(w, http.StatusForbidden, td.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusGatewayTimeout, "Timed out connecting to remote server")
	case errors.As(err, &de):
		switch de.Kind {
		case protocol.KindAuth:
			writeError(w, http.StatusBadGateway, "Remote server rejected the credentials")
		case protocol.KindTimeout:
			writeError(w, http.StatusGatewayTimeout, "Timed out connecting to remote server")
		default:
			writeError(w, http.StatusBadGateway, "Cannot reach remote server")
		}
	default:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func poolReady(w http.ResponseWriter) bool {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not initialized")
		return false
	}
	return true
}
