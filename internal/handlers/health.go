package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/ftpbroker/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	storeStatus := "disconnected"
	if Pool != nil && Pool.Stats().DistributedStoreConnected {
		storeStatus = "connected"
	}

	// A store outage degrades the broker but does not make it unhealthy.
	status := "healthy"
	if Pool == nil {
		status = "unhealthy"
	} else if storeStatus != "connected" {
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":   status,
		"store":    storeStatus,
		"database": dbStatus,
	})
}

// GetStats returns pool occupancy.
func GetStats(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	s := Pool.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeConnections":         s.ActiveConnections,
		"maxConnections":            s.MaxConnections,
		"distributedStoreConnected": s.DistributedStoreConnected,
		"idleTimeoutSeconds":        int(s.IdleTimeout.Seconds()),
	})
}
