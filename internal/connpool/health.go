// health.go keeps idle sessions alive and drops dead ones.
//
// FTP servers close control connections that stay quiet, so every
// HealthCheckInterval each ready handle that is not in use is pinged (NOOP
// for FTP, a working-directory query for SFTP). A failed ping closes the
// session and removes the handle locally but leaves its store entry, so the
// next GetConnection rehydrates a fresh session transparently.

package connpool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// healthCheckTimeout bounds one ping.
const healthCheckTimeout = 10 * time.Second

func (p *Pool) runHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

// checkAll pings every idle ready handle and returns how many were dropped.
func (p *Pool) checkAll(ctx context.Context) int {
	dropped := 0
	for _, h := range p.snapshot() {
		if ctx.Err() != nil {
			return dropped
		}
		if !h.opMu.TryLock() {
			continue
		}
		s, err := h.activeSession()
		if err != nil {
			h.opMu.Unlock()
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err = s.Ping(pctx)
		cancel()
		if err == nil {
			h.opMu.Unlock()
			continue
		}

		removed := p.detach(h, "health")
		h.opMu.Unlock()
		if !removed {
			continue
		}

		p.emit(EventHealthCheckFailed, h, err.Error())
		log.Warn().Err(err).
			Str("connection", logutil.ShortID(h.id)).
			Msg("keepalive failed, dropping session until next use")
		dropped++
	}
	return dropped
}
