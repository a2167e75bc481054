// reaper.go evicts idle handles.
//
// Every ReapInterval the reaper snapshots the table ids and visits each
// handle under its own lock: handles idle past IdleTimeout, or left in the
// error state, are closed and removed locally and from the store. Handles
// that were used through file operations since their last store write are
// re-persisted so their store TTL keeps sliding. The same tick probes a
// degraded store and leaves degraded mode when it answers, and drops stale
// create-throttling state.
//
// Only handles in this process's table are reaped. Entries cached by other
// instances expire through the store TTL.

package connpool

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.storeAvailable() {
				p.checkStore(ctx)
			}
			p.reap(ctx)
			if p.limiter != nil {
				p.limiter.prune()
			}
		}
	}
}

// reap runs one sweep and returns the number of handles evicted.
func (p *Pool) reap(ctx context.Context) int {
	now := p.now()
	evicted := 0
	for _, h := range p.snapshot() {
		// In use: the operation will refresh lastUsedAt anyway.
		if !h.opMu.TryLock() {
			continue
		}
		status := h.Status()
		idle := now.Sub(h.LastUsedAt())

		var reason string
		switch {
		case status == StatusError || status == StatusClosed:
			reason = "error"
		case idle >= p.opts.IdleTimeout:
			reason = "idle"
		}

		if reason == "" {
			h.opMu.Unlock()
			if h.dirty() {
				p.persist(ctx, h)
			}
			continue
		}

		if !p.removeIf(h.id, h) {
			h.opMu.Unlock()
			continue
		}
		h.shutdown(StatusClosed)
		h.opMu.Unlock()

		p.deleteRecord(ctx, h.id)
		p.metrics.recordEviction(reason)
		p.emit(EventExpired, h, reason)
		log.Info().
			Str("connection", logutil.ShortID(h.id)).
			Str("reason", reason).
			Dur("idle", idle).
			Msg("connection reaped")
		evicted++
	}
	return evicted
}
