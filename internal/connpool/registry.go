package connpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
	"github.com/gluk-w/claworc/ftpbroker/internal/store"
)

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// newHandleID derives an id from the owner, the creation time and 64 random
// bits: {owner}_{unixMillis}_{hex16}. The owner part is reduced to URL-safe
// characters.
func newHandleID(ownerID string, now time.Time) string {
	owner := idUnsafe.ReplaceAllString(ownerID, "-")
	if len(owner) > 32 {
		owner = owner[:32]
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%s_%d_%s", owner, now.UnixMilli(), random)
}

// reserve claims a table slot ahead of a dial.
func (p *Pool) reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if len(p.handles)+p.reserved >= p.opts.MaxConnections {
		return &CapacityError{Limit: p.opts.MaxConnections}
	}
	p.reserved++
	return nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
}

// commit turns a reservation into a table entry.
func (p *Pool) commit(h *Handle) error {
	p.mu.Lock()
	p.reserved--
	if p.closed {
		p.mu.Unlock()
		h.shutdown(StatusClosed)
		return ErrPoolClosed
	}
	p.handles[h.id] = h
	p.mu.Unlock()
	p.updateActive()
	return nil
}

func (p *Pool) lookup(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

// snapshot copies the table so callers can iterate without the lock.
func (p *Pool) snapshot() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	return out
}

// removeIf deletes id from the table only if it still maps to h.
func (p *Pool) removeIf(id string, h *Handle) bool {
	p.mu.Lock()
	cur, ok := p.handles[id]
	if ok && cur == h {
		delete(p.handles, id)
	}
	p.mu.Unlock()
	if ok && cur == h {
		p.updateActive()
		return true
	}
	return false
}

func (p *Pool) activeCount() int {
	n := 0
	for _, h := range p.snapshot() {
		if h.Status() == StatusReady {
			n++
		}
	}
	return n
}

func (p *Pool) updateActive() {
	if p.metrics == nil {
		return
	}
	p.metrics.setActive(p.activeCount())
}

// dial runs a dial loop under policy and records its outcome.
func (p *Pool) dial(ctx context.Context, kind string, cfg protocol.Config, policy retry.Policy) (protocol.Session, error) {
	start := time.Now()
	s, err := retry.DoValue(ctx, policy, kind, func(ctx context.Context, _ int) (protocol.Session, error) {
		return p.dialer.Dial(ctx, cfg, p.opts.DialTimeout)
	})
	p.metrics.observeDial(kind, err, time.Since(start))
	return s, err
}

// openConfig decrypts a sealed configuration. A bundle that decrypts but
// does not decode is reported as an integrity failure too.
func (p *Pool) openConfig(b crypto.Bundle) (protocol.Config, error) {
	plain, err := p.cipher.Decrypt(b)
	if err != nil {
		return protocol.Config{}, err
	}
	var cfg protocol.Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return protocol.Config{}, crypto.ErrIntegrity
	}
	return cfg, nil
}

// rehydrate restores a handle this process does not hold from its store
// record. Runs inside a singleflight keyed by id and owner.
func (p *Pool) rehydrate(ctx context.Context, id, ownerID string) (*Handle, error) {
	// A concurrent flight may have just committed it.
	if h, ok := p.lookup(id); ok {
		if h.ownerID != ownerID {
			return nil, ErrNotFoundOrDenied
		}
		if p.usable(h) {
			h.touch(p.now())
			return h, nil
		}
	}

	rec, err := p.getRecord(ctx, id)
	if errors.Is(err, store.ErrCorrupt) {
		log.Error().Err(err).
			Str("connection", logutil.ShortID(id)).
			Msg("cached connection record is corrupt, evicting")
		p.deleteRecord(ctx, id)
		p.emitFor(EventIntegrityFailure, id, ownerID, "corrupt record")
		return nil, ErrUnavailable
	}
	if err != nil || rec.OwnerID != ownerID {
		return nil, ErrNotFoundOrDenied
	}

	cfg, err := p.openConfig(rec.EncryptedConfig)
	if err != nil {
		log.Error().
			Str("connection", logutil.ShortID(id)).
			Msg("cached connection failed integrity check, evicting")
		p.deleteRecord(ctx, id)
		p.emitFor(EventIntegrityFailure, id, ownerID, "")
		return nil, ErrUnavailable
	}

	if err := p.reserve(); err != nil {
		return nil, err
	}
	session, err := p.dial(ctx, "rehydrate", cfg, p.opts.RehydratePolicy)
	if err != nil {
		p.release()
		// The caller giving up says nothing about the entry. Otherwise stop
		// every later get from paying for the same failed dial.
		if ctx.Err() == nil {
			p.deleteRecord(ctx, id)
		}
		p.emitFor(EventRehydrateFailed, id, ownerID, err.Error())
		log.Warn().Err(err).
			Str("connection", logutil.ShortID(id)).
			Str("protocol", string(cfg.Protocol)).
			Msg("rehydrate failed")
		return nil, err
	}

	h := newHandle(p, id, ownerID, rec.EncryptedConfig, store.Time(rec.CreatedAt), session)
	if err := p.commit(h); err != nil {
		return nil, err
	}
	p.persist(ctx, h)
	p.emit(EventRehydrated, h, string(cfg.Protocol))
	log.Info().
		Str("connection", logutil.ShortID(id)).
		Str("owner", logutil.SanitizeForLog(ownerID)).
		Msg("connection rehydrated")
	return h, nil
}

// usable reports whether h can be handed out. A handle caught mid-reconnect
// is waited for; one left in any other state is dropped locally so the
// caller rehydrates it from the store.
func (p *Pool) usable(h *Handle) bool {
	if h.Status() == StatusReady {
		return true
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()
	if h.Status() == StatusReady {
		return true
	}
	p.detach(h, "stale")
	return false
}

// detach drops h from the local table and closes its session but keeps its
// store entry, so the next GetConnection rehydrates it.
func (p *Pool) detach(h *Handle, reason string) bool {
	if !p.removeIf(h.id, h) {
		return false
	}
	h.shutdown(StatusClosed)
	p.metrics.recordEviction(reason)
	return true
}

// abandon detaches a handle whose operation was cut short by the caller's
// context. The library call may still be running on the old session, so it
// must not serve another operation.
func (p *Pool) abandon(h *Handle, op string, cause error) {
	if !p.detach(h, "abandoned") {
		return
	}
	p.emit(EventOperationAbandoned, h, op)
	log.Info().Err(cause).
		Str("connection", logutil.ShortID(h.id)).
		Str("op", op).
		Msg("operation abandoned, dropping session until next use")
}

// endedByContext reports whether a shared rehydration failed only because
// the context of the caller that ran it ended.
func endedByContext(err error) bool {
	var de *protocol.DialError
	if errors.As(err, &de) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fail evicts a handle whose session could not be restored and forgets it
// everywhere.
func (p *Pool) fail(ctx context.Context, h *Handle, cause error) {
	if !p.removeIf(h.id, h) {
		return
	}
	h.shutdown(StatusError)
	p.metrics.recordEviction("error")
	p.deleteRecord(ctx, h.id)
	p.emit(EventReconnectFailed, h, cause.Error())
	log.Warn().Err(cause).Str("connection", logutil.ShortID(h.id)).Msg("reconnect failed, connection dropped")
}

// storeContext bounds one store call. It survives the caller's
// cancellation so a bookkeeping write is not torn by a client hanging up.
func (p *Pool) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.opts.StoreTimeout)
}

func (p *Pool) storeAvailable() bool {
	return p.storeUp.Load()
}

// persist writes h to the store with a fresh TTL. Failures switch the pool
// to degraded mode.
func (p *Pool) persist(ctx context.Context, h *Handle) {
	if !p.storeAvailable() {
		return
	}
	rec := h.record()
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.store.Put(sctx, h.id, rec, p.opts.IdleTimeout); err != nil {
		p.markStoreDown(err)
		return
	}
	h.markPersisted(rec.LastUsedAt)
}

func (p *Pool) getRecord(ctx context.Context, id string) (*store.Record, error) {
	if !p.storeAvailable() {
		return nil, store.ErrNotFound
	}
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	rec, err := p.store.Get(sctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) {
		p.markStoreDown(err)
	}
	return rec, err
}

// deleteRecord removes id from the store. Best effort: the store TTL
// eventually removes anything left behind.
func (p *Pool) deleteRecord(ctx context.Context, id string) {
	if !p.storeAvailable() {
		return
	}
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.store.Delete(sctx, id); err != nil {
		log.Warn().Err(err).Str("connection", logutil.ShortID(id)).Msg("delete cached connection")
		p.markStoreDown(err)
	}
}

// markStoreDown enters degraded mode. Only the transition is logged.
func (p *Pool) markStoreDown(err error) {
	if !p.storeUp.CompareAndSwap(true, false) {
		return
	}
	p.metrics.setStoreUp(false)
	log.Warn().Err(err).Msg("connection store unreachable, continuing with local connections only")
	p.emit(EventStoreDegraded, nil, err.Error())
}

// markStoreUp leaves degraded mode and republishes local handles so other
// instances can see them again.
func (p *Pool) markStoreUp(ctx context.Context) {
	if !p.storeUp.CompareAndSwap(false, true) {
		return
	}
	p.metrics.setStoreUp(true)
	handles := p.snapshot()
	log.Info().Int("republish", len(handles)).Msg("connection store reachable again")
	p.emit(EventStoreRecovered, nil, "")
	for _, h := range handles {
		if h.Status() == StatusReady {
			p.persist(ctx, h)
		}
	}
}

// checkStore pings the store and updates degraded mode.
func (p *Pool) checkStore(ctx context.Context) {
	sctx, cancel := p.storeContext(ctx)
	err := p.store.Ping(sctx)
	cancel()
	if err != nil {
		p.markStoreDown(err)
		return
	}
	p.markStoreUp(ctx)
}
