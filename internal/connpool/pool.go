// Package connpool brokers live FTP and SFTP sessions for many owners.
//
// A Pool owns an in-process table of Handles, a distributed store of sealed
// handle metadata, and two background loops: the reaper, which evicts idle
// handles, and the health checker, which pings idle sessions. Handles created
// by one process can be rehydrated by another (or by the same process after a
// restart) from the store: the sealed configuration is decrypted and dialed
// again. When the store is unreachable the pool keeps working on its local
// table alone and republishes its handles once the store comes back.
//
// Every lookup is owner-checked. A missing handle and a handle owned by
// someone else produce the same ErrNotFoundOrDenied.
//
// The table lock is never held across network I/O: dials, session
// operations and store calls all run outside it. Capacity is reserved under
// the lock before dialing so concurrent creates cannot overshoot the cap.
package connpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
	"github.com/gluk-w/claworc/ftpbroker/internal/store"
)

const (
	defaultMaxConnections      = 100
	defaultIdleTimeout         = 5 * time.Minute
	defaultReapInterval        = 60 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultStoreTimeout        = 2 * time.Second

	// maxRehydrateJoins bounds how often a waiter rejoins a rehydration that
	// another caller's context cut short.
	maxRehydrateJoins = 3
)

// Options configures a Pool. Zero values take defaults.
type Options struct {
	// MaxConnections caps local handles (ready or being dialed).
	MaxConnections int
	// IdleTimeout is both the reaper's eviction age and the store TTL.
	IdleTimeout time.Duration
	// ReapInterval is the reaper period.
	ReapInterval time.Duration
	// HealthCheckInterval is the keepalive period. Negative disables it.
	HealthCheckInterval time.Duration
	// DialTimeout bounds one dial attempt. Zero uses the server preset.
	DialTimeout time.Duration
	// StoreTimeout bounds one store call.
	StoreTimeout time.Duration

	DialPolicy      retry.Policy
	RehydratePolicy retry.Policy
	OperationPolicy retry.Policy

	Metrics *Metrics

	// RateLimit throttles creates per owner and target. Nil disables it.
	RateLimit *RateLimitConfig

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = defaultReapInterval
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = defaultHealthCheckInterval
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.DialPolicy.MaxAttempts == 0 {
		o.DialPolicy = retry.DialPolicy
	}
	if o.RehydratePolicy.MaxAttempts == 0 {
		o.RehydratePolicy = retry.RehydratePolicy
	}
	if o.OperationPolicy.MaxAttempts == 0 {
		o.OperationPolicy = retry.OperationPolicy
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	ActiveConnections         int           `json:"activeConnections"`
	MaxConnections            int           `json:"maxConnections"`
	DistributedStoreConnected bool          `json:"distributedStoreConnected"`
	IdleTimeout               time.Duration `json:"idleTimeout"`
}

// Pool is the connection broker. Construct it once with New and share it.
type Pool struct {
	opts    Options
	cipher  *crypto.Cipher
	store   store.Store
	dialer  protocol.Dialer
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	handles  map[string]*Handle
	reserved int // dials in flight that will occupy a slot
	closed   bool

	storeUp atomic.Bool
	flights singleflight.Group
	events  *eventLog
	limiter *attemptLimiter

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New builds a Pool. A nil store falls back to an in-process MemoryStore.
func New(cipher *crypto.Cipher, st store.Store, dialer protocol.Dialer, opts Options) *Pool {
	opts = opts.withDefaults()
	if st == nil {
		st = store.NewMemoryStore()
	}
	p := &Pool{
		opts:    opts,
		cipher:  cipher,
		store:   st,
		dialer:  dialer,
		metrics: opts.Metrics,
		now:     opts.Now,
		handles: make(map[string]*Handle),
		events:  newEventLog(),
	}
	if opts.RateLimit != nil {
		p.limiter = newAttemptLimiter(*opts.RateLimit, opts.Now)
	}
	p.storeUp.Store(true)
	p.metrics.setStoreUp(true)
	return p
}

// Start checks the store and launches the reaper and health checker. They
// stop when ctx ends or Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	p.checkStore(ctx)

	bgCtx, cancel := context.WithCancel(ctx)
	p.bgCancel = cancel

	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		p.runReaper(bgCtx)
	}()
	if p.opts.HealthCheckInterval > 0 {
		p.bgWG.Add(1)
		go func() {
			defer p.bgWG.Done()
			p.runHealthChecker(bgCtx)
		}()
	}
	log.Info().
		Int("max_connections", p.opts.MaxConnections).
		Dur("idle_timeout", p.opts.IdleTimeout).
		Dur("reap_interval", p.opts.ReapInterval).
		Dur("health_check_interval", p.opts.HealthCheckInterval).
		Bool("store_connected", p.storeUp.Load()).
		Msg("connection pool started")
}

// Shutdown stops background loops and closes every local session. Store
// entries are left in place so another instance, or this one after a
// restart, can rehydrate them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := p.handles
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()

	if p.bgCancel != nil {
		p.bgCancel()
	}
	for _, h := range handles {
		h.shutdown(StatusClosed)
	}
	p.metrics.setActive(0)
	log.Info().Int("closed", len(handles)).Msg("connection pool shut down")

	done := make(chan struct{})
	go func() {
		p.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateConnection validates cfg, dials it with retries, and registers a
// ready handle for ownerID. Nothing is cached if the dial fails.
func (p *Pool) CreateConnection(ctx context.Context, ownerID string, cfg protocol.Config) (string, error) {
	if ownerID == "" {
		return "", &protocol.ValidationError{Field: "ownerId", Reason: "is required"}
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := p.throttle(ownerID, cfg.Addr()); err != nil {
		return "", err
	}
	if err := p.reserve(); err != nil {
		return "", err
	}

	plain, err := json.Marshal(cfg)
	if err != nil {
		p.release()
		return "", fmt.Errorf("encode config: %w", err)
	}
	bundle, err := p.cipher.Encrypt(plain)
	if err != nil {
		p.release()
		return "", fmt.Errorf("seal config: %w", err)
	}

	now := p.now()
	id := newHandleID(ownerID, now)
	session, err := p.dial(ctx, "create", cfg, p.opts.DialPolicy)
	p.recordCreate(ownerID, cfg.Addr(), err)
	if err != nil {
		p.release()
		p.emitFor(EventConnectFailed, id, ownerID, err.Error())
		log.Warn().Err(err).
			Str("owner", logutil.SanitizeForLog(ownerID)).
			Str("protocol", string(cfg.Protocol)).
			Str("addr", logutil.SanitizeForLog(cfg.Addr())).
			Msg("create connection failed")
		return "", err
	}

	h := newHandle(p, id, ownerID, bundle, now, session)
	if err := p.commit(h); err != nil {
		return "", err
	}
	p.persist(ctx, h)
	p.emit(EventCreated, h, fmt.Sprintf("%s %s", cfg.Protocol, cfg.Addr()))
	log.Info().
		Str("connection", logutil.ShortID(id)).
		Str("owner", logutil.SanitizeForLog(ownerID)).
		Str("protocol", string(cfg.Protocol)).
		Msg("connection created")
	return id, nil
}

// GetConnection returns the ready handle id for ownerID, rehydrating it from
// the store when this process does not hold it. Each successful call slides
// the handle's expiry.
func (p *Pool) GetConnection(ctx context.Context, id, ownerID string) (*Handle, error) {
	if id == "" || ownerID == "" {
		return nil, ErrNotFoundOrDenied
	}
	if h, ok := p.lookup(id); ok {
		if h.ownerID != ownerID {
			return nil, ErrNotFoundOrDenied
		}
		if p.usable(h) {
			h.touch(p.now())
			p.persist(ctx, h)
			return h, nil
		}
	}

	key := id + "\x00" + ownerID
	for attempt := 1; ; attempt++ {
		ch := p.flights.DoChan(key, func() (interface{}, error) {
			return p.rehydrate(ctx, id, ownerID)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}
		if res.Err == nil {
			return res.Val.(*Handle), nil
		}
		// A waiter whose own context is alive joins a new flight.
		if res.Shared && ctx.Err() == nil && endedByContext(res.Err) && attempt < maxRehydrateJoins {
			continue
		}
		return nil, res.Err
	}
}

// CloseConnection closes the handle's session and removes it locally and
// from the store.
func (p *Pool) CloseConnection(ctx context.Context, id, ownerID string) error {
	if id == "" || ownerID == "" {
		return ErrNotFoundOrDenied
	}

	p.mu.Lock()
	h, ok := p.handles[id]
	if ok && h.ownerID == ownerID {
		delete(p.handles, id)
	}
	p.mu.Unlock()

	if ok {
		if h.ownerID != ownerID {
			return ErrNotFoundOrDenied
		}
		h.shutdown(StatusClosed)
		p.updateActive()
		p.metrics.recordEviction("closed")
		p.deleteRecord(ctx, id)
		p.emit(EventClosed, h, "")
		log.Info().Str("connection", logutil.ShortID(id)).Msg("connection closed")
		return nil
	}

	// Held by another instance, or by nobody.
	rec, err := p.getRecord(ctx, id)
	if err != nil || rec.OwnerID != ownerID {
		return ErrNotFoundOrDenied
	}
	p.deleteRecord(ctx, id)
	p.emitFor(EventClosed, id, ownerID, "remote")
	return nil
}

// ListConnections returns metadata for every handle ownerID has, in this
// process or cached by any instance. Sorted by creation time.
func (p *Pool) ListConnections(ctx context.Context, ownerID string) []Info {
	byID := make(map[string]Info)

	if p.storeAvailable() {
		sctx, cancel := p.storeContext(ctx)
		items, err := p.store.List(sctx, ownerID)
		cancel()
		if err != nil {
			p.markStoreDown(err)
		} else {
			for _, it := range items {
				byID[it.ID] = Info{
					ID:         it.ID,
					CreatedAt:  store.Time(it.Record.CreatedAt),
					LastUsedAt: store.Time(it.Record.LastUsedAt),
					Status:     Status(it.Record.Status),
				}
			}
		}
	}

	for _, h := range p.snapshot() {
		if h.ownerID == ownerID {
			byID[h.id] = h.Info()
		}
	}

	out := make([]Info, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats reports pool occupancy and store health.
func (p *Pool) Stats() Stats {
	return Stats{
		ActiveConnections:         p.activeCount(),
		MaxConnections:            p.opts.MaxConnections,
		DistributedStoreConnected: p.storeAvailable(),
		IdleTimeout:               p.opts.IdleTimeout,
	}
}
