package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
	"github.com/gluk-w/claworc/ftpbroker/internal/store"
)

// Status is the lifecycle state of a handle.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Info is the metadata of a handle visible to its owner. It never carries
// the session or the decrypted configuration.
type Info struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Status     Status    `json:"status"`
}

// Handle is one cached remote session. Its identity and sealed
// configuration never change; session, status and lastUsedAt are guarded by
// mu. File operations on one handle run one at a time.
type Handle struct {
	id        string
	ownerID   string
	bundle    crypto.Bundle
	createdAt time.Time
	pool      *Pool

	// opMu serializes file operations and keeps the reaper and health
	// checker away from a session that is in use.
	opMu sync.Mutex

	mu         sync.Mutex
	session    protocol.Session // non-nil iff status == StatusReady
	status     Status
	lastUsedAt time.Time
	// persistedAt is the lastUsedAt value last written to the store.
	persistedAt time.Time
}

func newHandle(p *Pool, id, ownerID string, bundle crypto.Bundle, createdAt time.Time, s protocol.Session) *Handle {
	now := p.now()
	return &Handle{
		id:         id,
		ownerID:    ownerID,
		bundle:     bundle,
		createdAt:  createdAt,
		pool:       p,
		session:    s,
		status:     StatusReady,
		lastUsedAt: now,
	}
}

// ID returns the handle id.
func (h *Handle) ID() string { return h.id }

// OwnerID returns the owner the handle belongs to.
func (h *Handle) OwnerID() string { return h.ownerID }

// CreatedAt returns when the handle was first created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastUsedAt returns when the handle was last used.
func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

// Info returns a metadata snapshot.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{ID: h.id, CreatedAt: h.createdAt, LastUsedAt: h.lastUsedAt, Status: h.status}
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	if now.After(h.lastUsedAt) {
		h.lastUsedAt = now
	}
	h.mu.Unlock()
}

// record builds the store representation.
func (h *Handle) record() *store.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &store.Record{
		OwnerID:         h.ownerID,
		EncryptedConfig: h.bundle,
		CreatedAt:       store.Millis(h.createdAt),
		LastUsedAt:      store.Millis(h.lastUsedAt),
		Status:          string(StatusReady),
	}
}

func (h *Handle) markPersisted(lastUsedMillis int64) {
	h.mu.Lock()
	if t := store.Time(lastUsedMillis); t.After(h.persistedAt) {
		h.persistedAt = t
	}
	h.mu.Unlock()
}

// dirty reports whether lastUsedAt moved since the last store write.
func (h *Handle) dirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return store.Millis(h.lastUsedAt) > store.Millis(h.persistedAt)
}

// shutdown moves the handle to a terminal status and closes its session.
// It returns false if the handle was already terminal.
func (h *Handle) shutdown(status Status) bool {
	h.mu.Lock()
	if h.status == StatusClosed || h.status == StatusError {
		h.mu.Unlock()
		return false
	}
	s := h.session
	h.session = nil
	h.status = status
	h.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Str("connection", logutil.ShortID(h.id)).Msg("closing session")
		}
	}
	return true
}

func (h *Handle) activeSession() (protocol.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusReady || h.session == nil {
		return nil, ErrHandleClosed
	}
	return h.session, nil
}

// reconnect replaces a broken session with a fresh dial of the sealed
// configuration. Caller holds opMu.
func (h *Handle) reconnect(ctx context.Context) (protocol.Session, error) {
	h.mu.Lock()
	if h.status == StatusClosed || h.status == StatusError {
		h.mu.Unlock()
		return nil, retry.Permanent(ErrHandleClosed)
	}
	old := h.session
	h.session = nil
	h.status = StatusConnecting
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	cfg, err := h.pool.openConfig(h.bundle)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	s, err := h.pool.dialer.Dial(ctx, cfg, h.pool.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.status != StatusConnecting {
		// closed underneath us
		h.mu.Unlock()
		_ = s.Close()
		return nil, retry.Permanent(ErrHandleClosed)
	}
	h.session = s
	h.status = StatusReady
	h.mu.Unlock()
	return s, nil
}

// do runs one file operation. Retryable operations that fail with a broken
// session are repeated on a fresh session under the operation retry policy.
func (h *Handle) do(ctx context.Context, op string, retryable bool, fn func(context.Context, protocol.Session) error) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	s, err := h.activeSession()
	if err != nil {
		return err
	}
	h.touch(h.pool.now())

	err = fn(ctx, s)
	if err != nil && ctx.Err() != nil {
		h.pool.metrics.recordOperation(op, err)
		h.pool.abandon(h, op, err)
		return err
	}
	if err == nil || !retryable || !protocol.IsTransient(err) {
		h.pool.metrics.recordOperation(op, err)
		return err
	}

	log.Info().Err(err).
		Str("connection", logutil.ShortID(h.id)).
		Str("op", op).
		Msg("session broken, reconnecting")

	start := h.pool.now()
	var reconnected bool
	err = retry.Do(ctx, h.pool.opts.OperationPolicy, op, func(ctx context.Context, _ int) error {
		s, err := h.reconnect(ctx)
		if err != nil {
			return err
		}
		if !reconnected {
			reconnected = true
			h.pool.emit(EventReconnected, h, op)
		}
		if err := fn(ctx, s); err != nil {
			if !protocol.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	h.pool.metrics.observeDial("reconnect", err, h.pool.now().Sub(start))
	h.pool.metrics.recordOperation(op, err)

	switch {
	case err == nil:
		h.touch(h.pool.now())
	case errors.Is(err, ErrHandleClosed):
	case ctx.Err() != nil:
		// Cut short mid-dial or mid-operation: neither state is reusable.
		h.pool.abandon(h, op, err)
	case h.Status() != StatusReady:
		h.pool.fail(ctx, h, err)
	}
	return err
}

// List returns the entries of a remote directory.
func (h *Handle) List(ctx context.Context, path string) ([]protocol.Entry, error) {
	var out []protocol.Entry
	err := h.do(ctx, "list", true, func(ctx context.Context, s protocol.Session) error {
		entries, err := s.List(ctx, path)
		out = entries
		return err
	})
	return out, err
}

// Read downloads a remote file.
func (h *Handle) Read(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := h.do(ctx, "read", true, func(ctx context.Context, s protocol.Session) error {
		data, err := s.Read(ctx, path)
		out = data
		return err
	})
	return out, err
}

// Write uploads data to a remote file, replacing it.
func (h *Handle) Write(ctx context.Context, path string, data []byte) error {
	return h.do(ctx, "write", true, func(ctx context.Context, s protocol.Session) error {
		return s.Write(ctx, path, data)
	})
}

// Mkdir creates a remote directory.
func (h *Handle) Mkdir(ctx context.Context, path string) error {
	return h.do(ctx, "mkdir", true, func(ctx context.Context, s protocol.Session) error {
		return s.Mkdir(ctx, path)
	})
}

// Remove deletes a remote file or empty directory.
func (h *Handle) Remove(ctx context.Context, path string) error {
	return h.do(ctx, "remove", true, func(ctx context.Context, s protocol.Session) error {
		return s.Remove(ctx, path)
	})
}

// Rename moves a remote file. A rename is not repeated after a broken
// session since the first attempt may have been applied.
func (h *Handle) Rename(ctx context.Context, oldPath, newPath string) error {
	return h.do(ctx, "rename", false, func(ctx context.Context, s protocol.Session) error {
		return s.Rename(ctx, oldPath, newPath)
	})
}
