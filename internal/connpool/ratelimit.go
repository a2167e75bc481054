package connpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// Create throttling defaults. Two independent mechanisms protect remote
// servers from credential storms:
//   - Sliding window: at most AttemptsPerMinute creates per owner and target.
//   - Failure block: after MaxConsecFailures failed creates in a row, the
//     owner and target pair is refused for BlockDuration.
const (
	DefaultAttemptsPerMinute = 10
	DefaultMaxConsecFailures = 5
	DefaultBlockDuration     = 5 * time.Minute
)

// RateLimitConfig configures create throttling. A zero AttemptsPerMinute
// disables the window check; a zero MaxConsecFailures disables blocking.
type RateLimitConfig struct {
	AttemptsPerMinute int
	MaxConsecFailures int
	BlockDuration     time.Duration
}

// DefaultRateLimitConfig returns the default throttling configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		AttemptsPerMinute: DefaultAttemptsPerMinute,
		MaxConsecFailures: DefaultMaxConsecFailures,
		BlockDuration:     DefaultBlockDuration,
	}
}

// RateLimitedError is returned by CreateConnection when the caller must wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many connection attempts (%s), retry after %s", e.Reason, e.RetryAfter)
}

type attemptState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// attemptLimiter tracks create attempts per owner and target address.
type attemptLimiter struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	state map[string]*attemptState
	now   func() time.Time
}

func newAttemptLimiter(cfg RateLimitConfig, now func() time.Time) *attemptLimiter {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	return &attemptLimiter{
		cfg:   cfg,
		state: make(map[string]*attemptState),
		now:   now,
	}
}

func limiterKey(ownerID, addr string) string {
	return ownerID + "\x00" + addr
}

// allow records an attempt for key or reports why it is refused.
func (l *attemptLimiter) allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.stateFor(key)

	if now.Before(s.blockedUntil) {
		return &RateLimitedError{
			RetryAfter: s.blockedUntil.Sub(now).Truncate(time.Second),
			Reason:     fmt.Sprintf("%d consecutive failures", s.consecFailures),
		}
	}

	if l.cfg.AttemptsPerMinute <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= l.cfg.AttemptsPerMinute {
		return &RateLimitedError{
			RetryAfter: s.attempts[0].Add(time.Minute).Sub(now).Truncate(time.Second),
			Reason:     fmt.Sprintf("limit %d per minute", l.cfg.AttemptsPerMinute),
		}
	}
	s.attempts = append(s.attempts, now)
	return nil
}

func (l *attemptLimiter) recordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(key)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// recordFailure counts a failed create and reports whether key is now blocked.
func (l *attemptLimiter) recordFailure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(key)
	s.consecFailures++
	if l.cfg.MaxConsecFailures > 0 && s.consecFailures >= l.cfg.MaxConsecFailures {
		s.blockedUntil = l.now().Add(l.cfg.BlockDuration)
		return true
	}
	return false
}

// prune drops state that no longer affects decisions. Called by the reaper.
func (l *attemptLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-time.Minute)
	for key, s := range l.state {
		recent := false
		for _, t := range s.attempts {
			if t.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent && s.consecFailures == 0 && !now.Before(s.blockedUntil) {
			delete(l.state, key)
		}
	}
}

// stateFor must be called with l.mu held.
func (l *attemptLimiter) stateFor(key string) *attemptState {
	s, ok := l.state[key]
	if !ok {
		s = &attemptState{}
		l.state[key] = s
	}
	return s
}

// throttle checks the limiter before a create dial. A nil limiter allows all.
func (p *Pool) throttle(ownerID, addr string) error {
	if p.limiter == nil {
		return nil
	}
	err := p.limiter.allow(limiterKey(ownerID, addr))
	if err != nil {
		p.emitFor(EventRateLimited, "", ownerID, err.Error())
		log.Warn().
			Str("owner", logutil.SanitizeForLog(ownerID)).
			Str("addr", logutil.SanitizeForLog(addr)).
			Msg("create connection throttled")
	}
	return err
}

func (p *Pool) recordCreate(ownerID, addr string, err error) {
	if p.limiter == nil {
		return
	}
	key := limiterKey(ownerID, addr)
	if err == nil {
		p.limiter.recordSuccess(key)
		return
	}
	if p.limiter.recordFailure(key) {
		log.Warn().
			Str("owner", logutil.SanitizeForLog(ownerID)).
			Str("addr", logutil.SanitizeForLog(addr)).
			Dur("block", p.limiter.cfg.BlockDuration).
			Msg("blocking create after consecutive failures")
	}
}
