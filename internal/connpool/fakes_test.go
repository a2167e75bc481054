package connpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/claworc/ftpbroker/internal/crypto"
	"github.com/gluk-w/claworc/ftpbroker/internal/protocol"
	"github.com/gluk-w/claworc/ftpbroker/internal/store"
)

// fakeSession is an in-memory protocol.Session.
type fakeSession struct {
	mu       sync.Mutex
	files    map[string][]byte
	closed   bool
	pingErr  error
	failOnce map[string]error
	hangOnce map[string]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		files:    make(map[string][]byte),
		failOnce: make(map[string]error),
		hangOnce: make(map[string]bool),
	}
}

// hangNext makes the next op block until its context ends, the way an
// abandoned library call returns to the caller.
func (s *fakeSession) hangNext(op string) {
	s.mu.Lock()
	s.hangOnce[op] = true
	s.mu.Unlock()
}

func (s *fakeSession) hang(ctx context.Context, op string) error {
	s.mu.Lock()
	h := s.hangOnce[op]
	delete(s.hangOnce, op)
	s.mu.Unlock()
	if !h {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSession) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("use of closed network connection")
	}
	if err, ok := s.failOnce[op]; ok {
		delete(s.failOnce, op)
		return err
	}
	return nil
}

func (s *fakeSession) failNext(op string, err error) {
	s.mu.Lock()
	s.failOnce[op] = err
	s.mu.Unlock()
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) List(ctx context.Context, _ string) ([]protocol.Entry, error) {
	if err := s.hang(ctx, "list"); err != nil {
		return nil, err
	}
	if err := s.check("list"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Entry
	for name, data := range s.files {
		out = append(out, protocol.Entry{Name: name, Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeSession) Read(_ context.Context, path string) ([]byte, error) {
	if err := s.check("read"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("550 no such file")
	}
	return bytes.Clone(data), nil
}

func (s *fakeSession) Write(_ context.Context, path string, data []byte) error {
	if err := s.check("write"); err != nil {
		return err
	}
	s.mu.Lock()
	s.files[path] = bytes.Clone(data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Mkdir(context.Context, string) error { return s.check("mkdir") }

func (s *fakeSession) Remove(_ context.Context, path string) error {
	if err := s.check("remove"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.files, path)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Rename(_ context.Context, oldPath, newPath string) error {
	if err := s.check("rename"); err != nil {
		return err
	}
	s.mu.Lock()
	s.files[newPath] = s.files[oldPath]
	delete(s.files, oldPath)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Ping(context.Context) error {
	if err := s.check("ping"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeDialer hands out fakeSessions. Queued errors are returned first, one
// per call; then always (if set); then success.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	queued   []error
	always   error
	delay    time.Duration
	sessions []*fakeSession
	configs  []protocol.Config
}

func (d *fakeDialer) Dial(ctx context.Context, cfg protocol.Config, _ time.Duration) (protocol.Session, error) {
	d.mu.Lock()
	d.calls++
	d.configs = append(d.configs, cfg)
	delay := d.delay
	var err error
	switch {
	case len(d.queued) > 0:
		err = d.queued[0]
		d.queued = d.queued[1:]
	case d.always != nil:
		err = d.always
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	s := newFakeSession()
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) setDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

func (d *fakeDialer) setAlways(err error) {
	d.mu.Lock()
	d.always = err
	d.mu.Unlock()
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// flakyStore wraps a MemoryStore and fails every call while down.
type flakyStore struct {
	*store.MemoryStore
	down    atomic.Bool
	corrupt atomic.Bool
	calls   atomic.Int32
}

var errStoreDown = errors.New("dial tcp 10.0.0.9:6379: connect: connection refused")

func (s *flakyStore) Get(ctx context.Context, id string) (*store.Record, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errStoreDown
	}
	if s.corrupt.Load() {
		return nil, fmt.Errorf("decode record %s: %w: invalid character 'x'", id, store.ErrCorrupt)
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *flakyStore) Put(ctx context.Context, id string, rec *store.Record, ttl time.Duration) error {
	s.calls.Add(1)
	if s.down.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Put(ctx, id, rec, ttl)
}

func (s *flakyStore) Delete(ctx context.Context, id string) error {
	s.calls.Add(1)
	if s.down.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Delete(ctx, id)
}

func (s *flakyStore) List(ctx context.Context, ownerID string) ([]store.Item, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.List(ctx, ownerID)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return errStoreDown
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testKey = bytes.Repeat([]byte{0x42}, crypto.KeySize)

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func fastPolicy(attempts int) Options {
	p := Options{}
	p.DialPolicy.MaxAttempts = attempts
	p.DialPolicy.InitialDelay = 10 * time.Millisecond
	p.DialPolicy.BackoffFactor = 2
	p.DialPolicy.MaxDelay = 25 * time.Millisecond
	p.RehydratePolicy = p.DialPolicy
	p.OperationPolicy = p.DialPolicy
	return p
}

type testEnv struct {
	pool   *Pool
	dialer *fakeDialer
	store  *flakyStore
	clock  *fakeClock
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	st := &flakyStore{MemoryStore: store.NewMemoryStoreWithClock(clock.Now)}
	d := &fakeDialer{}
	opts := fastPolicy(3)
	opts.Now = clock.Now
	opts.HealthCheckInterval = -1
	if mutate != nil {
		mutate(&opts)
	}
	p := New(testCipher(t), st, d, opts)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return &testEnv{pool: p, dialer: d, store: st, clock: clock}
}

// dropLocal forgets every local handle without touching the store, as a
// process restart would.
func (e *testEnv) dropLocal() {
	e.pool.mu.Lock()
	handles := e.pool.handles
	e.pool.handles = make(map[string]*Handle)
	e.pool.mu.Unlock()
	for _, h := range handles {
		h.shutdown(StatusClosed)
	}
}

func (e *testEnv) localCount() int {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return len(e.pool.handles)
}

func (e *testEnv) eventCount(typ EventType) int {
	n := 0
	for _, ev := range e.pool.Events("") {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func ftpConfig() protocol.Config {
	return protocol.Config{
		Protocol: protocol.FTP,
		Host:     "ftp.example.com",
		Username: "webmaster",
		Password: "hunter2-super-secret",
	}
}

func networkErr() error {
	return &protocol.DialError{Kind: protocol.KindNetwork, Addr: "ftp.example.com:21", Err: errors.New("connection refused")}
}

func authErr() error {
	return &protocol.DialError{Kind: protocol.KindAuth, Addr: "ftp.example.com:21", Err: errors.New("530 Login incorrect")}
}
