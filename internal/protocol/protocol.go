// Package protocol hides the two remote file-transfer protocols behind one
// capability interface.
//
// A Dialer turns a Config into a live Session. Two variants exist: FTP (a
// plaintext control channel, optionally upgraded with explicit TLS) and SFTP
// (a subsystem of an encrypted SSH channel). Callers never learn which variant
// backs a session. Blocking library calls are run behind a result channel so
// the caller's context bounds every dial and every operation; when the context
// ends first, the call is abandoned and its late result discarded.
//
// Dial failures are classified into timeout, auth, and network kinds. Auth
// failures are permanent: retrying a bad credential cannot succeed.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
)

// Protocol names a wire protocol variant.
type Protocol string

const (
	FTP  Protocol = "ftp"
	FTPS Protocol = "ftps"
	SFTP Protocol = "sftp"
)

// DefaultPort returns the well-known port for p.
func (p Protocol) DefaultPort() int {
	if p == SFTP {
		return 22
	}
	return 21
}

// Config is the session configuration a caller supplies. It contains
// credentials and must never be persisted in plaintext.
type Config struct {
	Protocol Protocol `json:"protocol" validate:"required,oneof=ftp ftps sftp"`
	Host     string   `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port     int      `json:"port" validate:"min=1,max=65535"`
	Username string   `json:"username" validate:"required"`
	Password string   `json:"password,omitempty" validate:"required_without=PrivateKey"`

	// PrivateKey is a PEM-encoded key for SFTP public key auth.
	PrivateKey string `json:"private_key,omitempty" validate:"required_without=Password"`

	// HostKeyFingerprint pins the SFTP server key (SHA256:...). Empty skips
	// verification.
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`

	// InsecureSkipVerify disables certificate checks for FTPS.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`

	// Preset selects server tuning (timeouts, EPSV) by name.
	Preset string `json:"preset,omitempty"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	IsLink  bool      `json:"is_link,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

// Session is a live connection to a remote file server. A Session is not
// required to be safe for concurrent use; callers serialize operations.
type Session interface {
	List(ctx context.Context, path string) ([]Entry, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	// Ping performs a cheap round trip to confirm the session is alive.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions. timeout bounds a single attempt; ctx may carry a
// tighter overall deadline.
type Dialer interface {
	Dial(ctx context.Context, cfg Config, timeout time.Duration) (Session, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, cfg Config, timeout time.Duration) (Session, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, cfg Config, timeout time.Duration) (Session, error) {
	return f(ctx, cfg, timeout)
}

// DialErrorKind classifies a dial failure.
type DialErrorKind string

const (
	KindTimeout DialErrorKind = "timeout"
	KindAuth    DialErrorKind = "auth_failure"
	KindNetwork DialErrorKind = "network_error"
)

// DialError is returned by Dial.
type DialError struct {
	Kind DialErrorKind
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the dial is pointless.
func (e *DialError) Permanent() bool { return e.Kind == KindAuth }

// IsAuthFailure reports whether err is a dial auth failure.
func IsAuthFailure(err error) bool {
	var de *DialError
	return errors.As(err, &de) && de.Kind == KindAuth
}

// classifyDial wraps err as a DialError with the matching kind.
func classifyDial(addr string, err error) *DialError {
	var de *DialError
	if errors.As(err, &de) {
		return de
	}
	kind := KindNetwork
	switch {
	case isAuthError(err):
		kind = KindAuth
	case isTimeout(err):
		kind = KindTimeout
	}
	return &DialError{Kind: kind, Addr: addr, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}

func isAuthError(err error) bool {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code == ftp.StatusNotLoggedIn
	}
	var hk *HostKeyMismatchError
	if errors.As(err, &hk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "host key fingerprint mismatch")
}

// IsTransient reports whether an operation error means the session itself
// is broken (connection reset, closed, timed out) as opposed to the remote
// server rejecting the request (missing file, permission denied). Only
// transient errors justify reconnecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code == ftp.StatusNotAvailable
	}
	var st *sftp.StatusError
	if errors.As(err, &st) {
		return st.FxCode() == sftp.ErrSSHFxConnectionLost || st.FxCode() == sftp.ErrSSHFxNoConnection
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	if isTimeout(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// call runs fn on its own goroutine and returns its result, or ctx.Err() if
// the context ends first. A late result is handed to discard (when non-nil)
// so resources such as half-opened sessions can be released.
func call[T any](ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-done; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}

// callErr is call for functions that only return an error.
func callErr(ctx context.Context, fn func() error) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, fn() }, nil)
	return err
}
