package protocol

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// HostKeyMismatchError is returned when an SFTP server presents a key whose
// fingerprint differs from the pinned one. This may indicate a MITM attack,
// so the dial is treated as an auth failure and never retried.
type HostKeyMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s", e.Host, e.Expected, e.Actual)
}

// hostKeyCallback verifies the server key against a pinned SHA256
// fingerprint. With no pin, any key is accepted and its fingerprint logged
// at debug level so operators can pin it.
func hostKeyCallback(expected string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if expected == "" {
			log.Debug().
				Str("host", logutil.SanitizeForLog(hostname)).
				Str("fingerprint", actual).
				Msg("accepting unpinned sftp host key")
			return nil
		}
		if actual != expected {
			log.Warn().
				Str("host", logutil.SanitizeForLog(hostname)).
				Str("expected", expected).
				Str("actual", actual).
				Msg("sftp host key fingerprint mismatch")
			return &HostKeyMismatchError{Host: hostname, Expected: expected, Actual: actual}
		}
		return nil
	}
}
