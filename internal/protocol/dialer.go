package protocol

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// NetDialer dials real FTP, FTPS and SFTP servers.
type NetDialer struct {
	// Targets restricts dialable addresses. Nil allows all.
	Targets *TargetPolicy
}

// NewDialer returns the network-backed Dialer.
func NewDialer() *NetDialer {
	return &NetDialer{}
}

// Dial opens a session for cfg. A zero timeout uses the preset's connect
// timeout.
func (d *NetDialer) Dial(ctx context.Context, cfg Config, timeout time.Duration) (Session, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := d.Targets.Check(ctx, cfg.Host); err != nil {
		log.Warn().Err(err).Str("addr", logutil.SanitizeForLog(cfg.Addr())).Msg("dial target refused")
		return nil, err
	}
	preset, _ := LookupPreset(cfg.Preset)
	if timeout <= 0 {
		timeout = preset.ConnectTimeout
	}

	start := time.Now()
	var (
		s   Session
		err error
	)
	switch cfg.Protocol {
	case SFTP:
		s, err = dialSFTP(ctx, cfg, timeout)
	default:
		s, err = dialFTP(ctx, cfg, timeout, preset)
	}
	if err != nil {
		log.Debug().Err(err).
			Str("protocol", string(cfg.Protocol)).
			Str("addr", logutil.SanitizeForLog(cfg.Addr())).
			Str("user", logutil.SanitizeForLog(cfg.Username)).
			Msg("dial failed")
		return nil, err
	}
	log.Debug().
		Str("protocol", string(cfg.Protocol)).
		Str("addr", logutil.SanitizeForLog(cfg.Addr())).
		Dur("elapsed", time.Since(start)).
		Msg("session established")
	return s, nil
}
