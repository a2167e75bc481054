package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpSession wraps a jlaffaye/ftp control connection.
type ftpSession struct {
	conn *ftp.ServerConn
	addr string
}

func dialFTP(ctx context.Context, cfg Config, timeout time.Duration, preset Preset) (Session, error) {
	addr := cfg.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []ftp.DialOption{
		ftp.DialWithContext(dialCtx),
		ftp.DialWithTimeout(timeout),
		ftp.DialWithDisabledEPSV(preset.DisableEPSV),
		ftp.DialWithShutTimeout(preset.DataTimeout),
	}
	if cfg.Protocol == FTPS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in per connection
			MinVersion:         tls.VersionTLS12,
		}))
	}

	conn, err := call(dialCtx, func() (*ftp.ServerConn, error) {
		c, err := ftp.Dial(addr, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Login(cfg.Username, cfg.Password); err != nil {
			_ = c.Quit()
			return nil, err
		}
		return c, nil
	}, func(c *ftp.ServerConn) { _ = c.Quit() })
	if err != nil {
		return nil, classifyDial(addr, err)
	}
	return &ftpSession{conn: conn, addr: addr}, nil
}

func (s *ftpSession) List(ctx context.Context, path string) ([]Entry, error) {
	entries, err := call(ctx, func() ([]*ftp.Entry, error) { return s.conn.List(path) }, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, Entry{
			Name:    e.Name,
			Size:    int64(e.Size),
			IsDir:   e.Type == ftp.EntryTypeFolder,
			IsLink:  e.Type == ftp.EntryTypeLink,
			ModTime: e.Time,
		})
	}
	return out, nil
}

func (s *ftpSession) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := call(ctx, func() ([]byte, error) {
		r, err := s.conn.Retr(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *ftpSession) Write(ctx context.Context, path string, data []byte) error {
	if err := callErr(ctx, func() error { return s.conn.Stor(path, bytes.NewReader(data)) }); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *ftpSession) Mkdir(ctx context.Context, path string) error {
	if err := callErr(ctx, func() error { return s.conn.MakeDir(path) }); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// Remove deletes a file, falling back to RMD when the path is a directory.
func (s *ftpSession) Remove(ctx context.Context, path string) error {
	err := callErr(ctx, func() error {
		err := s.conn.Delete(path)
		var tp *textproto.Error
		if errors.As(err, &tp) && tp.Code == ftp.StatusFileUnavailable {
			if rerr := s.conn.RemoveDir(path); rerr == nil {
				return nil
			}
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *ftpSession) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := callErr(ctx, func() error { return s.conn.Rename(oldPath, newPath) }); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

// Ping sends NOOP. Some servers reject NOOP outside a transfer, so PWD is
// tried before declaring the session dead.
func (s *ftpSession) Ping(ctx context.Context) error {
	return callErr(ctx, func() error {
		if err := s.conn.NoOp(); err != nil {
			if _, perr := s.conn.CurrentDir(); perr != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}
