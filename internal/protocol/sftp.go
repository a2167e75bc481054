package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpSession is an SFTP subsystem over its own SSH connection.
type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func sshAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, &ValidationError{Field: "private_key", Reason: "is not a valid PEM private key"}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		pw := cfg.Password
		methods = append(methods,
			ssh.Password(pw),
			// Some servers only offer keyboard-interactive for passwords.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func dialSFTP(ctx context.Context, cfg Config, timeout time.Duration) (Session, error) {
	addr := cfg.Addr()
	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(cfg.HostKeyFingerprint),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := call(dialCtx, func() (*sftpSession, error) {
		var d net.Dialer
		netConn, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		// Bound the handshake; ssh.NewClientConn has no context.
		_ = netConn.SetDeadline(time.Now().Add(timeout))
		c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
		if err != nil {
			netConn.Close()
			return nil, err
		}
		_ = netConn.SetDeadline(time.Time{})
		client := ssh.NewClient(c, chans, reqs)

		sc, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("start sftp subsystem: %w", err)
		}
		return &sftpSession{ssh: client, sftp: sc}, nil
	}, func(s *sftpSession) { _ = s.Close() })
	if err != nil {
		return nil, classifyDial(addr, err)
	}
	return s, nil
}

func (s *sftpSession) List(ctx context.Context, path string) ([]Entry, error) {
	infos, err := call(ctx, func() ([]os.FileInfo, error) { return s.sftp.ReadDir(path) }, nil)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			IsLink:  fi.Mode()&os.ModeSymlink != 0,
			ModTime: fi.ModTime(),
		})
	}
	return out, nil
}

func (s *sftpSession) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := call(ctx, func() ([]byte, error) {
		f, err := s.sftp.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *sftpSession) Write(ctx context.Context, path string, data []byte) error {
	err := callErr(ctx, func() error {
		f, err := s.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *sftpSession) Mkdir(ctx context.Context, path string) error {
	if err := callErr(ctx, func() error { return s.sftp.MkdirAll(path) }); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (s *sftpSession) Remove(ctx context.Context, path string) error {
	if err := callErr(ctx, func() error { return s.sftp.Remove(path) }); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *sftpSession) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := callErr(ctx, func() error { return s.sftp.Rename(oldPath, newPath) }); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

func (s *sftpSession) Ping(ctx context.Context) error {
	return callErr(ctx, func() error {
		_, err := s.sftp.Getwd()
		return err
	})
}

func (s *sftpSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
