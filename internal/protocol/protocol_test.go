package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		in       Config
		wantPort int
		wantProt Protocol
	}{
		{"ftp default port", Config{Protocol: "FTP", Host: " ftp.example.com "}, 21, FTP},
		{"ftps default port", Config{Protocol: FTPS}, 21, FTPS},
		{"sftp default port", Config{Protocol: SFTP}, 22, SFTP},
		{"empty protocol is ftp", Config{}, 21, FTP},
		{"explicit port kept", Config{Protocol: SFTP, Port: 2222}, 2222, SFTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantPort, got.Port)
			assert.Equal(t, tt.wantProt, got.Protocol)
			assert.Equal(t, DefaultPresetName, got.Preset)
		})
	}
	assert.Equal(t, "ftp.example.com", Config{Host: " ftp.example.com "}.Normalize().Host)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Protocol: FTP, Host: "ftp.example.com", Port: 21, Username: "alice", Password: "pw", Preset: "default"}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"valid", func(*Config) {}, ""},
		{"ip host", func(c *Config) { c.Host = "10.0.0.7" }, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "host"},
		{"bad host", func(c *Config) { c.Host = "not a host!" }, "host"},
		{"missing user", func(c *Config) { c.Username = "" }, "username"},
		{"missing secret", func(c *Config) { c.Password = "" }, "password"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"port too big", func(c *Config) { c.Port = 70000 }, "port"},
		{"unknown protocol", func(c *Config) { c.Protocol = "scp" }, "protocol"},
		{"ftp rejects private key only", func(c *Config) { c.Password = ""; c.PrivateKey = "pem" }, "password"},
		{"fingerprint on ftp", func(c *Config) { c.HostKeyFingerprint = "SHA256:abc" }, "host_key_fingerprint"},
		{"unknown preset", func(c *Config) { c.Preset = "nope" }, "preset"},
		{"sftp with key only", func(c *Config) {
			c.Protocol = SFTP
			c.Password = ""
			c.PrivateKey = "pem"
		}, ""},
		{"sftp fingerprint format", func(c *Config) {
			c.Protocol = SFTP
			c.HostKeyFingerprint = "MD5:aa:bb"
		}, "host_key_fingerprint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
			assert.True(t, ve.Permanent())
		})
	}
}

func TestClassifyDial(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want DialErrorKind
	}{
		{"ftp 530", &textproto.Error{Code: 530, Msg: "Login incorrect."}, KindAuth},
		{"ssh auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), KindAuth},
		{"host key", fmt.Errorf("ssh: handshake failed: %w", &HostKeyMismatchError{Host: "h", Expected: "a", Actual: "b"}), KindAuth},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"os deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), KindTimeout},
		{"refused", syscall.ECONNREFUSED, KindNetwork},
		{"ftp 421", &textproto.Error{Code: 421, Msg: "Too many users"}, KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classifyDial("h:21", tt.err)
			assert.Equal(t, tt.want, de.Kind)
			assert.Equal(t, tt.want == KindAuth, de.Permanent())
			assert.ErrorIs(t, de, tt.err)
		})
	}

	already := &DialError{Kind: KindTimeout, Addr: "x", Err: io.EOF}
	assert.Same(t, already, classifyDial("y", already))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped reset", fmt.Errorf("list /: %w", syscall.ECONNRESET), true},
		{"broken pipe", syscall.EPIPE, true},
		{"ftp 421", &textproto.Error{Code: 421, Msg: "Timeout"}, true},
		{"ftp 550", &textproto.Error{Code: 550, Msg: "No such file"}, false},
		{"sftp connection lost", sftp.ErrSSHFxConnectionLost, true},
		{"sftp permission", os.ErrPermission, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"closed conn text", errors.New("write tcp: use of closed network connection"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestCall_ContextEndsFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	var discarded atomic.Bool
	discardDone := make(chan struct{})

	_, err := call(ctx, func() (string, error) {
		<-release
		return "late", nil
	}, func(string) {
		discarded.Store(true)
		close(discardDone)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	select {
	case <-discardDone:
	case <-time.After(time.Second):
		t.Fatal("late result was not discarded")
	}
	assert.True(t, discarded.Load())
}

func TestCall_ReturnsResult(t *testing.T) {
	v, err := call(context.Background(), func() (int, error) { return 7, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	assert.Same(t, boom, callErr(context.Background(), func() error { return boom }))
}

func TestPresets(t *testing.T) {
	t.Cleanup(ResetPresets)

	p, ok := LookupPreset("")
	require.True(t, ok)
	assert.Equal(t, builtinPresets[DefaultPresetName], p)

	legacy, ok := LookupPreset("legacy")
	require.True(t, ok)
	assert.True(t, legacy.DisableEPSV)

	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  legacy:
    connect_timeout: 40s
    disable_epsv: true
  nas:
    keepalive_interval: 5s
`), 0o600))
	require.NoError(t, LoadPresets(path))

	legacy, _ = LookupPreset("legacy")
	assert.Equal(t, 40*time.Second, legacy.ConnectTimeout)
	assert.Equal(t, builtinPresets["legacy"].DataTimeout, legacy.DataTimeout)

	nas, ok := LookupPreset("nas")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, nas.KeepaliveInterval)
	assert.Equal(t, builtinPresets[DefaultPresetName].ConnectTimeout, nas.ConnectTimeout)

	ResetPresets()
	_, ok = LookupPreset("nas")
	assert.False(t, ok)

	assert.Error(t, LoadPresets(filepath.Join(t.TempDir(), "missing.yaml")))
}
