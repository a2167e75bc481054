package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/gluk-w/claworc/ftpbroker/internal/retry"
)

// Prefix is the environment variable prefix, e.g. FTPBROKER_LISTEN_ADDR.
const Prefix = "FTPBROKER"

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000" validate:"required"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/ftpbroker.db" validate:"required"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/ftpbroker.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"console" validate:"oneof=console json"`

	// Credential encryption. Previous keys are only used to decrypt.
	CipherKey          string   `envconfig:"CIPHER_KEY" validate:"required"`
	CipherPreviousKeys []string `envconfig:"CIPHER_PREVIOUS_KEYS"`

	// StoreURL is a redis:// or rediss:// URL. Empty keeps handle metadata in
	// process memory only.
	StoreURL     string        `envconfig:"STORE_URL" validate:"omitempty,url"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"2s" validate:"gt=0"`

	// Pool settings
	IdleTimeout         time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m" validate:"gt=0"`
	MaxConnections      int           `envconfig:"MAX_CONNECTIONS" default:"100" validate:"min=1"`
	ReapInterval        time.Duration `envconfig:"REAP_INTERVAL" default:"60s" validate:"gt=0"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	DialTimeout         time.Duration `envconfig:"DIAL_TIMEOUT" default:"0s" validate:"gte=0"`

	// Dial retry policy for new connections
	DialMaxAttempts    int           `envconfig:"DIAL_MAX_ATTEMPTS" default:"3" validate:"min=1,max=20"`
	RetryInitialDelay  time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"1s" validate:"gte=0"`
	RetryBackoffFactor float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2" validate:"gte=1"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s" validate:"gte=0"`

	// Create throttling per owner and target. Zero disables each check.
	CreateAttemptsPerMinute int           `envconfig:"CREATE_ATTEMPTS_PER_MINUTE" default:"10" validate:"gte=0"`
	CreateMaxFailures       int           `envconfig:"CREATE_MAX_FAILURES" default:"5" validate:"gte=0"`
	CreateBlockDuration     time.Duration `envconfig:"CREATE_BLOCK_DURATION" default:"5m" validate:"gte=0"`

	// Dial target restrictions: comma-separated IPs or CIDRs. Deny wins.
	TargetAllow []string `envconfig:"TARGET_ALLOW"`
	TargetDeny  []string `envconfig:"TARGET_DENY"`

	PresetsFile        string `envconfig:"PRESETS_FILE" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" validate:"min=1"`
}

var Cfg Settings

// Load reads Settings from the environment into Cfg and validates them.
func Load() error {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Validate checks field constraints and reports every violation at once.
func (s Settings) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s_%s: failed %q", Prefix, fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// DialPolicy returns the retry policy for creating connections.
func (s Settings) DialPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   s.DialMaxAttempts,
		InitialDelay:  s.RetryInitialDelay,
		BackoffFactor: s.RetryBackoffFactor,
		MaxDelay:      s.RetryMaxDelay,
	}
}
