package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports malformed session configuration. It is never
// retried and its message is safe to show to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// Permanent reports that the same input will always fail.
func (e *ValidationError) Permanent() bool { return true }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Normalize fills defaults: the protocol's well-known port when Port is 0,
// and the "default" preset. Host and username are trimmed.
func (c Config) Normalize() Config {
	c.Protocol = Protocol(strings.ToLower(strings.TrimSpace(string(c.Protocol))))
	if c.Protocol == "" {
		c.Protocol = FTP
	}
	c.Host = strings.TrimSpace(c.Host)
	c.Username = strings.TrimSpace(c.Username)
	if c.Port == 0 {
		c.Port = c.Protocol.DefaultPort()
	}
	if c.Preset == "" {
		c.Preset = DefaultPresetName
	}
	return c
}

// Validate checks a normalized config. The first failing field is reported.
func (c Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Reason: err.Error()}
	}
	if c.Protocol != SFTP && c.Password == "" {
		return &ValidationError{Field: "password", Reason: "is required for " + string(c.Protocol)}
	}
	if c.Protocol != SFTP && c.HostKeyFingerprint != "" {
		return &ValidationError{Field: "host_key_fingerprint", Reason: "only applies to sftp"}
	}
	if c.HostKeyFingerprint != "" && !strings.HasPrefix(c.HostKeyFingerprint, "SHA256:") {
		return &ValidationError{Field: "host_key_fingerprint", Reason: "must be a SHA256 fingerprint"}
	}
	if _, ok := LookupPreset(c.Preset); !ok {
		return &ValidationError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q", c.Preset)}
	}
	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_without":
		if field == "password" || field == "private_key" {
			return &ValidationError{Field: "password", Reason: "or private_key is required"}
		}
		return &ValidationError{Field: field, Reason: "is required"}
	case "min", "max":
		return &ValidationError{Field: field, Reason: "must be between 1 and 65535"}
	case "oneof":
		return &ValidationError{Field: field, Reason: "must be one of ftp, ftps, sftp"}
	case "hostname_rfc1123|ip":
		return &ValidationError{Field: field, Reason: "is not a valid hostname or IP address"}
	default:
		return &ValidationError{Field: field, Reason: "failed " + fe.Tag() + " check"}
	}
}
