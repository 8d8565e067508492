package config

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the ciagent custom rules registered.
// Build requests are validated with the same instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if s == "" {
				return true
			}
			d, err := time.ParseDuration(s)
			return err == nil && d > 0
		})
	})
	return validate
}

// Validate checks field rules and cross-field constraints.
func (c *Config) Validate() error {
	if err := Validator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stdErrors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return foundationerrors.ConfigError("configuration validation failed").
				WithContext("fields", strings.Join(msgs, "; ")).
				WithCause(err).
				Build()
		}
		return foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "configuration validation failed").Fatal().Build()
	}

	seen := make(map[string]struct{}, len(c.Repositories))
	for _, r := range c.Repositories {
		if _, dup := seen[r.Name]; dup {
			return foundationerrors.ConfigError("duplicate repository name").
				WithContext("repository", r.Name).Build()
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
