package distribution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"opportunity-dispatch/internal/apperr"
	"opportunity-dispatch/internal/fairness"
)

// Config drives the distribution cycle. The per-user caps live in the
// embedded fairness config and share the same configuration section.
type Config struct {
	BatchSize       int             `mapstructure:"batch_size" validate:"gte=1" default:"50"`
	Interval        time.Duration   `mapstructure:"interval" validate:"gt=0s" default:"30s"`
	ExpiryIntervals int             `mapstructure:"expiry_intervals" validate:"gte=1" default:"20"`
	DeliveryTimeout time.Duration   `mapstructure:"delivery_timeout" validate:"gt=0s" default:"10s"`
	Fairness        fairness.Config `mapstructure:",squash"`
}

var validate = validator.New()

// DefaultConfig returns the tag defaults.
func DefaultConfig() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("distribution: default tags: %v", err))
	}
	return c
}

// TTL is the age after which a pending opportunity expires.
func (c Config) TTL() time.Duration {
	return c.Interval * time.Duration(c.ExpiryIntervals)
}

// Validate checks the whole section, including the fairness caps.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperr.Configf("distribution: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
		return apperr.Configf("distribution: %s", strings.Join(msgs, "; "))
	}
	return nil
}
