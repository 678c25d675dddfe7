package fairness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"opportunity-dispatch/internal/apperr"
)

// Ranking strategies.
const (
	StrategyLeastServed = "least_served"
	StrategyRoundRobin  = "round_robin"
	StrategyFirstCome   = "first_come"
)

// Rules decide the order of eligible users when there are more of them than
// an opportunity admits.
type Rules struct {
	Strategy      string        `mapstructure:"strategy" validate:"omitempty,oneof=least_served round_robin first_come" default:"least_served"`
	BoostInactive bool          `mapstructure:"boost_inactive" default:"true"`
	InactiveAfter time.Duration `mapstructure:"inactive_after" validate:"gte=0s" default:"24h"`
}

// Config holds the per-user caps and selection rules.
type Config struct {
	MaxPerHour      int           `mapstructure:"max_per_user_per_hour" validate:"gte=1" default:"2"`
	MaxPerDay       int           `mapstructure:"max_per_user_per_day" validate:"gte=1,gtefield=MaxPerHour" default:"10"`
	Cooldown        time.Duration `mapstructure:"cooldown" validate:"gte=0s" default:"4h"`
	MaxParticipants int           `mapstructure:"max_participants_per_opportunity" validate:"gte=0" default:"100"`
	Rules           Rules         `mapstructure:"fairness"`
}

var validate = validator.New()

// DefaultConfig returns the caps from the struct tag defaults.
func DefaultConfig() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("fairness: default tags: %v", err))
	}
	return c
}

// Validate rejects malformed caps. It runs at configuration load time only.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return apperr.Configf("distribution: %s", strings.Join(msgs, "; "))
		}
		return apperr.Configf("distribution: %w", err)
	}
	return nil
}

func (r Rules) strategy() string {
	if r.Strategy == "" {
		return StrategyLeastServed
	}
	return r.Strategy
}
