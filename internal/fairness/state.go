package fairness

import (
	"encoding/json"
	"time"

	"opportunity-dispatch/internal/apperr"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Ineligibility reasons.
const (
	ReasonAlreadyServed = "already_served"
	ReasonCooldown      = "cooldown"
	ReasonHourlyCap     = "hourly_cap"
	ReasonDailyCap      = "daily_cap"
)

// UserState is the delivery history of one user. Deliveries holds the
// timestamps of the last 24 hours so hourly and daily counts are rolling.
type UserState struct {
	Deliveries        []time.Time `json:"deliveries"`
	LastDelivery      time.Time   `json:"last_delivery"`
	LastOpportunityID string      `json:"last_opportunity_id,omitempty"`
}

// HourCount is the number of deliveries in the hour before now.
func (s UserState) HourCount(now time.Time) int { return s.countWithin(now, hourWindow) }

// DayCount is the number of deliveries in the 24 hours before now.
func (s UserState) DayCount(now time.Time) int { return s.countWithin(now, dayWindow) }

func (s UserState) countWithin(now time.Time, window time.Duration) int {
	n := 0
	for _, t := range s.Deliveries {
		if now.Sub(t) < window {
			n++
		}
	}
	return n
}

// eligibility returns the first reason the user may not receive oppID at
// now, or "" when it may.
func (s UserState) eligibility(cfg Config, oppID string, now time.Time) string {
	switch {
	case oppID != "" && s.LastOpportunityID == oppID:
		return ReasonAlreadyServed
	case !s.LastDelivery.IsZero() && now.Sub(s.LastDelivery) < cfg.Cooldown:
		return ReasonCooldown
	case s.HourCount(now) >= cfg.MaxPerHour:
		return ReasonHourlyCap
	case s.DayCount(now) >= cfg.MaxPerDay:
		return ReasonDailyCap
	}
	return ""
}

func (s UserState) pruned(now time.Time) UserState {
	kept := make([]time.Time, 0, len(s.Deliveries)+1)
	for _, t := range s.Deliveries {
		if now.Sub(t) < dayWindow {
			kept = append(kept, t)
		}
	}
	s.Deliveries = kept
	return s
}

func (s UserState) record(oppID string, now time.Time) UserState {
	s = s.pruned(now)
	s.Deliveries = append(s.Deliveries, now)
	if now.After(s.LastDelivery) {
		s.LastDelivery = now
	}
	s.LastOpportunityID = oppID
	return s
}

func stateKey(userID string) string { return "delivery:user:" + userID }

func decodeState(raw []byte, found bool) (UserState, error) {
	if !found {
		return UserState{}, nil
	}
	var s UserState
	if err := json.Unmarshal(raw, &s); err != nil {
		return UserState{}, apperr.New(apperr.StoreUnavailable, "fairness.decode", err)
	}
	return s, nil
}
