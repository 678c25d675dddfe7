package fairness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opportunity-dispatch/internal/kvstore"
	"opportunity-dispatch/internal/opportunity"
)

// Recipient is a user whose delivery has been recorded.
type Recipient struct {
	UserID          string
	DeliveriesToday int
	PrevDelivery    time.Time
}

// Selection is the result of SelectRecipients. Ineligible maps users that
// were filtered out to the reason.
type Selection struct {
	Recipients []Recipient
	Ineligible map[string]string
}

// UserIDs lists the selected users in selection order.
func (s Selection) UserIDs() []string {
	ids := make([]string, len(s.Recipients))
	for i, r := range s.Recipients {
		ids[i] = r.UserID
	}
	return ids
}

// Evaluator filters, ranks and records deliveries for opportunities.
type Evaluator struct {
	store  kvstore.Store
	policy kvstore.RetryPolicy
	logger zerolog.Logger
}

// NewEvaluator returns an evaluator persisting user state in store.
func NewEvaluator(store kvstore.Store, policy kvstore.RetryPolicy, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		policy: policy,
		logger: logger.With().Str("component", "fairness").Logger(),
	}
}

type candidate struct {
	userID string
	order  int
	state  UserState
	today  int
}

// SelectRecipients picks the users that receive opp and records the delivery
// for each of them. Each record is a compare-and-swap that re-checks
// eligibility, so overlapping calls never push a user past a cap; a user lost
// to a concurrent call is replaced by the next ranked candidate.
//
// On a store failure the users recorded so far are returned together with
// the error.
func (e *Evaluator) SelectRecipients(ctx context.Context, opp opportunity.Opportunity, candidates []string, cfg Config, now time.Time) (Selection, error) {
	sel := Selection{Ineligible: map[string]string{}}
	users := dedupe(candidates)
	if len(users) == 0 {
		return sel, nil
	}

	eligible := make([]candidate, 0, len(users))
	for i, id := range users {
		raw, found, err := kvstore.Read(ctx, e.store, stateKey(id), e.policy)
		if err != nil {
			return sel, fmt.Errorf("read state for %s: %w", id, err)
		}
		st, err := decodeState(raw, found)
		if err != nil {
			return sel, err
		}
		if reason := st.eligibility(cfg, opp.ID, now); reason != "" {
			sel.Ineligible[id] = reason
			continue
		}
		eligible = append(eligible, candidate{userID: id, order: i, state: st, today: st.DayCount(now)})
	}

	rank(eligible, cfg.Rules, now)

	limit := len(eligible)
	if cfg.MaxParticipants > 0 && cfg.MaxParticipants < limit {
		limit = cfg.MaxParticipants
	}

	for _, c := range eligible {
		if len(sel.Recipients) >= limit {
			break
		}
		r, reason, err := e.record(ctx, c.userID, opp.ID, cfg, now)
		if err != nil {
			return sel, fmt.Errorf("record delivery for %s: %w", c.userID, err)
		}
		if reason != "" {
			e.logger.Debug().Str("user_id", c.userID).Str("reason", reason).Msg("lost eligibility during selection")
			sel.Ineligible[c.userID] = reason
			continue
		}
		sel.Recipients = append(sel.Recipients, r)
	}

	e.logger.Debug().
		Str("opportunity_id", opp.ID).
		Int("candidates", len(users)).
		Int("eligible", len(eligible)).
		Int("selected", len(sel.Recipients)).
		Msg("recipients selected")
	return sel, nil
}

func (e *Evaluator) record(ctx context.Context, userID, oppID string, cfg Config, now time.Time) (Recipient, string, error) {
	var (
		r      Recipient
		reason string
	)
	_, err := kvstore.Update(ctx, e.store, stateKey(userID), e.policy, func(cur []byte, found bool) ([]byte, bool, error) {
		st, err := decodeState(cur, found)
		if err != nil {
			return nil, false, err
		}
		if reason = st.eligibility(cfg, oppID, now); reason != "" {
			return nil, false, nil
		}
		next := st.record(oppID, now)
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("encode user state: %w", err)
		}
		r = Recipient{UserID: userID, DeliveriesToday: next.DayCount(now), PrevDelivery: st.LastDelivery}
		return raw, true, nil
	})
	if err != nil {
		return Recipient{}, "", err
	}
	return r, reason, nil
}

// State returns the stored delivery history of a user.
func (e *Evaluator) State(ctx context.Context, userID string) (UserState, error) {
	raw, found, err := kvstore.Read(ctx, e.store, stateKey(userID), e.policy)
	if err != nil {
		return UserState{}, err
	}
	return decodeState(raw, found)
}

func rank(cs []candidate, rules Rules, now time.Time) {
	inactive := func(c candidate) bool {
		if !rules.BoostInactive {
			return false
		}
		return c.state.LastDelivery.IsZero() || now.Sub(c.state.LastDelivery) >= rules.InactiveAfter
	}
	strategy := rules.strategy()

	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if ia, ib := inactive(a), inactive(b); ia != ib {
			return ia
		}
		switch strategy {
		case StrategyFirstCome:
			return a.order < b.order
		case StrategyLeastServed:
			if a.today != b.today {
				return a.today < b.today
			}
		}
		if !a.state.LastDelivery.Equal(b.state.LastDelivery) {
			return a.state.LastDelivery.Before(b.state.LastDelivery)
		}
		return a.userID < b.userID
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
