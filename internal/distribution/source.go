package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"opportunity-dispatch/internal/opportunity"
)

// Source holds pending opportunities.
type Source interface {
	// Pending returns up to limit pending opportunities, oldest first.
	Pending(ctx context.Context, limit int) ([]opportunity.Opportunity, error)
	MarkDistributed(ctx context.Context, id string, delivered int, at time.Time) error
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UserDirectory lists the users currently subscribed to opportunities.
type UserDirectory interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// StaticDirectory is a fixed user list.
type StaticDirectory []string

func (d StaticDirectory) ActiveUsers(context.Context) ([]string, error) {
	return append([]string(nil), d...), nil
}

type memoryEntry struct {
	opp       opportunity.Opportunity
	status    string
	delivered int
}

// Lifecycle states reported by MemorySource.Status.
const (
	StatusPending     = "pending"
	StatusDistributed = "distributed"
	StatusExpired     = "expired"
)

// MemorySource is an in-process Source for simulations and tests.
type MemorySource struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemorySource() *MemorySource {
	return &MemorySource{entries: make(map[string]*memoryEntry)}
}

// Add enqueues opp as pending; known IDs are ignored.
func (m *MemorySource) Add(opps ...opportunity.Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range opps {
		if _, ok := m.entries[o.ID]; ok {
			continue
		}
		m.entries[o.ID] = &memoryEntry{opp: o, status: StatusPending}
	}
}

func (m *MemorySource) Pending(ctx context.Context, limit int) ([]opportunity.Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]opportunity.Opportunity, 0, len(m.entries))
	for _, e := range m.entries {
		if e.status == StatusPending {
			out = append(out, e.opp)
		}
	}
	sortByDetection(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySource) MarkDistributed(ctx context.Context, id string, delivered int, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.status == StatusPending {
		e.status = StatusDistributed
		e.delivered = delivered
	}
	return nil
}

func (m *MemorySource) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.status == StatusPending && e.opp.DetectedAt.Before(cutoff) {
			e.status = StatusExpired
			n++
		}
	}
	return n, nil
}

// Status reports the lifecycle state and delivery count of an opportunity.
func (m *MemorySource) Status(id string) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", 0, false
	}
	return e.status, e.delivered, true
}

func sortByDetection(opps []opportunity.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if !opps[i].DetectedAt.Equal(opps[j].DetectedAt) {
			return opps[i].DetectedAt.Before(opps[j].DetectedAt)
		}
		return opps[i].ID < opps[j].ID
	})
}
