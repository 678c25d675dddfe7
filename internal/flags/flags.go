package flags

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"opportunity-dispatch/internal/apperr"
)

// Flag is one named toggle with an optional typed override value.
type Flag struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	Value       any    `yaml:"value,omitempty"`
	Description string `yaml:"description,omitempty"`
	Rollout     *int   `yaml:"rollout,omitempty"`
}

func (f Flag) active() bool {
	if !f.Enabled {
		return false
	}
	if f.Rollout == nil || *f.Rollout >= 100 {
		return true
	}
	if *f.Rollout <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(f.Name))
	return int(h.Sum32()%100) < *f.Rollout
}

// Set is an immutable flag map. Build it with NewSet and never mutate it.
type Set struct {
	flags map[string]Flag
}

// NewSet indexes flags by name; later duplicates win.
func NewSet(list ...Flag) Set {
	m := make(map[string]Flag, len(list))
	for _, f := range list {
		m[f.Name] = f
	}
	return Set{flags: m}
}

// Lookup returns the flag by name.
func (s Set) Lookup(name string) (Flag, bool) {
	f, ok := s.flags[name]
	return f, ok
}

// List returns all flags sorted by name.
func (s Set) List() []Flag {
	out := make([]Flag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of flags.
func (s Set) Len() int { return len(s.flags) }

// Manager serves lookups against the current Set. Updates replace the whole
// Set atomically; readers never observe a partially applied change.
type Manager struct {
	current atomic.Pointer[Set]
}

// NewManager returns a manager serving set.
func NewManager(set Set) *Manager {
	m := &Manager{}
	m.Replace(set)
	return m
}

// Load builds a manager from a YAML file. An empty path yields the defaults.
func Load(path string) (*Manager, error) {
	if path == "" {
		return NewManager(Defaults()), nil
	}
	set, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewManager(set), nil
}

// ReadFile parses a flag document of the form `flags: [{name, enabled, value}]`.
func ReadFile(path string) (Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Set{}, apperr.Configf("read flags file %s: %w", path, err)
	}
	var doc struct {
		Flags []Flag `yaml:"flags"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Set{}, apperr.Configf("parse flags file %s: %w", path, err)
	}
	for i, f := range doc.Flags {
		if f.Name == "" {
			return Set{}, apperr.Configf("flags[%d]: name is required", i)
		}
	}
	return NewSet(doc.Flags...), nil
}

// Replace swaps in a new flag set.
func (m *Manager) Replace(set Set) {
	if set.flags == nil {
		set.flags = map[string]Flag{}
	}
	m.current.Store(&set)
}

// Reload re-reads path and swaps it in. On error the current set stays.
func (m *Manager) Reload(path string) error {
	set, err := ReadFile(path)
	if err != nil {
		return err
	}
	m.Replace(set)
	return nil
}

// Snapshot returns the set currently served.
func (m *Manager) Snapshot() Set {
	return *m.current.Load()
}

// IsEnabled reports whether name exists, is enabled and is rolled out.
// Absent flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	f, ok := m.Snapshot().Lookup(name)
	return ok && f.active()
}

// BoolOr reports the flag state, or def when the flag is absent.
func (m *Manager) BoolOr(name string, def bool) bool {
	f, ok := m.Snapshot().Lookup(name)
	if !ok {
		return def
	}
	return f.active()
}

// Float returns a numeric override. ok is false when there is none.
func (m *Manager) Float(name string) (float64, bool) {
	return Value[float64](m, name)
}

// FloatOr returns the numeric override or def.
func (m *Manager) FloatOr(name string, def float64) float64 {
	if v, ok := m.Float(name); ok {
		return v
	}
	return def
}

// IntOr returns the integer override or def.
func (m *Manager) IntOr(name string, def int) int {
	if v, ok := Value[int](m, name); ok {
		return v
	}
	return def
}

// Value decodes the override value of an active flag into T. A missing,
// inactive or undecodable value reports ok=false so callers apply their own
// default.
func Value[T any](m *Manager, name string) (T, bool) {
	var zero T
	f, ok := m.Snapshot().Lookup(name)
	if !ok || !f.active() || f.Value == nil {
		return zero, false
	}
	if v, ok := f.Value.(T); ok {
		return v, true
	}
	out, err := convert[T](f.Value)
	if err != nil {
		return zero, false
	}
	return out, true
}

func convert[T any](raw any) (T, error) {
	var out T
	b, err := yaml.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("marshal flag value: %w", err)
	}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode flag value: %w", err)
	}
	return out, nil
}
