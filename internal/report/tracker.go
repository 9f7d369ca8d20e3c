package report

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Usage is one observed counter.
type Usage struct {
	Key   string
	Count int64
}

// LastUsed records when a key was last hit.
type LastUsed struct {
	Key        string
	LastUsedAt time.Time
}

// Source provides the counters a Reporter selects candidates from.
type Source interface {
	UsageStats() []Usage
	LastUsedStats() []LastUsed
}

// Tracker aggregates local usage and missing-reference counters. It is
// the in-process observation point; Reporters read from it on their
// own schedule and never mutate it.
type Tracker struct {
	mu       sync.Mutex
	counts   map[string]int64
	lastUsed map[string]time.Time
	missing  map[string]int64
	clock    clock.Clock
}

func NewTracker(clk clock.Clock) *Tracker {
	return &Tracker{
		counts:   make(map[string]int64),
		lastUsed: make(map[string]time.Time),
		missing:  make(map[string]int64),
		clock:    clk,
	}
}

// Hit records one use of key.
func (t *Tracker) Hit(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	t.lastUsed[key] = t.clock.Now()
}

// Miss records a reference to a key that does not exist.
func (t *Tracker) Miss(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missing[key]++
}

func (t *Tracker) UsageStats() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return usageSlice(t.counts)
}

func (t *Tracker) LastUsedStats() []LastUsed {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LastUsed, 0, len(t.lastUsed))
	for key, at := range t.lastUsed {
		out = append(out, LastUsed{Key: key, LastUsedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MissingKeys returns the sorted set of keys that have missed at least
// once.
func (t *Tracker) MissingKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.missing))
	for key := range t.missing {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MissingSource exposes the missing-key counters as a Source, so the
// missing-key category reuses the same reporting machinery as usage.
func (t *Tracker) MissingSource() Source {
	return missingSource{t}
}

type missingSource struct {
	t *Tracker
}

func (s missingSource) UsageStats() []Usage {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return usageSlice(s.t.missing)
}

func (s missingSource) LastUsedStats() []LastUsed {
	return nil
}

func usageSlice(counts map[string]int64) []Usage {
	out := make([]Usage, 0, len(counts))
	for key, count := range counts {
		out = append(out, Usage{Key: key, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
