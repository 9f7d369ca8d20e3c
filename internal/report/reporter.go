// Package report ships aggregated local counters (usage heat, missing
// reference keys) to a remote collector in batches, tolerating
// collector downtime with backoff and a failure cooldown. Data is
// never dropped on failure: a failed batch is requeued whole.
package report

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Mode selects the candidate ranking.
type Mode string

const (
	// ModeHot reports the most-used keys.
	ModeHot Mode = "hot"
	// ModeCold reports rarely-used, aging keys.
	ModeCold Mode = "cold"
)

// Options is the typed configuration surface of one reporting
// category. Invalid values are clamped to the nearest valid value with
// a logged warning rather than rejected.
type Options struct {
	Enabled  bool
	Endpoint string
	Mode     Mode

	BatchInterval time.Duration
	MaxBatchSize  int

	// SampleRate keeps each candidate independently with this
	// probability. 1 disables sampling.
	SampleRate float64

	// MinCount drops hot-mode entries below this count.
	MinCount int64

	// MaxAge is the cold-mode age floor; zero disables it.
	MaxAge time.Duration

	TopN            int
	IncludeLastUsed bool

	MaxFailures int
	Cooldown    time.Duration

	EnableDelta bool
	MinDelta    int64
}

const (
	minBatchInterval = 2 * time.Second
	minMaxBatchSize  = 10
	minCooldown      = time.Second
	maxBackoff       = 30 * time.Second
)

// clamp normalizes the options in place and reports what it changed.
func (o *Options) clamp(logger *zap.Logger) {
	warn := func(field string) {
		logger.Warn("reporting option out of range, clamped", zap.String("field", field))
	}
	if o.Mode != ModeHot && o.Mode != ModeCold {
		if o.Mode != "" {
			warn("mode")
		}
		o.Mode = ModeHot
	}
	if o.BatchInterval < minBatchInterval {
		if o.BatchInterval != 0 {
			warn("batch_interval")
		}
		o.BatchInterval = 10 * time.Second
	}
	if o.MaxBatchSize < minMaxBatchSize {
		if o.MaxBatchSize != 0 {
			warn("max_batch_size")
		}
		o.MaxBatchSize = 120
	}
	if o.SampleRate <= 0 || o.SampleRate > 1 {
		if o.SampleRate != 0 {
			warn("sample_rate")
		}
		o.SampleRate = 1
	}
	if o.MinCount < 0 {
		warn("min_count")
		o.MinCount = 0
	}
	if o.MaxAge < 0 {
		warn("max_age")
		o.MaxAge = 0
	}
	if o.TopN < 1 {
		if o.TopN != 0 {
			warn("top_n")
		}
		o.TopN = 80
	}
	if o.MaxFailures < 1 {
		if o.MaxFailures != 0 {
			warn("max_failures")
		}
		o.MaxFailures = 3
	}
	if o.Cooldown < minCooldown {
		if o.Cooldown != 0 {
			warn("cooldown")
		}
		o.Cooldown = time.Minute
	}
	if o.MinDelta < 1 {
		if o.MinDelta != 0 {
			warn("min_delta")
		}
		o.MinDelta = 1
	}
	if o.Enabled && o.Endpoint == "" {
		logger.Warn("reporting enabled without an endpoint")
	}
}

// Item is one reportable counter observation.
type Item struct {
	Key   string    `json:"key"`
	Count int64     `json:"count"`
	AgeMs int64     `json:"ageMs,omitempty"`
	TS    time.Time `json:"ts"`
	Delta int64     `json:"delta,omitempty"`
}

// Meta describes the selection parameters a batch was built with.
type Meta struct {
	SampleRate      float64 `json:"sampleRate"`
	MinCount        int64   `json:"minCount"`
	MaxAgeMs        int64   `json:"maxAgeMs,omitempty"`
	IncludeLastUsed bool    `json:"includeLastUsed"`
	Delta           bool    `json:"delta"`
	MinDelta        int64   `json:"minDelta"`
	LastDeltaCount  int     `json:"lastDeltaCount"`
}

// Batch is one collector POST body. Ephemeral: built per flush and
// either acknowledged or requeued whole.
type Batch struct {
	Mode   string    `json:"mode"`
	Items  []Item    `json:"items"`
	SentAt time.Time `json:"sentAt"`
	Meta   Meta      `json:"meta"`
}

// Sender ships one batch. Any error triggers the requeue/backoff path.
type Sender interface {
	Send(ctx context.Context, batch *Batch) error
}

// State is an observability snapshot of one reporter.
type State struct {
	Enabled         bool
	Endpoint        string
	Mode            Mode
	BackoffFailures int
	CooldownUntil   time.Time
	Pending         int
}

// Reporter runs one reporting category against one collector
// endpoint. All timer work goes through the injected clock.
type Reporter struct {
	source Source
	sender Sender
	clock  clock.Clock
	logger *zap.Logger

	// randFloat is swappable so tests can pin sampling.
	randFloat func() float64

	mu              sync.Mutex
	opts            Options
	pending         []Item
	pendingKeys     map[string]struct{}
	snapshot        map[string]int64
	backoffFailures int
	cooldownUntil   time.Time
	timer           *clock.Timer
	lastDeltaCount  int
	// inFlight is set while a batch is out with the sender. A second
	// flush in that window is skipped: its keys left pendingKeys when
	// the outstanding batch was sliced, and reselecting them would put
	// the same key in two batches at once.
	inFlight bool
}

func NewReporter(source Source, sender Sender, clk clock.Clock, logger *zap.Logger, opts Options) *Reporter {
	r := &Reporter{
		source:      source,
		sender:      sender,
		clock:       clk,
		logger:      logger,
		randFloat:   rand.Float64,
		pendingKeys: make(map[string]struct{}),
		snapshot:    make(map[string]int64),
	}
	r.Configure(opts)
	return r
}

// Configure replaces the options, clamping invalid values, and
// reschedules the flush timer. Calling it twice with identical options
// leaves exactly one timer armed.
func (r *Reporter) Configure(opts Options) Options {
	opts.clamp(r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.scheduleLocked()
	return opts
}

// Stop cancels the flush timer. Pending items stay queued.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Enabled:         r.opts.Enabled,
		Endpoint:        r.opts.Endpoint,
		Mode:            r.opts.Mode,
		BackoffFailures: r.backoffFailures,
		CooldownUntil:   r.cooldownUntil,
		Pending:         len(r.pending),
	}
}

// scheduleLocked arms the flush timer if the reporter is enabled and
// no timer is armed yet. During a cooldown the timer lands at the
// cooldown's end instead of the regular interval.
func (r *Reporter) scheduleLocked() {
	if !r.opts.Enabled || r.timer != nil {
		return
	}
	delay := r.opts.BatchInterval
	if remaining := r.cooldownUntil.Sub(r.clock.Now()); remaining > delay {
		delay = remaining
	}
	r.timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		r.flush(context.Background(), false)
	})
}

// scheduleBackoffLocked arms the retry timer after a failed send.
func (r *Reporter) scheduleBackoffLocked(delay time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		r.flush(context.Background(), false)
	})
}

// Flush triggers a send outside the timer. It still respects an active
// cooldown unless force is set.
func (r *Reporter) Flush(ctx context.Context, force bool) []Item {
	return r.flush(ctx, force)
}

func (r *Reporter) flush(ctx context.Context, force bool) []Item {
	r.mu.Lock()
	if !r.opts.Enabled {
		r.mu.Unlock()
		return nil
	}
	if r.inFlight {
		r.mu.Unlock()
		return nil
	}
	now := r.clock.Now()
	if !force && now.Before(r.cooldownUntil) {
		r.scheduleLocked()
		r.mu.Unlock()
		return nil
	}

	batch := r.buildBatchLocked(now)
	if len(batch) == 0 {
		r.scheduleLocked()
		r.mu.Unlock()
		return nil
	}
	r.inFlight = true

	payload := &Batch{
		Mode:   string(r.opts.Mode),
		Items:  batch,
		SentAt: now,
		Meta: Meta{
			SampleRate:      r.opts.SampleRate,
			MinCount:        r.opts.MinCount,
			MaxAgeMs:        r.opts.MaxAge.Milliseconds(),
			IncludeLastUsed: r.opts.IncludeLastUsed,
			Delta:           r.opts.EnableDelta,
			MinDelta:        r.opts.MinDelta,
			LastDeltaCount:  r.lastDeltaCount,
		},
	}
	r.mu.Unlock()

	err := r.sender.Send(ctx, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	if err == nil {
		r.backoffFailures = 0
		r.scheduleLocked()
		return batch
	}

	// Requeue the whole batch at the front of pending: a collector
	// outage must never lose observations.
	r.pending = append(append([]Item(nil), batch...), r.pending...)
	for _, item := range batch {
		r.pendingKeys[item.Key] = struct{}{}
	}

	r.backoffFailures++
	if r.backoffFailures >= r.opts.MaxFailures {
		r.cooldownUntil = r.clock.Now().Add(r.opts.Cooldown)
		r.logger.Warn("reporting failure limit reached, entering cooldown",
			zap.String("endpoint", r.opts.Endpoint),
			zap.Int("failures", r.backoffFailures),
			zap.Duration("cooldown", r.opts.Cooldown),
			zap.Error(err),
		)
		r.scheduleLocked()
	} else {
		backoff := time.Duration(1<<uint(r.backoffFailures)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		r.logger.Warn("report send failed, backing off",
			zap.String("endpoint", r.opts.Endpoint),
			zap.Int("failures", r.backoffFailures),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		r.scheduleBackoffLocked(backoff)
	}
	return nil
}

// buildBatchLocked tops pending up with fresh candidates and slices
// off at most MaxBatchSize items. Pending items are already
// delta-approved, so a requeued batch goes back out untouched.
func (r *Reporter) buildBatchLocked(now time.Time) []Item {
	if len(r.pending) < r.opts.MaxBatchSize {
		for _, item := range r.chooseCandidatesLocked(now) {
			r.pending = append(r.pending, item)
			r.pendingKeys[item.Key] = struct{}{}
		}
	}
	if len(r.pending) == 0 {
		return nil
	}

	n := min(len(r.pending), r.opts.MaxBatchSize)
	batch := append([]Item(nil), r.pending[:n]...)
	r.pending = r.pending[n:]
	for _, item := range batch {
		delete(r.pendingKeys, item.Key)
	}
	return batch
}

// chooseCandidatesLocked ranks the source's counters per the configured
// mode, excludes keys already pending, samples, and applies the delta
// filter. A delta-excluded key never enters pending; it becomes
// eligible again once its count moves past the floor. The snapshot
// advances only on inclusion.
func (r *Reporter) chooseCandidatesLocked(now time.Time) []Item {
	usage := r.source.UsageStats()

	var ranked []Item
	switch r.opts.Mode {
	case ModeCold:
		ranked = r.rankCold(usage, now)
	default:
		ranked = r.rankHot(usage, now)
	}

	out := make([]Item, 0, len(ranked))
	for _, item := range ranked {
		if _, dup := r.pendingKeys[item.Key]; dup {
			continue
		}
		if r.opts.SampleRate < 1 && r.randFloat() > r.opts.SampleRate {
			continue
		}
		if r.opts.EnableDelta {
			inc := item.Count - r.snapshot[item.Key]
			if inc < r.opts.MinDelta {
				continue
			}
			item.Delta = inc
			r.snapshot[item.Key] = item.Count
		}
		out = append(out, item)
	}
	if r.opts.EnableDelta {
		r.lastDeltaCount = len(out)
	}
	return out
}

// rankHot orders by count descending, key ascending on ties, applies
// the MinCount floor, and keeps the top N.
func (r *Reporter) rankHot(usage []Usage, now time.Time) []Item {
	filtered := make([]Item, 0, len(usage))
	for _, u := range usage {
		if u.Count >= r.opts.MinCount {
			filtered = append(filtered, Item{Key: u.Key, Count: u.Count, TS: now})
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Count != filtered[j].Count {
			return filtered[i].Count > filtered[j].Count
		}
		return filtered[i].Key < filtered[j].Key
	})
	return top(filtered, r.opts.TopN)
}

// rankCold orders by count ascending, then age descending, then key
// ascending, with an optional minimum-age floor. Keys with no recorded
// last use have unknown age and are excluded when a floor is set.
func (r *Reporter) rankCold(usage []Usage, now time.Time) []Item {
	ages := make(map[string]int64)
	if r.opts.IncludeLastUsed {
		for _, lu := range r.source.LastUsedStats() {
			ages[lu.Key] = now.Sub(lu.LastUsedAt).Milliseconds()
		}
	}

	enriched := make([]Item, 0, len(usage))
	for _, u := range usage {
		age, known := ages[u.Key]
		if r.opts.MaxAge > 0 && (!known || age < r.opts.MaxAge.Milliseconds()) {
			continue
		}
		enriched = append(enriched, Item{Key: u.Key, Count: u.Count, AgeMs: age, TS: now})
	}
	sort.Slice(enriched, func(i, j int) bool {
		if enriched[i].Count != enriched[j].Count {
			return enriched[i].Count < enriched[j].Count
		}
		if enriched[i].AgeMs != enriched[j].AgeMs {
			return enriched[i].AgeMs > enriched[j].AgeMs
		}
		return enriched[i].Key < enriched[j].Key
	})
	return top(enriched, r.opts.TopN)
}

func top(items []Item, n int) []Item {
	if len(items) > n {
		return items[:n]
	}
	return items
}
