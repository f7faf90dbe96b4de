// Package breaker counts failures of DOM-dependent features and switches a
// feature off once it keeps failing. There is no automatic recovery: a
// disabled feature stays off until someone turns it back on.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/flags"
	"github.com/pbaille/jobfiltr/internal/store"
)

// FailuresKey is where failure counters live in the KV store
const FailuresKey = "featureflags/failures"

// DefaultThreshold is the failure count that disables a feature
const DefaultThreshold = 50

// DisableReason is attached to auto-disable notifications
const DisableReason = "page markup changed, feature temporarily unavailable"

// ErrFeatureDisabled is returned by Run when the feature is switched off
var ErrFeatureDisabled = errors.New("feature disabled")

// Publisher receives auto-disable notifications
type Publisher interface {
	Publish(n domain.Notification)
}

// Options configures a Breaker
type Options struct {
	Threshold int
	Publisher Publisher
	Logger    *slog.Logger
}

// Breaker tracks per-feature failures against a flag registry
type Breaker struct {
	registry  *flags.Registry
	kv        store.KV
	threshold int
	pub       Publisher
	log       *slog.Logger

	// writeMu orders counter snapshots on disk
	writeMu sync.Mutex
	mu      sync.Mutex
	counts  map[string]int
	tripped map[string]bool
}

// New creates a Breaker and subscribes it to manual flag changes so that
// re-enabling a feature starts a fresh trial.
func New(registry *flags.Registry, kv store.KV, opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Breaker{
		registry:  registry,
		kv:        kv,
		threshold: opts.Threshold,
		pub:       opts.Publisher,
		log:       opts.Logger.With("component", "breaker"),
		counts:    make(map[string]int),
		tripped:   make(map[string]bool),
	}
	registry.OnChange(b.onFlagChange)
	return b
}

// Threshold returns the configured failure threshold
func (b *Breaker) Threshold() int { return b.threshold }

// Init loads persisted failure counters; a broken record is ignored.
func (b *Breaker) Init(ctx context.Context) {
	raw, found, err := b.kv.Get(ctx, FailuresKey)
	if err != nil {
		b.log.Error("failed to load failure counts", "error", err)
		return
	}
	if !found {
		return
	}

	var counts map[string]int
	if err := json.Unmarshal(raw, &counts); err != nil {
		b.log.Warn("corrupt failure counts, starting from zero", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = make(map[string]int, len(counts))
	for name, n := range counts {
		if n > 0 {
			b.counts[name] = n
		}
	}
}

// RecordFailure counts one failure of the named feature and disables the
// feature when it crosses the threshold. The disable happens at most once
// per crossing, however many callers race past the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, name string) {
	var count int
	var trip bool
	b.update(ctx, func(counts map[string]int) bool {
		counts[name]++
		count = counts[name]
		trip = !b.tripped[name] &&
			count >= b.threshold &&
			flags.AutoDisableAllowed(name) &&
			b.registry.IsEnabled(name)
		if trip {
			b.tripped[name] = true
		}
		return true
	})

	if count%10 == 0 {
		b.log.Warn("feature failure count", "feature", name, "count", count)
	}

	if trip {
		b.disable(ctx, name, count)
	}
}

func (b *Breaker) disable(ctx context.Context, name string, count int) {
	if err := b.registry.SetFlag(ctx, name, false); err != nil {
		b.log.Error("failed to auto-disable feature", "feature", name, "error", err)
		return
	}

	label := name
	if f, ok := flags.Lookup(name); ok {
		label = f.Label
	}
	b.log.Error("auto-disabled feature", "feature", label, "failures", count, "threshold", b.threshold)

	if b.pub != nil {
		b.pub.Publish(domain.Notification{
			Feature:  name,
			Label:    label,
			Reason:   DisableReason,
			Failures: count,
		})
	}
}

// RecordSuccess resets the feature's counter. Nothing is written when the
// counter is already zero.
func (b *Breaker) RecordSuccess(ctx context.Context, name string) {
	var prev int
	b.update(ctx, func(counts map[string]int) bool {
		prev = counts[name]
		delete(counts, name)
		return prev > 0
	})
	if prev > 0 {
		b.log.Debug("failure count reset", "feature", name, "was", prev)
	}
}

// FailureCount returns the current counter for name
func (b *Breaker) FailureCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

// FailureCounts returns a copy of all nonzero counters
func (b *Breaker) FailureCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyCounts(b.counts)
}

// ResetFailureCounts clears every counter
func (b *Breaker) ResetFailureCounts(ctx context.Context) {
	b.update(ctx, func(counts map[string]int) bool {
		clear(counts)
		clear(b.tripped)
		return true
	})
	b.log.Info("all failure counts reset")
}

// ResetToDefaults restores tier defaults for every flag and clears counters
func (b *Breaker) ResetToDefaults(ctx context.Context) {
	b.registry.ResetToDefaults(ctx)
	b.ResetFailureCounts(ctx)
}

// Run executes fn for the named feature if it is enabled, recording the
// outcome. A panic inside fn counts as a failure and is returned as an error.
func (b *Breaker) Run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if !b.registry.IsEnabled(name) {
		return fmt.Errorf("%s: %w", name, ErrFeatureDisabled)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
		if err != nil {
			b.RecordFailure(ctx, name)
		} else {
			b.RecordSuccess(ctx, name)
		}
	}()

	return fn(ctx)
}

// onFlagChange treats a manual re-enable as a fresh trial.
func (b *Breaker) onFlagChange(ctx context.Context, name string, from, to bool) {
	if from || !to {
		return
	}

	var prev int
	b.update(ctx, func(counts map[string]int) bool {
		delete(b.tripped, name)
		prev = counts[name]
		delete(counts, name)
		return prev > 0
	})
	if prev > 0 {
		b.log.Info("feature re-enabled, failure count reset", "feature", name, "was", prev)
	}
}

// update applies fn to the counters and, if fn reports a change, persists
// the result. writeMu is taken first so snapshots reach the store in the
// order they were made.
func (b *Breaker) update(ctx context.Context, fn func(counts map[string]int) bool) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	changed := fn(b.counts)
	snapshot := copyCounts(b.counts)
	b.mu.Unlock()

	if !changed {
		return
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		b.log.Error("failed to encode failure counts", "error", err)
		return
	}
	if err := b.kv.Put(ctx, map[string][]byte{FailuresKey: raw}); err != nil {
		b.log.Error("failed to persist failure counts", "error", err)
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
