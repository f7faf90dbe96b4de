// Package cache keeps scraped job listings in memory with a durable backing
// store. Entries expire after a TTL, the resident set is capped, and writes
// to the store are coalesced.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pbaille/jobfiltr/internal/clock"
	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/pbaille/jobfiltr/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 500
	DefaultDebounce   = time.Second
	DefaultNamespace  = "jobcache/"
)

// Options configures a Cache
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// Debounce is the quiet period before dirty entries are persisted.
	Debounce time.Duration
	// MaxDelay bounds how long a steady stream of writes can postpone a flush.
	MaxDelay  time.Duration
	Namespace string
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * o.Debounce
	}
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats summarizes the resident cache
type Stats struct {
	TotalEntries        int     `json:"totalEntries"`
	EntriesWithListedAt int     `json:"entriesWithListedAt"`
	AverageJobAgeDays   float64 `json:"averageJobAge"`
	Capacity            int     `json:"capacity"`
	PendingWrites       int     `json:"pendingWrites"`
	FlushScheduled      bool    `json:"flushScheduled"`
	Initialized         bool    `json:"initialized"`
}

type record struct {
	job      domain.Job
	cachedAt time.Time
}

// persisted is the durable form of one entry
type persisted struct {
	Job      domain.Job `json:"job"`
	CachedAt int64      `json:"cachedAt"`
}

// Cache is a two-tier job cache. The in-memory tier is authoritative; the
// durable tier is written behind it and may lag by the debounce window.
type Cache struct {
	kv   store.KV
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	entries     *simplelru.LRU[string, *record]
	dirty       map[string]struct{}
	removed     map[string]struct{}
	evicted     int
	staleOnLoad int // expired durable rows Init queued for deletion
	initialized bool

	flushMu  sync.Mutex
	debounce *debouncer
}

// New creates a Cache over kv. A nil kv gives a purely in-memory cache.
func New(kv store.KV, opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	c := &Cache{
		kv:      kv,
		opts:    opts,
		log:     opts.Logger.With("component", "cache"),
		dirty:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}

	entries, err := c.newEntries()
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	c.entries = entries
	c.debounce = newDebouncer(opts.Debounce, opts.MaxDelay, c.flushInBackground)

	return c, nil
}

func (c *Cache) newEntries() (*simplelru.LRU[string, *record], error) {
	return simplelru.NewLRU[string, *record](c.opts.MaxEntries, c.onRemove)
}

// onRemove runs under c.mu for every key leaving the resident set.
func (c *Cache) onRemove(id string, _ *record) {
	delete(c.dirty, id)
	c.removed[id] = struct{}{}
	c.evicted++
}

// Init loads unexpired entries from the durable tier. It is safe to call
// more than once. A failing store leaves the cache working in memory only.
func (c *Cache) Init(ctx context.Context) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var values map[string][]byte
	if c.kv != nil {
		var err error
		values, err = c.kv.Scan(ctx, c.opts.Namespace)
		if err != nil {
			c.log.Error("failed to load job cache", "error", err)
		}
	}

	type loaded struct {
		id  string
		rec *record
	}
	now := c.opts.Clock.Now()
	var fresh []loaded
	var stale []string

	for key, raw := range values {
		id := strings.TrimPrefix(key, c.opts.Namespace)
		var p persisted
		if err := json.Unmarshal(raw, &p); err != nil || p.CachedAt == 0 {
			stale = append(stale, id)
			continue
		}
		rec := &record{job: p.Job, cachedAt: time.UnixMilli(p.CachedAt)}
		if c.expired(rec, now) {
			stale = append(stale, id)
			continue
		}
		fresh = append(fresh, loaded{id: id, rec: rec})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}

	// A resident entry was set before Init and replaces its stored copy.
	// One already evicted or expired before Init stays gone.
	merged := make([]loaded, 0, len(fresh)+c.entries.Len())
	for _, id := range c.entries.Keys() {
		if rec, ok := c.entries.Peek(id); ok {
			merged = append(merged, loaded{id: id, rec: rec})
		}
	}
	for _, l := range fresh {
		_, gone := c.removed[l.id]
		if !gone && !c.entries.Contains(l.id) {
			merged = append(merged, l)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].rec.cachedAt.Before(merged[j].rec.cachedAt)
	})

	// Rebuild in cachedAt order so the cap evicts the oldest entries,
	// whether they were loaded or set before Init.
	entries, err := c.newEntries()
	if err != nil {
		c.log.Error("failed to rebuild job cache", "error", err)
		return
	}
	c.entries = entries
	for _, l := range merged {
		c.entries.Add(l.id, l.rec)
	}

	for _, id := range stale {
		if !c.entries.Contains(id) {
			c.removed[id] = struct{}{}
			c.staleOnLoad++
		}
	}
	c.initialized = true

	c.log.Info("loaded jobs from storage cache", "loaded", len(fresh), "resident", c.entries.Len(), "stale", len(stale))
}

// Get returns the cached job, or false if it is missing or expired.
func (c *Cache) Get(id string) (domain.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.lookupLocked(id)
	if !ok {
		return domain.Job{}, false
	}
	return rec.job, true
}

// Entry returns the job with its cache timestamp
func (c *Cache) Entry(id string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.lookupLocked(id)
	if !ok {
		return domain.CacheEntry{}, false
	}
	return domain.CacheEntry{ID: id, Job: rec.job, CachedAt: rec.cachedAt}, true
}

// Has reports whether an unexpired entry exists for id
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookupLocked(id)
	return ok
}

// lookupLocked reads without touching recency and drops expired entries.
func (c *Cache) lookupLocked(id string) (*record, bool) {
	if id == "" {
		return nil, false
	}
	rec, ok := c.entries.Peek(id)
	if !ok {
		return nil, false
	}
	if c.expired(rec, c.opts.Clock.Now()) {
		c.entries.Remove(id)
		return nil, false
	}
	return rec, true
}

func (c *Cache) expired(rec *record, now time.Time) bool {
	return now.Sub(rec.cachedAt) > c.opts.TTL
}

// Set stores job under id, replacing any previous entry.
func (c *Cache) Set(id string, job domain.Job) {
	if id == "" {
		return
	}
	if job.ID == "" {
		job.ID = id
	}

	c.mu.Lock()
	c.putLocked(id, job, c.opts.Clock.Now())
	c.mu.Unlock()

	c.debounce.Trigger()
}

// SetBatch stores several jobs. Jobs without an ID are skipped.
func (c *Cache) SetBatch(jobs []domain.Job) {
	now := c.opts.Clock.Now()
	stored := 0

	c.mu.Lock()
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		c.putLocked(job.ID, job, now)
		stored++
	}
	c.mu.Unlock()

	if stored > 0 {
		c.debounce.Trigger()
	}
}

// putLocked upserts one entry; the LRU evicts the oldest entry once the cap
// is exceeded. Add on an existing key moves it to the newest position.
func (c *Cache) putLocked(id string, job domain.Job, now time.Time) {
	before := c.evicted
	c.entries.Add(id, &record{job: job, cachedAt: now})
	delete(c.removed, id)
	c.dirty[id] = struct{}{}

	if n := c.evicted - before; n > 0 {
		c.log.Debug("evicted old entries to maintain limit", "evicted", n, "limit", c.opts.MaxEntries)
	}
}

// ClearExpired drops every expired entry and returns how many were removed.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearExpiredLocked()
}

// Prune drops expired entries, counting the stale rows Init found in the
// durable tier, and persists the removals.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	c.mu.Lock()
	n := c.clearExpiredLocked() + c.staleOnLoad
	c.staleOnLoad = 0
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (c *Cache) clearExpiredLocked() int {
	now := c.opts.Clock.Now()
	cleared := 0
	for _, id := range c.entries.Keys() {
		rec, ok := c.entries.Peek(id)
		if ok && c.expired(rec, now) {
			c.entries.Remove(id)
			cleared++
		}
	}
	if cleared > 0 {
		c.log.Debug("cleared expired entries", "count", cleared)
	}
	return cleared
}

// Size returns the number of resident entries, expired or not.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// IDs returns resident IDs from oldest to newest cachedAt
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

// Stats computes summary statistics over unexpired entries
func (c *Cache) Stats() Stats {
	scheduled := c.debounce.Pending()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock.Now()
	stats := Stats{
		Capacity:       c.opts.MaxEntries,
		PendingWrites:  len(c.dirty) + len(c.removed),
		FlushScheduled: scheduled,
		Initialized:    c.initialized,
	}

	var totalAge float64
	for _, id := range c.entries.Keys() {
		rec, ok := c.entries.Peek(id)
		if !ok || c.expired(rec, now) {
			continue
		}
		stats.TotalEntries++
		if listed, ok := rec.job.ListedTime(); ok {
			stats.EntriesWithListedAt++
			totalAge += now.Sub(listed).Hours() / 24
		}
	}
	if stats.EntriesWithListedAt > 0 {
		stats.AverageJobAgeDays = totalAge / float64(stats.EntriesWithListedAt)
	}

	return stats
}

// Clear empties both tiers. Durable removal is best effort.
func (c *Cache) Clear(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.debounce.Cancel()

	c.mu.Lock()
	c.entries.Purge()
	c.dirty = make(map[string]struct{})
	c.removed = make(map[string]struct{})
	c.staleOnLoad = 0
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	if err := c.kv.DeletePrefix(ctx, c.opts.Namespace); err != nil {
		c.log.Error("failed to clear storage", "error", err)
		return
	}
	c.log.Info("cache cleared")
}

// Flush persists pending changes now. Only entries written since the last
// flush are stored, and removed entries are deleted key by key.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.debounce.Cancel()
	if c.kv == nil {
		return nil
	}

	c.mu.Lock()
	c.clearExpiredLocked()
	puts := make(map[string][]byte, len(c.dirty))
	putIDs := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		rec, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		raw, err := json.Marshal(persisted{Job: rec.job, CachedAt: rec.cachedAt.UnixMilli()})
		if err != nil {
			c.log.Warn("skipping unencodable job", "id", id, "error", err)
			continue
		}
		puts[c.opts.Namespace+id] = raw
		putIDs = append(putIDs, id)
	}
	dels := make([]string, 0, len(c.removed))
	delIDs := make([]string, 0, len(c.removed))
	for id := range c.removed {
		dels = append(dels, c.opts.Namespace+id)
		delIDs = append(delIDs, id)
	}
	c.dirty = make(map[string]struct{})
	c.removed = make(map[string]struct{})
	c.mu.Unlock()

	if len(puts) == 0 && len(dels) == 0 {
		return nil
	}

	var err error
	if len(dels) > 0 {
		err = c.kv.Delete(ctx, dels...)
	}
	if err == nil && len(puts) > 0 {
		err = c.kv.Put(ctx, puts)
	}
	if err != nil {
		c.requeue(putIDs, delIDs)
		return fmt.Errorf("persist job cache: %w", err)
	}

	c.log.Debug("persisted jobs to storage", "written", len(puts), "deleted", len(dels))
	return nil
}

// requeue marks a failed flush for retry on the next one, unless newer
// writes already superseded it.
func (c *Cache) requeue(putIDs, delIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range putIDs {
		if c.entries.Contains(id) {
			c.dirty[id] = struct{}{}
		}
	}
	for _, id := range delIDs {
		if !c.entries.Contains(id) {
			c.removed[id] = struct{}{}
		}
	}
}

func (c *Cache) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		c.log.Error("failed to persist job cache", "error", err)
	}
}

// Close stops the flush timer and persists whatever is pending.
func (c *Cache) Close(ctx context.Context) error {
	c.debounce.Stop()
	return c.Flush(ctx)
}
