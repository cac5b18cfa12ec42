// Package rulecache keeps the enabled rules of each workspace in memory.
//
// Reads serve an entry while it is younger than the TTL and otherwise reload
// it from the store synchronously. A cron job refreshes every cached
// workspace on a fixed interval so steady traffic mostly sees warm entries.
// Store errors never reach callers: the previous entry (or nothing) is
// returned and the entry is left as it was.
package rulecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/rules"
)

const (
	DefaultTTL             = 5 * time.Minute
	DefaultRefreshInterval = time.Minute

	refreshConcurrency = 4
	refreshTimeout     = 30 * time.Second
)

// Loader is the part of the rule store the cache reads from
type Loader interface {
	GetEnabled(ctx context.Context, workspaceID string) ([]rules.Rule, error)
}

type Config struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, RefreshInterval: DefaultRefreshInterval}
}

// Stats is a snapshot of cache activity
type Stats struct {
	Workspaces     int       `json:"workspaces"`
	Hits           int64     `json:"hits"`
	Misses         int64     `json:"misses"`
	Refreshes      int64     `json:"refreshes"`
	Errors         int64     `json:"errors"`
	LastRefreshAll time.Time `json:"lastRefreshAll"`
}

type entry struct {
	rules       []rules.Rule
	refreshedAt time.Time
}

type Cache struct {
	store  Loader
	config Config
	logger logging.Logger

	mu      sync.RWMutex
	entries map[string]entry

	group     singleflight.Group
	scheduler *cron.Cron

	// a load writes its result back only if neither the generation (bumped by
	// Clear) nor its workspace's epoch (bumped by Invalidate) changed meanwhile
	generation uint64
	epochs     map[string]uint64

	hits, misses, refreshes, errors atomic.Int64
	lastRefreshAll                  atomic.Int64
}

func New(store Loader, config Config, logger logging.Logger) *Cache {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Cache{
		store:   store,
		config:  config,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "rule_cache"}),
		entries: make(map[string]entry),
		epochs:  make(map[string]uint64),
	}
}

// GetEnabledRules returns the workspace's enabled rules, reloading them when
// the cached copy is older than the TTL
func (c *Cache) GetEnabledRules(ctx context.Context, workspaceID string) []rules.Rule {
	c.mu.RLock()
	cached, ok := c.entries[workspaceID]
	c.mu.RUnlock()

	if ok && c.config.Now().Sub(cached.refreshedAt) < c.config.TTL {
		c.hits.Add(1)
		return cloneAll(cached.rules)
	}

	c.misses.Add(1)
	return c.RefreshRules(ctx, workspaceID)
}

// RefreshRules reloads one workspace from the store. Concurrent refreshes of
// the same workspace share a single store read, which is not tied to any one
// caller's context. A caller whose ctx ends first gets the cached entry.
func (c *Cache) RefreshRules(ctx context.Context, workspaceID string) []rules.Rule {
	ch := c.group.DoChan(workspaceID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.load(loadCtx, workspaceID), nil
	})

	select {
	case result := <-ch:
		return cloneAll(result.Val.([]rules.Rule))
	case <-ctx.Done():
		c.mu.RLock()
		cached := c.entries[workspaceID].rules
		c.mu.RUnlock()
		return cloneAll(cached)
	}
}

type version struct {
	generation, epoch uint64
}

func (c *Cache) versionLocked(workspaceID string) version {
	return version{generation: c.generation, epoch: c.epochs[workspaceID]}
}

func (c *Cache) load(ctx context.Context, workspaceID string) []rules.Rule {
	c.mu.RLock()
	started := c.versionLocked(workspaceID)
	c.mu.RUnlock()

	loaded, err := c.store.GetEnabled(ctx, workspaceID)
	if err != nil {
		c.errors.Add(1)
		c.logger.Error("Failed to refresh rules", err, logging.Field{Key: "workspace_id", Value: workspaceID})

		c.mu.RLock()
		stale := c.entries[workspaceID].rules
		c.mu.RUnlock()
		return stale
	}

	c.refreshes.Add(1)
	loaded = cloneAll(loaded)
	if loaded == nil {
		loaded = []rules.Rule{}
	}

	c.mu.Lock()
	if c.versionLocked(workspaceID) == started {
		c.entries[workspaceID] = entry{rules: loaded, refreshedAt: c.config.Now()}
	}
	c.mu.Unlock()

	c.logger.Debug("Rules refreshed",
		logging.Field{Key: "workspace_id", Value: workspaceID},
		logging.Field{Key: "count", Value: len(loaded)},
	)
	return loaded
}

// RefreshAll reloads every workspace currently cached
func (c *Cache) RefreshAll(ctx context.Context) {
	c.mu.RLock()
	workspaces := make([]string, 0, len(c.entries))
	for id := range c.entries {
		workspaces = append(workspaces, id)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, id := range workspaces {
		id := id
		g.Go(func() error {
			c.RefreshRules(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	c.lastRefreshAll.Store(c.config.Now().UnixNano())
	if len(workspaces) > 0 {
		c.logger.Debug("Refreshed cached workspaces", logging.Field{Key: "workspaces", Value: len(workspaces)})
	}
}

// Invalidate drops one workspace so the next read goes to the store
func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	c.epochs[workspaceID]++
	delete(c.entries, workspaceID)
	c.mu.Unlock()
	c.group.Forget(workspaceID)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.generation++
	c.entries = make(map[string]entry)
	c.epochs = make(map[string]uint64)
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	workspaces := len(c.entries)
	c.mu.RUnlock()

	stats := Stats{
		Workspaces: workspaces,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Refreshes:  c.refreshes.Load(),
		Errors:     c.errors.Load(),
	}
	if ns := c.lastRefreshAll.Load(); ns > 0 {
		stats.LastRefreshAll = time.Unix(0, ns)
	}
	return stats
}

// Start schedules the background refresh. Calling it twice is a no-op.
func (c *Cache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scheduler != nil {
		return nil
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc("@every "+c.config.RefreshInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		c.RefreshAll(ctx)
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	c.scheduler = scheduler

	c.logger.Info("Rule cache refresh scheduled",
		logging.Field{Key: "interval", Value: c.config.RefreshInterval.String()},
		logging.Field{Key: "ttl", Value: c.config.TTL.String()},
	)
	return nil
}

// Shutdown stops the background refresh and waits for a running one to
// finish, or for ctx to expire
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	select {
	case <-scheduler.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cloneAll(list []rules.Rule) []rules.Rule {
	if list == nil {
		return nil
	}
	out := make([]rules.Rule, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out
}
