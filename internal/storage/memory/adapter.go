// Package memory is a process-lifetime rule store
package memory

import (
	"context"
	"sort"
	"sync"

	"webhook-rules/internal/rules"
	"webhook-rules/internal/storage"
)

type Adapter struct {
	mu         sync.RWMutex
	workspaces map[string]map[string]rules.Rule
	order      map[string][]string
}

func NewAdapter() *Adapter {
	return &Adapter{
		workspaces: make(map[string]map[string]rules.Rule),
		order:      make(map[string][]string),
	}
}

func (a *Adapter) Save(_ context.Context, workspaceID string, rule rules.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.workspaces[workspaceID]
	if !ok {
		bucket = make(map[string]rules.Rule)
		a.workspaces[workspaceID] = bucket
	}
	if _, exists := bucket[rule.ID]; !exists {
		a.order[workspaceID] = append(a.order[workspaceID], rule.ID)
	}
	bucket[rule.ID] = rule.Clone()
	return nil
}

func (a *Adapter) Get(_ context.Context, workspaceID, ruleID string) (rules.Rule, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rule, ok := a.workspaces[workspaceID][ruleID]
	if !ok {
		return rules.Rule{}, storage.ErrRuleNotFound
	}
	return rule.Clone(), nil
}

func (a *Adapter) GetAll(_ context.Context, workspaceID string) ([]rules.Rule, error) {
	return a.list(workspaceID, false), nil
}

func (a *Adapter) GetEnabled(_ context.Context, workspaceID string) ([]rules.Rule, error) {
	return a.list(workspaceID, true), nil
}

// list returns rules in insertion order, then stable-sorted by priority
func (a *Adapter) list(workspaceID string, enabledOnly bool) []rules.Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()

	bucket := a.workspaces[workspaceID]
	out := make([]rules.Rule, 0, len(bucket))
	for _, id := range a.order[workspaceID] {
		rule := bucket[id]
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule.Clone())
	}
	rules.SortByPriority(out)
	return out
}

func (a *Adapter) Delete(_ context.Context, workspaceID, ruleID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := a.workspaces[workspaceID]
	if _, ok := bucket[ruleID]; !ok {
		return false, nil
	}
	delete(bucket, ruleID)

	order := a.order[workspaceID]
	for i, id := range order {
		if id == ruleID {
			a.order[workspaceID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(a.workspaces, workspaceID)
		delete(a.order, workspaceID)
	}
	return true, nil
}

func (a *Adapter) DeleteAll(_ context.Context, workspaceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.workspaces[workspaceID])
	delete(a.workspaces, workspaceID)
	delete(a.order, workspaceID)
	return n, nil
}

func (a *Adapter) Exists(_ context.Context, workspaceID, ruleID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.workspaces[workspaceID][ruleID]
	return ok, nil
}

func (a *Adapter) Count(_ context.Context, workspaceID string) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.workspaces[workspaceID]), nil
}

func (a *Adapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.workspaces = make(map[string]map[string]rules.Rule)
	a.order = make(map[string][]string)
	return nil
}

func (a *Adapter) ListWorkspaces(_ context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.workspaces))
	for id := range a.workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Adapter) Health(context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }

// Config selects the memory backend; it has no settings
type Config struct{}

func (c *Config) Validate() error             { return nil }
func (c *Config) GetType() string             { return "memory" }
func (c *Config) GetConnectionString() string { return "" }

type Factory struct{}

func (f *Factory) Create(storage.StorageConfig) (storage.RuleStore, error) {
	return NewAdapter(), nil
}

func (f *Factory) GetType() string {
	return "memory"
}
