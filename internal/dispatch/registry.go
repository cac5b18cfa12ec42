package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/rules"
)

// LegacyEvents are the time-entry events every deployment receives. They
// are always routable and never re-registered.
var LegacyEvents = []string{"NEW_TIME_ENTRY", "TIME_ENTRY_UPDATED"}

// CommonEvents are registered at startup so rules for them work before any
// rule names them
var CommonEvents = []string{
	"TIME_ENTRY_DELETED",
	"NEW_PROJECT",
	"NEW_CLIENT",
	"NEW_TAG",
	"NEW_TASK",
	"USER_JOINED_WORKSPACE",
	"USER_DELETED_FROM_WORKSPACE",
}

// RuleLister enumerates persisted rules at startup
type RuleLister interface {
	ListWorkspaces(ctx context.Context) ([]string, error)
	GetEnabled(ctx context.Context, workspaceID string) ([]rules.Rule, error)
}

// Registry is the set of events that have a webhook receiver. Registration
// is a keyed insert, so registering an event twice is a no-op.
type Registry struct {
	mu     sync.RWMutex
	events map[string]bool
	logger logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	r := &Registry{
		events: make(map[string]bool),
		logger: logger.WithFields(logging.Field{Key: "component", Value: "dispatch_registry"}),
	}
	for _, event := range LegacyEvents {
		r.events[event] = true
	}
	for _, event := range CommonEvents {
		r.events[event] = true
	}
	return r
}

// NormalizeEvent returns the canonical form of an event name
func NormalizeEvent(event string) string {
	return strings.ToUpper(strings.TrimSpace(event))
}

// Register adds a receiver for event and reports whether it was new
func (r *Registry) Register(event string) bool {
	event = NormalizeEvent(event)
	if event == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.events[event] {
		return false
	}
	r.events[event] = true

	r.logger.Info("Registered webhook receiver", logging.Field{Key: "event", Value: event})
	return true
}

func (r *Registry) Registered(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[NormalizeEvent(event)]
}

// Events returns every registered event, sorted
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.events))
	for event := range r.events {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// RegisterRule registers the trigger event of an enabled rule
func (r *Registry) RegisterRule(rule rules.Rule) bool {
	if !rule.Enabled {
		return false
	}
	return r.Register(rule.TriggerEvent())
}

// Restore registers the trigger events of every persisted enabled rule and
// returns how many were new. A workspace that fails to load is skipped.
func (r *Registry) Restore(ctx context.Context, store RuleLister) (int, error) {
	workspaces, err := store.ListWorkspaces(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, workspaceID := range workspaces {
		enabled, err := store.GetEnabled(ctx, workspaceID)
		if err != nil {
			r.logger.Warn("Failed to restore webhook receivers",
				logging.Field{Key: "workspace_id", Value: workspaceID},
				logging.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		for _, rule := range enabled {
			if r.RegisterRule(rule) {
				registered++
			}
		}
	}

	if registered > 0 {
		r.logger.Info("Restored webhook receivers from stored rules", logging.Field{Key: "count", Value: registered})
	}
	return registered, nil
}
