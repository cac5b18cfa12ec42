// Package storage defines the rule store and a registry of its backends.
//
// Backends live in sub-packages:
//
//	memory    process-lifetime maps, the default
//	sqlite    database/sql over mattn/go-sqlite3
//	postgres  database/sql over the pgx stdlib driver
//
// Every operation is scoped by workspace id; no backend ever returns a rule
// belonging to another workspace.
package storage

import (
	"context"
	"errors"

	"webhook-rules/internal/rules"
)

// ErrRuleNotFound is returned by Get when the workspace has no such rule
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore persists rules per workspace
type RuleStore interface {
	// Save inserts or replaces rule, keyed by its id
	Save(ctx context.Context, workspaceID string, rule rules.Rule) error
	Get(ctx context.Context, workspaceID, ruleID string) (rules.Rule, error)
	// GetAll and GetEnabled return rules ordered by descending priority
	GetAll(ctx context.Context, workspaceID string) ([]rules.Rule, error)
	GetEnabled(ctx context.Context, workspaceID string) ([]rules.Rule, error)
	Delete(ctx context.Context, workspaceID, ruleID string) (bool, error)
	DeleteAll(ctx context.Context, workspaceID string) (int, error)
	Exists(ctx context.Context, workspaceID, ruleID string) (bool, error)
	Count(ctx context.Context, workspaceID string) (int, error)
	// Clear removes every rule of every workspace
	Clear(ctx context.Context) error
	// ListWorkspaces returns the workspaces that own at least one rule
	ListWorkspaces(ctx context.Context) ([]string, error)

	Health(ctx context.Context) error
	Close() error
}

// StorageConfig describes how to reach one backend
type StorageConfig interface {
	Validate() error
	GetType() string
	GetConnectionString() string
}

// StorageFactory creates a RuleStore from its backend's config
type StorageFactory interface {
	Create(config StorageConfig) (RuleStore, error)
	GetType() string
}
