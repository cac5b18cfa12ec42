// Package sqlstore implements the rule store over database/sql. The SQLite
// and PostgreSQL backends share it and differ only in Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"webhook-rules/internal/rules"
	"webhook-rules/internal/storage"
)

// Dialect captures what differs between the supported databases
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		workspace_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		trigger_event TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_workspace_enabled ON rules (workspace_id, enabled)`,
}

type Adapter struct {
	db      *sql.DB
	dialect Dialect
}

// NewAdapter wraps an open database and creates the schema if missing
func NewAdapter(ctx context.Context, db *sql.DB, dialect Dialect) (*Adapter, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{db: db, dialect: dialect}
	if err := adapter.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return adapter, nil
}

func (a *Adapter) migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := a.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return a.db.ExecContext(ctx, a.dialect.rebind(query), args...)
}

func (a *Adapter) Save(ctx context.Context, workspaceID string, rule rules.Rule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	_, err = a.exec(ctx, `INSERT INTO rules (workspace_id, id, name, enabled, priority, trigger_event, definition)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			priority = excluded.priority,
			trigger_event = excluded.trigger_event,
			definition = excluded.definition,
			updated_at = CURRENT_TIMESTAMP`,
		workspaceID, rule.ID, rule.Name, rule.Enabled, rule.Priority, rule.TriggerEvent(), string(definition))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, workspaceID, ruleID string) (rules.Rule, error) {
	var definition string
	err := a.db.QueryRowContext(ctx,
		a.dialect.rebind(`SELECT definition FROM rules WHERE workspace_id = ? AND id = ?`),
		workspaceID, ruleID,
	).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, storage.ErrRuleNotFound
	}
	if err != nil {
		return rules.Rule{}, fmt.Errorf("failed to get rule: %w", err)
	}
	return decode(definition)
}

func (a *Adapter) GetAll(ctx context.Context, workspaceID string) ([]rules.Rule, error) {
	return a.query(ctx, `SELECT definition FROM rules WHERE workspace_id = ?
		ORDER BY priority DESC, created_at, id`, workspaceID)
}

func (a *Adapter) GetEnabled(ctx context.Context, workspaceID string) ([]rules.Rule, error) {
	return a.query(ctx, `SELECT definition FROM rules WHERE workspace_id = ? AND enabled = ?
		ORDER BY priority DESC, created_at, id`, workspaceID, true)
}

func (a *Adapter) query(ctx context.Context, query string, args ...interface{}) ([]rules.Rule, error) {
	rows, err := a.db.QueryContext(ctx, a.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule, err := decode(definition)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return out, nil
}

func decode(definition string) (rules.Rule, error) {
	var rule rules.Rule
	if err := json.Unmarshal([]byte(definition), &rule); err != nil {
		return rules.Rule{}, fmt.Errorf("failed to decode rule: %w", err)
	}
	return rule, nil
}

func (a *Adapter) Delete(ctx context.Context, workspaceID, ruleID string) (bool, error) {
	result, err := a.exec(ctx, `DELETE FROM rules WHERE workspace_id = ? AND id = ?`, workspaceID, ruleID)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *Adapter) DeleteAll(ctx context.Context, workspaceID string) (int, error) {
	result, err := a.exec(ctx, `DELETE FROM rules WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (a *Adapter) Exists(ctx context.Context, workspaceID, ruleID string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx,
		a.dialect.rebind(`SELECT 1 FROM rules WHERE workspace_id = ? AND id = ?`),
		workspaceID, ruleID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check rule: %w", err)
	}
	return true, nil
}

func (a *Adapter) Count(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		a.dialect.rebind(`SELECT COUNT(*) FROM rules WHERE workspace_id = ?`),
		workspaceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}

func (a *Adapter) Clear(ctx context.Context) error {
	if _, err := a.exec(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	return nil
}

func (a *Adapter) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM rules ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
