// Package rules defines automation rules and evaluates them against webhook
// events.
package rules

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Combinator joins a rule's conditions
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Operator compares an extracted field with a condition's value
type Operator string

const (
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
)

// Condition types
const (
	CondDescriptionContains = "descriptionContains"
	CondDescriptionEquals   = "descriptionEquals"
	CondHasTag              = "hasTag"
	CondProjectIDEquals     = "projectIdEquals"
	CondProjectIDIn         = "projectIdIn"
	CondIsBillable          = "isBillable"
	CondUserIDEquals        = "userIdEquals"
	CondClientIDEquals      = "clientIdEquals"
)

// Action types
const (
	ActionOpenAPICall    = "openapi_call"
	ActionAddTag         = "add_tag"
	ActionRemoveTag      = "remove_tag"
	ActionSetDescription = "set_description"
	ActionSetBillable    = "set_billable"
)

// IsEntryAction reports whether actionType edits the delivered time entry
// rather than calling an arbitrary endpoint
func IsEntryAction(actionType string) bool {
	switch actionType {
	case ActionAddTag, ActionRemoveTag, ActionSetDescription, ActionSetBillable:
		return true
	}
	return false
}

type Condition struct {
	Type     string   `json:"type" validate:"required"`
	Operator Operator `json:"operator" validate:"oneof=CONTAINS NOT_CONTAINS EQUALS NOT_EQUALS IN NOT_IN"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

type Action struct {
	Type string            `json:"type" validate:"required"`
	Args map[string]string `json:"args,omitempty"`
}

// Trigger binds a rule to one webhook event
type Trigger struct {
	Event string `json:"event" validate:"required,event_name"`
}

type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name" validate:"required,max=100"`
	Enabled    bool        `json:"enabled"`
	Combinator Combinator  `json:"combinator" validate:"oneof=AND OR"`
	Conditions []Condition `json:"conditions" validate:"dive"`
	Actions    []Action    `json:"actions" validate:"dive"`
	Trigger    *Trigger    `json:"trigger,omitempty" validate:"omitempty"`
	Priority   int         `json:"priority" validate:"min=-100,max=100"`
}

// UnmarshalJSON decodes a rule, treating a missing "enabled" as true
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// TriggerEvent returns the bound event, or "" for untriggered rules
func (r Rule) TriggerEvent() string {
	if r.Trigger == nil {
		return ""
	}
	return r.Trigger.Event
}

// Normalize fills defaults in place: a generated id, the AND combinator,
// per-type default operators and canonical casing.
func (r *Rule) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Name = strings.TrimSpace(r.Name)

	r.Combinator = Combinator(strings.ToUpper(strings.TrimSpace(string(r.Combinator))))
	if r.Combinator == "" {
		r.Combinator = CombinatorAnd
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		c.Type = strings.TrimSpace(c.Type)
		c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
		if c.Operator == "" {
			c.Operator = defaultOperator(c.Type)
		}
	}

	for i := range r.Actions {
		r.Actions[i].Type = strings.TrimSpace(r.Actions[i].Type)
	}

	if r.Trigger != nil {
		r.Trigger.Event = strings.ToUpper(strings.TrimSpace(r.Trigger.Event))
		if r.Trigger.Event == "" {
			r.Trigger = nil
		}
	}
}

func defaultOperator(conditionType string) Operator {
	switch conditionType {
	case CondDescriptionContains:
		return OpContains
	case CondProjectIDIn:
		return OpIn
	default:
		return OpEquals
	}
}

// Clone returns a deep copy, so stored rules never share slices or maps
// with callers
func (r Rule) Clone() Rule {
	out := r
	if r.Conditions != nil {
		out.Conditions = make([]Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			c.Values = append([]string(nil), c.Values...)
			out.Conditions[i] = c
		}
	}
	if r.Actions != nil {
		out.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			if a.Args != nil {
				args := make(map[string]string, len(a.Args))
				for k, v := range a.Args {
					args[k] = v
				}
				a.Args = args
			}
			out.Actions[i] = a
		}
	}
	if r.Trigger != nil {
		trigger := *r.Trigger
		out.Trigger = &trigger
	}
	return out
}

// SortByPriority orders rules by descending priority. Rules with equal
// priority keep their relative order.
func SortByPriority(list []Rule) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority > list[j].Priority
	})
}
