package rules

import (
	"strings"

	"github.com/samber/lo"
)

// EventContext is what conditions are evaluated against
type EventContext struct {
	Event       string
	WorkspaceID string
	Payload     map[string]interface{}
}

// NewEventContext wraps a decoded webhook payload
func NewEventContext(event, workspaceID string, payload map[string]interface{}) EventContext {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return EventContext{Event: event, WorkspaceID: workspaceID, Payload: payload}
}

// Description returns the entry description; ok is false when absent
func (c EventContext) Description() (string, bool) {
	return c.stringField("description")
}

func (c EventContext) ProjectID() (string, bool) {
	return c.idField("projectId", "project")
}

func (c EventContext) UserID() (string, bool) {
	return c.idField("userId", "user")
}

func (c EventContext) ClientID() (string, bool) {
	if id, ok := c.idField("clientId", "client"); ok {
		return id, true
	}
	for _, source := range c.sources() {
		if project, ok := source["project"].(map[string]interface{}); ok {
			if id, ok := project["clientId"].(string); ok && id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// TimeEntryID returns the id of the time entry the event is about
func (c EventContext) TimeEntryID() (string, bool) {
	if id, ok := c.sources()[0]["id"].(string); ok && strings.TrimSpace(id) != "" {
		return id, true
	}
	if id, ok := c.Payload["timeEntryId"].(string); ok && strings.TrimSpace(id) != "" {
		return id, true
	}
	return "", false
}

// Billable reports the billable flag; ok is false when absent
func (c EventContext) Billable() (bool, bool) {
	for _, source := range c.sources() {
		if b, ok := source["billable"].(bool); ok {
			return b, true
		}
	}
	return false, false
}

// TagIDs collects tag ids from "tagIds" or from "tags[].id"
func (c EventContext) TagIDs() []string {
	for _, source := range c.sources() {
		if ids, ok := source["tagIds"].([]interface{}); ok {
			return lo.FilterMap(ids, func(item interface{}, _ int) (string, bool) {
				s, ok := item.(string)
				return s, ok && s != ""
			})
		}
		if tags, ok := source["tags"].([]interface{}); ok {
			return lo.FilterMap(tags, func(item interface{}, _ int) (string, bool) {
				tag, ok := item.(map[string]interface{})
				if !ok {
					return "", false
				}
				id, ok := tag["id"].(string)
				return id, ok && id != ""
			})
		}
	}
	return nil
}

// Values is the placeholder namespace: the payload plus workspaceId
func (c EventContext) Values() map[string]interface{} {
	values := make(map[string]interface{}, len(c.Payload)+1)
	for k, v := range c.Payload {
		values[k] = v
	}
	if _, ok := values["workspaceId"]; !ok || c.WorkspaceID != "" {
		values["workspaceId"] = c.WorkspaceID
	}
	return values
}

// sources lists the objects fields are read from, most specific first
func (c EventContext) sources() []map[string]interface{} {
	if entry, ok := c.Payload["timeEntry"].(map[string]interface{}); ok {
		return []map[string]interface{}{entry, c.Payload}
	}
	return []map[string]interface{}{c.Payload}
}

func (c EventContext) stringField(key string) (string, bool) {
	for _, source := range c.sources() {
		if s, ok := source[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

// idField reads key, falling back to nested.id
func (c EventContext) idField(key, nested string) (string, bool) {
	for _, source := range c.sources() {
		if s, ok := source[key].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
		if object, ok := source[nested].(map[string]interface{}); ok {
			if s, ok := object["id"].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
