package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/rules"
)

// Reasons reported on skipped entry actions
const (
	ReasonUnchanged    = "unchanged"
	ReasonNoTimeEntry  = "no time entry in payload"
	ReasonMissingArg   = "required argument missing"
	ReasonTagNotFound  = "tag not found"
	ReasonNotExecuted  = "not an openapi_call"
	entryActionsMethod = http.MethodPut
)

// EntryAction is a time entry action of a matched rule
type EntryAction struct {
	RuleID string
	Action rules.Action
}

type tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ApplyEntryActions folds the tag, description and billable actions into a
// single update of the time entry. The entry (and, for tag actions, the
// workspace tags) is read first; missing tags are created. Actions that
// would not change the entry are reported as skipped and when none would,
// no update is sent.
func (e *Executor) ApplyEntryActions(ctx context.Context, caller apiclient.Caller, workspaceID, entryID string, actions []EntryAction) []ActionResult {
	logger := e.logger.WithContext(ctx).WithFields(logging.Field{Key: "time_entry_id", Value: entryID})

	results := lo.Map(actions, func(a EntryAction, _ int) ActionResult {
		return ActionResult{RuleID: a.RuleID, Type: a.Action.Type}
	})
	if len(actions) == 0 {
		return results
	}
	if strings.TrimSpace(entryID) == "" {
		return skipAll(results, ReasonNoTimeEntry)
	}

	base := "/workspaces/" + url.PathEscape(workspaceID)
	entryPath := base + "/time-entries/" + url.PathEscape(entryID)

	entry, attempts, err := e.readObject(ctx, logger, caller, entryPath)
	if err != nil {
		logger.Error("Failed to read time entry", err)
		return failAll(results, err, attempts)
	}

	var tags map[string]string
	if lo.ContainsBy(actions, func(a EntryAction) bool {
		return a.Action.Type == rules.ActionAddTag || a.Action.Type == rules.ActionRemoveTag
	}) {
		tags, attempts, err = e.readTags(ctx, logger, caller, base+"/tags")
		if err != nil {
			logger.Error("Failed to read workspace tags", err)
			return failAll(results, err, attempts)
		}
	}

	patch := map[string]interface{}{}
	tagIDs := stringList(entry["tagIds"])
	tagsChanged := false
	changed := make([]bool, len(actions))

	for i, a := range actions {
		args := a.Action.Args
		switch a.Action.Type {
		case rules.ActionAddTag, rules.ActionRemoveTag:
			name := tagName(args)
			norm := normalizeTagName(name)
			if norm == "" {
				results[i].Skipped, results[i].Reason = true, ReasonMissingArg
				continue
			}
			id, known := tags[norm]

			if a.Action.Type == rules.ActionRemoveTag {
				if !known {
					results[i].Skipped, results[i].Reason = true, ReasonTagNotFound
					continue
				}
				if !lo.Contains(tagIDs, id) {
					results[i].Skipped, results[i].Reason = true, ReasonUnchanged
					continue
				}
				tagIDs = lo.Without(tagIDs, id)
				tagsChanged, changed[i] = true, true
				continue
			}

			if !known {
				created, createAttempts, err := e.createTag(ctx, logger, caller, base+"/tags", strings.TrimSpace(name))
				if err != nil {
					logger.Error("Failed to create tag", err, logging.Field{Key: "tag", Value: name})
					results[i].Error, results[i].Attempts = err.Error(), createAttempts
					continue
				}
				id = created
				tags[norm] = id
			}
			if lo.Contains(tagIDs, id) {
				results[i].Skipped, results[i].Reason = true, ReasonUnchanged
				continue
			}
			tagIDs = append(tagIDs, id)
			tagsChanged, changed[i] = true, true

		case rules.ActionSetDescription:
			value, ok := args["value"]
			if !ok {
				results[i].Skipped, results[i].Reason = true, ReasonMissingArg
				continue
			}
			if current, _ := effective(entry, patch, "description").(string); current == value {
				results[i].Skipped, results[i].Reason = true, ReasonUnchanged
				continue
			}
			patch["description"] = value
			changed[i] = true

		case rules.ActionSetBillable:
			value, ok := args["value"]
			if !ok {
				results[i].Skipped, results[i].Reason = true, ReasonMissingArg
				continue
			}
			desired := strings.EqualFold(strings.TrimSpace(value), "true") || strings.TrimSpace(value) == "1"
			if current, _ := effective(entry, patch, "billable").(bool); current == desired {
				results[i].Skipped, results[i].Reason = true, ReasonUnchanged
				continue
			}
			patch["billable"] = desired
			changed[i] = true

		default:
			results[i].Skipped, results[i].Reason = true, ReasonNotExecuted
		}
	}
	if tagsChanged {
		patch["tagIds"] = tagIDs
	}

	if len(patch) == 0 {
		logger.Debug("Entry actions produce no changes")
		return results
	}

	body, err := json.Marshal(updateRequest(entry, patch))
	if err != nil {
		return failChanged(results, changed, err, 0)
	}

	resp, attempts, err := e.call(ctx, logger, caller, entryActionsMethod, entryPath, body)
	for i := range results {
		if !changed[i] {
			continue
		}
		results[i].Method = entryActionsMethod
		results[i].Path = entryPath
		results[i].Attempts = attempts
		if resp != nil {
			results[i].StatusCode = resp.StatusCode
		}
		if err != nil {
			results[i].Error = err.Error()
		} else {
			results[i].Succeeded = true
		}
	}

	if err != nil {
		logger.Error("Time entry update failed", err, logging.Field{Key: "attempts", Value: attempts})
	} else {
		logger.Info("Time entry updated",
			logging.Field{Key: "fields", Value: lo.Keys(patch)},
			logging.Field{Key: "attempts", Value: attempts},
		)
	}
	return results
}

// updateRequest is the full entry with patch applied. The update endpoint
// expects start and end at the top level.
func updateRequest(entry, patch map[string]interface{}) map[string]interface{} {
	req := make(map[string]interface{}, len(entry)+len(patch)+2)
	for k, v := range entry {
		req[k] = v
	}
	if interval, ok := entry["timeInterval"].(map[string]interface{}); ok {
		for _, key := range []string{"start", "end"} {
			if _, present := req[key]; !present {
				if v, ok := interval[key]; ok {
					req[key] = v
				}
			}
		}
	}
	for k, v := range patch {
		req[k] = v
	}
	return req
}

func (e *Executor) readObject(ctx context.Context, logger logging.Logger, caller apiclient.Caller, path string) (map[string]interface{}, int, error) {
	resp, attempts, err := e.call(ctx, logger, caller, http.MethodGet, path, nil)
	if err != nil {
		return nil, attempts, err
	}
	var object map[string]interface{}
	if err := json.Unmarshal(resp.Body, &object); err != nil || object == nil {
		return nil, attempts, fmt.Errorf("GET %s: response is not a JSON object", path)
	}
	return object, attempts, nil
}

// readTags maps normalized tag names to ids; the first tag of a name wins
func (e *Executor) readTags(ctx context.Context, logger logging.Logger, caller apiclient.Caller, path string) (map[string]string, int, error) {
	resp, attempts, err := e.call(ctx, logger, caller, http.MethodGet, path, nil)
	if err != nil {
		return nil, attempts, err
	}
	var list []tag
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, attempts, fmt.Errorf("GET %s: response is not a tag list", path)
	}
	byName := make(map[string]string, len(list))
	for _, t := range list {
		norm := normalizeTagName(t.Name)
		if _, seen := byName[norm]; norm == "" || t.ID == "" || seen {
			continue
		}
		byName[norm] = t.ID
	}
	return byName, attempts, nil
}

func (e *Executor) createTag(ctx context.Context, logger logging.Logger, caller apiclient.Caller, path, name string) (string, int, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	resp, attempts, err := e.call(ctx, logger, caller, http.MethodPost, path, body)
	if err != nil {
		return "", attempts, err
	}
	var created tag
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ID == "" {
		return "", attempts, fmt.Errorf("POST %s: created tag has no id", path)
	}
	return created.ID, attempts, nil
}

func tagName(args map[string]string) string {
	if name, ok := args["tag"]; ok {
		return name
	}
	return args["name"]
}

func normalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func effective(entry, patch map[string]interface{}, key string) interface{} {
	if v, ok := patch[key]; ok {
		return v
	}
	return entry[key]
}

func stringList(value interface{}) []string {
	items, _ := value.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func skipAll(results []ActionResult, reason string) []ActionResult {
	for i := range results {
		results[i].Skipped, results[i].Reason = true, reason
	}
	return results
}

func failAll(results []ActionResult, err error, attempts int) []ActionResult {
	for i := range results {
		results[i].Error, results[i].Attempts = err.Error(), attempts
	}
	return results
}

func failChanged(results []ActionResult, changed []bool, err error, attempts int) []ActionResult {
	for i := range results {
		if changed[i] {
			results[i].Error, results[i].Attempts = err.Error(), attempts
		}
	}
	return results
}
