package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/rules"
)

// timeAPI serves one time entry and the tags of workspace ws1
type timeAPI struct {
	mu       sync.Mutex
	entry    map[string]interface{}
	tags     []tag
	calls    []recordedCall
	puts     []map[string]interface{}
	failures map[string]int
}

func newTimeAPI(entry map[string]interface{}, tags ...tag) *timeAPI {
	return &timeAPI{entry: entry, tags: tags, failures: map[string]int{}}
}

func (a *timeAPI) Call(_ context.Context, method, path string, body []byte) (*apiclient.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, recordedCall{Method: method, Path: path, Body: string(body)})
	if status, ok := a.failures[method+" "+path]; ok {
		return &apiclient.Response{StatusCode: status, Body: []byte(`{"message":"failed"}`)}, nil
	}

	reply := func(v interface{}) (*apiclient.Response, error) {
		encoded, _ := json.Marshal(v)
		return &apiclient.Response{StatusCode: http.StatusOK, Body: encoded}, nil
	}

	switch {
	case path == "/workspaces/ws1/tags" && method == http.MethodGet:
		return reply(a.tags)
	case path == "/workspaces/ws1/tags" && method == http.MethodPost:
		var req tag
		_ = json.Unmarshal(body, &req)
		created := tag{ID: fmt.Sprintf("new%d", len(a.tags)+1), Name: req.Name}
		a.tags = append(a.tags, created)
		return reply(created)
	case strings.HasPrefix(path, "/workspaces/ws1/time-entries/") && method == http.MethodGet:
		return reply(a.entry)
	case strings.HasPrefix(path, "/workspaces/ws1/time-entries/") && method == http.MethodPut:
		var update map[string]interface{}
		_ = json.Unmarshal(body, &update)
		a.puts = append(a.puts, update)
		a.entry = update
		return reply(update)
	}
	return &apiclient.Response{StatusCode: http.StatusNotFound, Body: []byte(`{}`)}, nil
}

func entryActions(actions ...rules.Action) []EntryAction {
	out := make([]EntryAction, len(actions))
	for i, a := range actions {
		out[i] = EntryAction{RuleID: fmt.Sprintf("r%d", i+1), Action: a}
	}
	return out
}

func action(actionType string, args ...string) rules.Action {
	a := rules.Action{Type: actionType, Args: map[string]string{}}
	for i := 0; i+1 < len(args); i += 2 {
		a.Args[args[i]] = args[i+1]
	}
	return a
}

func sampleEntry() map[string]interface{} {
	return map[string]interface{}{
		"id":          "te1",
		"description": "Weekly meeting",
		"billable":    false,
		"tagIds":      []interface{}{"t1"},
		"timeInterval": map[string]interface{}{
			"start": "2024-01-01T09:00:00Z",
			"end":   "2024-01-01T10:00:00Z",
		},
	}
}

func TestApplyEntryActions(t *testing.T) {
	workspaceTags := []tag{{ID: "t1", Name: "Meetings"}, {ID: "t2", Name: " Billable "}}

	tests := []struct {
		name        string
		actions     []rules.Action
		wantSkipped []bool
		wantPut     map[string]interface{}
		wantCreated bool
	}{
		{
			name:        "add existing tag by normalized name",
			actions:     []rules.Action{action(rules.ActionAddTag, "tag", "BILLABLE")},
			wantSkipped: []bool{false},
			wantPut:     map[string]interface{}{"tagIds": []interface{}{"t1", "t2"}},
		},
		{
			name:        "add missing tag creates it",
			actions:     []rules.Action{action(rules.ActionAddTag, "name", "Client X")},
			wantSkipped: []bool{false},
			wantPut:     map[string]interface{}{"tagIds": []interface{}{"t1", "new3"}},
			wantCreated: true,
		},
		{
			name:        "tag already on entry",
			actions:     []rules.Action{action(rules.ActionAddTag, "tag", "meetings")},
			wantSkipped: []bool{true},
		},
		{
			name:        "remove tag",
			actions:     []rules.Action{action(rules.ActionRemoveTag, "tag", "Meetings")},
			wantSkipped: []bool{false},
			wantPut:     map[string]interface{}{"tagIds": []interface{}{}},
		},
		{
			name:        "remove unknown tag",
			actions:     []rules.Action{action(rules.ActionRemoveTag, "tag", "nope")},
			wantSkipped: []bool{true},
		},
		{
			name: "description and billable in one update",
			actions: []rules.Action{
				action(rules.ActionSetDescription, "value", "Client sync"),
				action(rules.ActionSetBillable, "value", "TRUE"),
			},
			wantSkipped: []bool{false, false},
			wantPut:     map[string]interface{}{"description": "Client sync", "billable": true},
		},
		{
			name: "values equal to the entry",
			actions: []rules.Action{
				action(rules.ActionSetDescription, "value", "Weekly meeting"),
				action(rules.ActionSetBillable, "value", "0"),
			},
			wantSkipped: []bool{true, true},
		},
		{
			name: "later action sees earlier patch",
			actions: []rules.Action{
				action(rules.ActionSetBillable, "value", "1"),
				action(rules.ActionSetBillable, "value", "true"),
			},
			wantSkipped: []bool{false, true},
			wantPut:     map[string]interface{}{"billable": true},
		},
		{
			name:        "missing argument",
			actions:     []rules.Action{action(rules.ActionSetDescription)},
			wantSkipped: []bool{true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTimeAPI(sampleEntry(), workspaceTags...)
			executor := newTestExecutor(&sleepRecorder{})

			results := executor.ApplyEntryActions(context.Background(), api, "ws1", "te1", entryActions(tt.actions...))
			require.Len(t, results, len(tt.actions))
			for i, want := range tt.wantSkipped {
				assert.Equal(t, want, results[i].Skipped, "action %d", i)
				assert.Equal(t, !want, results[i].Succeeded, "action %d", i)
				assert.Empty(t, results[i].Error)
			}

			if tt.wantPut == nil {
				assert.Empty(t, api.puts)
				return
			}
			require.Len(t, api.puts, 1)
			update := api.puts[0]
			for key, want := range tt.wantPut {
				assert.Equal(t, want, update[key], key)
			}
			assert.Equal(t, "2024-01-01T09:00:00Z", update["start"])
			assert.Equal(t, "2024-01-01T10:00:00Z", update["end"])
			assert.Equal(t, "te1", update["id"])

			created := false
			for _, call := range api.calls {
				if call.Method == http.MethodPost {
					created = true
				}
			}
			assert.Equal(t, tt.wantCreated, created)
		})
	}
}

func TestApplyEntryActions_Failures(t *testing.T) {
	t.Run("no time entry id", func(t *testing.T) {
		api := newTimeAPI(sampleEntry())
		results := newTestExecutor(&sleepRecorder{}).ApplyEntryActions(context.Background(), api, "ws1", " ", entryActions(action(rules.ActionSetBillable, "value", "true")))
		require.Len(t, results, 1)
		assert.True(t, results[0].Skipped)
		assert.Equal(t, ReasonNoTimeEntry, results[0].Reason)
		assert.Empty(t, api.calls)
	})

	t.Run("entry read fails", func(t *testing.T) {
		api := newTimeAPI(sampleEntry())
		api.failures["GET /workspaces/ws1/time-entries/te1"] = http.StatusNotFound
		results := newTestExecutor(&sleepRecorder{}).ApplyEntryActions(context.Background(), api, "ws1", "te1",
			entryActions(action(rules.ActionSetBillable, "value", "true"), action(rules.ActionSetDescription, "value", "x")))
		require.Len(t, results, 2)
		for _, r := range results {
			assert.False(t, r.Skipped)
			assert.False(t, r.Succeeded)
			assert.NotEmpty(t, r.Error)
		}
		assert.Empty(t, api.puts)
	})

	t.Run("update retried then fails", func(t *testing.T) {
		api := newTimeAPI(sampleEntry())
		api.failures["PUT /workspaces/ws1/time-entries/te1"] = http.StatusServiceUnavailable
		sleeper := &sleepRecorder{}
		results := newTestExecutor(sleeper).ApplyEntryActions(context.Background(), api, "ws1", "te1",
			entryActions(action(rules.ActionSetBillable, "value", "true"), action(rules.ActionSetBillable, "value", "true")))
		require.Len(t, results, 2)
		assert.False(t, results[0].Succeeded)
		assert.Equal(t, http.StatusServiceUnavailable, results[0].StatusCode)
		assert.Equal(t, http.MethodPut, results[0].Method)
		assert.Greater(t, results[0].Attempts, 1)
		assert.True(t, results[1].Skipped, "second action adds nothing")
		assert.NotEmpty(t, sleeper.delays)
	})

	t.Run("tag creation fails", func(t *testing.T) {
		api := newTimeAPI(sampleEntry())
		api.failures["POST /workspaces/ws1/tags"] = http.StatusForbidden
		results := newTestExecutor(&sleepRecorder{}).ApplyEntryActions(context.Background(), api, "ws1", "te1",
			entryActions(action(rules.ActionAddTag, "tag", "new"), action(rules.ActionSetDescription, "value", "x")))
		require.Len(t, results, 2)
		assert.NotEmpty(t, results[0].Error)
		assert.True(t, results[1].Succeeded)
		require.Len(t, api.puts, 1)
		assert.Equal(t, []interface{}{"t1"}, api.puts[0]["tagIds"])
	})
}
