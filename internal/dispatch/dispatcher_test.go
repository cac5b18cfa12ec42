package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/common/utils"
	"webhook-rules/internal/credentials"
	"webhook-rules/internal/idempotency"
	"webhook-rules/internal/rules"
	"webhook-rules/internal/signature"
)

type staticRules struct {
	rules []rules.Rule
	calls int32
}

func (s *staticRules) GetEnabledRules(context.Context, string) []rules.Rule {
	atomic.AddInt32(&s.calls, 1)
	out := make([]rules.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

type harness struct {
	dispatcher *Dispatcher
	tokens     *credentials.Store
	rules      *staticRules
	caller     *scriptedCaller
}

func newHarness(t *testing.T, apply bool, ruleSet ...rules.Rule) *harness {
	t.Helper()
	logger := logging.NewNopLogger()
	ctx := context.Background()

	tokens := credentials.NewStore(credentials.DefaultConfig(), nil, logger)
	require.NoError(t, tokens.Save(ctx, "ws1", "install-token", "https://api.example.com"))

	h := &harness{
		tokens: tokens,
		rules:  &staticRules{rules: ruleSet},
		caller: &scriptedCaller{responses: []scripted{{status: http.StatusOK}}},
	}

	retry := utils.DefaultRetryConfig()
	retry.Sleep = (&sleepRecorder{}).sleep

	h.dispatcher = NewDispatcher(
		Config{ApplyChanges: apply, Retry: retry},
		signature.NewVerifier(nil, tokens, nil, logger),
		idempotency.NewCache(idempotency.NewMemoryStore(time.Minute), idempotency.DefaultTTL, logger),
		h.rules,
		tokens,
		func(string, credentials.WorkspaceToken) apiclient.Caller { return h.caller },
		logger,
	)
	return h
}

func signed(body string) http.Header {
	h := http.Header{}
	h.Set(signature.CanonicalHeader, signature.ComputeSignature("install-token", []byte(body)))
	return h
}

func meetingRule() rules.Rule {
	return rules.Rule{
		ID:         "tag-meetings",
		Name:       "Tag meetings",
		Enabled:    true,
		Combinator: rules.CombinatorAnd,
		Conditions: []rules.Condition{{Type: rules.CondDescriptionContains, Operator: rules.OpContains, Value: "meeting"}},
		Actions: []rules.Action{
			{Type: rules.ActionAddTag, Args: map[string]string{"tag": "meetings"}},
			openAPICall("PUT", "/workspaces/{workspaceId}/time-entries/{id}", `{"billable":false}`),
		},
	}
}

// apiRule matches the same deliveries as meetingRule with a single
// openapi_call action
func apiRule() rules.Rule {
	rule := meetingRule()
	rule.ID = "bill-meetings"
	rule.Actions = rule.Actions[1:]
	return rule
}

const meetingBody = `{"workspaceId":"ws1","id":"te1","description":"Weekly meeting"}`

func TestDispatcher_EndToEnd(t *testing.T) {
	h := newHarness(t, false, meetingRule())
	ctx := context.Background()

	first := h.dispatcher.Handle(ctx, "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, http.StatusOK, first.HTTPStatus)
	assert.Equal(t, StatusActionsLogged, first.Status)
	assert.Equal(t, []string{"tag-meetings"}, first.MatchedRules)
	assert.Equal(t, 2, first.ActionsCount)
	assert.Len(t, first.Actions, 2)
	assert.Equal(t, StageResponded, first.Stage)
	assert.Empty(t, h.caller.calls, "log-only mode executes nothing")

	second := h.dispatcher.Handle(ctx, "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.rules.calls), "duplicates do not load rules")

	other := `{"workspaceId":"ws1","id":"te2","description":"Coding"}`
	noMatch := h.dispatcher.Handle(ctx, "NEW_TIME_ENTRY", signed(other), []byte(other))
	assert.Equal(t, StatusNoMatch, noMatch.Status)
}

func TestDispatcher_Rejections(t *testing.T) {
	h := newHarness(t, false, meetingRule())
	ctx := context.Background()

	tests := []struct {
		name       string
		headers    http.Header
		body       string
		wantStatus int
		wantResult string
	}{
		{"invalid json", signed("{"), "{", http.StatusBadRequest, StatusInvalidPayload},
		{"array payload", signed("[1]"), "[1]", http.StatusBadRequest, StatusInvalidPayload},
		{"missing workspace", signed(`{"id":"x"}`), `{"id":"x"}`, http.StatusBadRequest, StatusMissingWorkspace},
		{"missing signature", http.Header{}, meetingBody, http.StatusUnauthorized, StatusUnauthorized},
		{"mutated body", signed(meetingBody), `{"workspaceId":"ws1","id":"te1","description":"Weekly meeting!"}`, http.StatusForbidden, StatusUnauthorized},
		{"unknown workspace", signed(`{"workspaceId":"ws9"}`), `{"workspaceId":"ws9"}`, http.StatusUnauthorized, StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.dispatcher.Handle(ctx, "NEW_TIME_ENTRY", tt.headers, []byte(tt.body))
			assert.Equal(t, tt.wantStatus, out.HTTPStatus)
			assert.Equal(t, tt.wantResult, out.Status)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&h.rules.calls))
}

func TestDispatcher_TriggerFiltering(t *testing.T) {
	projectRule := rules.Rule{
		ID: "on-project", Name: "on project", Enabled: true,
		Trigger: &rules.Trigger{Event: "NEW_PROJECT"},
		Actions: []rules.Action{{Type: rules.ActionSetBillable, Args: map[string]string{"value": "true"}}},
	}
	h := newHarness(t, false, projectRule)
	ctx := context.Background()

	tagBody := `{"workspaceId":"ws1","id":"tag1","name":"x"}`
	out := h.dispatcher.Handle(ctx, "NEW_TAG", signed(tagBody), []byte(tagBody))
	assert.Equal(t, StatusNoRules, out.Status)

	projectBody := `{"workspaceId":"ws1","id":"p1","name":"x"}`
	out = h.dispatcher.Handle(ctx, "new_project", signed(projectBody), []byte(projectBody))
	assert.Equal(t, StatusActionsLogged, out.Status, "a triggered rule without conditions matches")
	assert.Equal(t, "NEW_PROJECT", out.Event)

	overridden := `{"workspaceId":"ws1","id":"p2","event":"NEW_PROJECT"}`
	out = h.dispatcher.Handle(ctx, "NEW_TAG", signed(overridden), []byte(overridden))
	assert.Equal(t, "NEW_PROJECT", out.Event)
	assert.Equal(t, StatusActionsLogged, out.Status)
}

func TestDispatcher_UnregisteredEventOverride(t *testing.T) {
	h := newHarness(t, false, meetingRule())
	registry := NewRegistry(logging.NewNopLogger())
	h.dispatcher.config.Registered = registry.Registered
	ctx := context.Background()

	tests := []struct {
		name       string
		routed     string
		body       string
		wantStatus int
		wantResult string
	}{
		{"registered override", "NEW_TAG", `{"workspaceId":"ws1","id":"te1","event":"new_time_entry","description":"meeting"}`, http.StatusOK, StatusActionsLogged},
		{"unregistered override", "NEW_TIME_ENTRY", `{"workspaceId":"ws1","id":"te2","event":"NOT_AN_EVENT","description":"meeting"}`, http.StatusNotFound, StatusUnknownEvent},
		{"unregistered route", "NOT_AN_EVENT", `{"workspaceId":"ws1","id":"te3"}`, http.StatusNotFound, StatusUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.dispatcher.Handle(ctx, tt.routed, signed(tt.body), []byte(tt.body))
			assert.Equal(t, tt.wantStatus, out.HTTPStatus)
			assert.Equal(t, tt.wantResult, out.Status)
		})
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.rules.calls), "rejected events load no rules")
}

func TestDispatcher_PriorityAndNoActions(t *testing.T) {
	low := meetingRule()
	low.ID, low.Priority = "low", 1
	high := meetingRule()
	high.ID, high.Priority = "high", 10
	empty := meetingRule()
	empty.ID, empty.Actions = "empty", nil

	h := newHarness(t, false, low, high)
	out := h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, []string{"high", "low"}, out.MatchedRules)

	h = newHarness(t, false, empty)
	out = h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, StatusNoActions, out.Status)
}

func TestDispatcher_ApplyChanges(t *testing.T) {
	h := newHarness(t, true, apiRule())
	h.caller.responses = []scripted{{status: 503}, {status: 200}}

	out := h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, http.StatusOK, out.HTTPStatus)
	assert.Equal(t, StatusActionsApplied, out.Status)
	assert.Equal(t, 1, out.ActionsCount)
	assert.Equal(t, 1, out.ActionsAttempted)
	assert.Equal(t, 1, out.ExecutedCount)
	assert.Zero(t, out.ActionsFailed)
	require.Len(t, out.Results, 1)
	assert.Equal(t, 2, out.Results[0].Attempts)
	assert.Equal(t, http.StatusOK, out.Results[0].StatusCode)
	assert.Nil(t, out.Actions)

	if assert.Len(t, h.caller.calls, 2) {
		assert.Equal(t, "/workspaces/ws1/time-entries/te1", h.caller.calls[0].Path)
	}
}

func TestDispatcher_ApplyEntryActions(t *testing.T) {
	billable := rules.Rule{
		ID: "tag-billable", Name: "Tag billable", Enabled: true,
		Combinator: rules.CombinatorAnd,
		Conditions: []rules.Condition{{Type: rules.CondDescriptionContains, Operator: rules.OpContains, Value: "meeting"}},
		Actions:    []rules.Action{{Type: rules.ActionAddTag, Args: map[string]string{"tag": "billable"}}},
	}

	tests := []struct {
		name         string
		tags         []tag
		entryTags    []interface{}
		wantStatus   string
		wantAttempts int
		wantPuts     int
	}{
		{"tag is added", nil, nil, StatusActionsApplied, 1, 1},
		{"tag already present", []tag{{ID: "t1", Name: "Billable"}}, []interface{}{"t1"}, StatusNoChanges, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTimeAPI(map[string]interface{}{"id": "te1", "description": "Weekly meeting", "tagIds": tt.entryTags}, tt.tags...)
			h := newHarness(t, true, billable)
			h.dispatcher.callers = func(string, credentials.WorkspaceToken) apiclient.Caller { return api }

			out := h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
			assert.Equal(t, http.StatusOK, out.HTTPStatus)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, 1, out.ActionsCount)
			assert.Equal(t, tt.wantAttempts, out.ActionsAttempted)
			assert.Equal(t, tt.wantAttempts, out.ExecutedCount)
			assert.Zero(t, out.ActionsFailed)
			require.Len(t, out.Results, 1)
			assert.Len(t, api.puts, tt.wantPuts)
		})
	}
}

func TestDispatcher_LegacyActionsWithoutEntry(t *testing.T) {
	h := newHarness(t, true, meetingRule())
	body := `{"workspaceId":"ws1","description":"Weekly meeting"}`

	out := h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(body), []byte(body))
	assert.Equal(t, StatusActionsApplied, out.Status)
	assert.Equal(t, 2, out.ActionsCount)
	assert.Equal(t, 1, out.ActionsAttempted)
	require.Len(t, out.Results, 2)
	assert.Equal(t, rules.ActionOpenAPICall, out.Results[0].Type)
	assert.True(t, out.Results[1].Skipped)
	assert.Equal(t, ReasonNoTimeEntry, out.Results[1].Reason)
}

func TestDispatcher_MissingToken(t *testing.T) {
	h := newHarness(t, true, meetingRule())
	h.dispatcher.tokens = tokenless{}

	out := h.dispatcher.Handle(context.Background(), "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, http.StatusPreconditionFailed, out.HTTPStatus)
	assert.Equal(t, StatusMissingToken, out.Status)
	assert.Empty(t, h.caller.calls)
}

type tokenless struct{}

func (tokenless) Get(context.Context, string) (credentials.WorkspaceToken, bool) {
	return credentials.WorkspaceToken{}, false
}

func TestDispatcher_ExecutionOutlivesRequest(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		assert.Equal(t, "install-token", r.Header.Get(apiclient.TokenHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(t, true, apiRule())
	h.dispatcher.callers = NewWorkspaceCallers(apiclient.New(apiclient.DefaultConfig(), logging.NewNopLogger()))
	require.NoError(t, h.tokens.Save(context.Background(), "ws1", "install-token", server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.dispatcher.Handle(ctx, "NEW_TIME_ENTRY", signed(meetingBody), []byte(meetingBody))
	assert.Equal(t, StatusActionsApplied, out.Status)
	assert.Equal(t, 1, out.ExecutedCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"executedCount":1`)
	assert.NotContains(t, string(encoded), "HTTPStatus")
}

func TestDispatcher_Preview(t *testing.T) {
	h := newHarness(t, true, meetingRule())
	ctx := context.Background()

	out := h.dispatcher.Preview(ctx, "ws1", "new_time_entry", map[string]interface{}{"description": "standup meeting"})
	assert.Equal(t, StatusActionsLogged, out.Status)
	assert.Equal(t, []string{"tag-meetings"}, out.MatchedRules)
	assert.Equal(t, 2, out.ActionsCount)

	out = h.dispatcher.Preview(ctx, "ws1", "NEW_TIME_ENTRY", map[string]interface{}{"description": "lunch"})
	assert.Equal(t, StatusNoMatch, out.Status)

	assert.Empty(t, h.caller.calls, "preview never executes")
}
