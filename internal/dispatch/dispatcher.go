// Package dispatch routes verified webhook deliveries to matching rules and
// executes their actions against the workspace API.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/common/utils"
	"webhook-rules/internal/credentials"
	"webhook-rules/internal/rules"
	"webhook-rules/internal/signature"
)

// Stage is a step of webhook handling
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageSignatureVerified Stage = "SIGNATURE_VERIFIED"
	StageDedupChecked      Stage = "DEDUP_CHECKED"
	StageRulesLoaded       Stage = "RULES_LOADED"
	StageEvaluated         Stage = "EVALUATED"
	StageActionsExecuted   Stage = "ACTIONS_EXECUTED"
	StageResponded         Stage = "RESPONDED"
)

// Response statuses
const (
	StatusInvalidPayload   = "invalid_payload"
	StatusMissingWorkspace = "missing_workspace"
	StatusUnauthorized     = "unauthorized"
	StatusDuplicate        = "duplicate"
	StatusNoRules          = "no_rules"
	StatusNoMatch          = "no_match"
	StatusNoActions        = "no_actions"
	StatusActionsLogged    = "actions_logged"
	StatusMissingToken     = "missing_token"
	StatusActionsApplied   = "actions_applied"
	StatusNoChanges        = "no_changes"
	StatusUnknownEvent     = "unknown_event"
)

type Verifier interface {
	Verify(ctx context.Context, headers http.Header, rawBody []byte, workspaceID string) signature.Result
}

type Deduplicator interface {
	IsDuplicate(ctx context.Context, workspaceID, event string, payload map[string]interface{}) bool
}

type RuleSource interface {
	GetEnabledRules(ctx context.Context, workspaceID string) []rules.Rule
}

type TokenSource interface {
	Get(ctx context.Context, workspaceID string) (credentials.WorkspaceToken, bool)
}

// CallerFactory builds the API caller used for one workspace's actions
type CallerFactory func(workspaceID string, token credentials.WorkspaceToken) apiclient.Caller

// PlannedAction is a matched action as reported in log-only mode
type PlannedAction struct {
	RuleID string            `json:"ruleId"`
	Type   string            `json:"type"`
	Args   map[string]string `json:"args,omitempty"`
}

// Outcome is the result of handling one delivery. It is also the JSON
// response body.
type Outcome struct {
	HTTPStatus int   `json:"-"`
	Stage      Stage `json:"-"`

	Event            string          `json:"event,omitempty"`
	Status           string          `json:"status"`
	WorkspaceID      string          `json:"workspaceId,omitempty"`
	MatchedRules     []string        `json:"matchedRules,omitempty"`
	ActionsCount     int             `json:"actionsCount"`
	ActionsAttempted int             `json:"actionsAttempted"`
	ExecutedCount    int             `json:"executedCount"`
	ActionsFailed    int             `json:"actionsFailed"`
	Actions          []PlannedAction `json:"actions,omitempty"`
	Results          []ActionResult  `json:"results,omitempty"`
	Error            string          `json:"error,omitempty"`

	// ErrorBody, when set, replaces the JSON encoding of the outcome
	ErrorBody []byte `json:"-"`
}

type Config struct {
	// ApplyChanges executes actions; when false matched actions are only logged
	ApplyChanges bool
	Retry        utils.RetryConfig
	// Registered reports whether an event has a receiver; nil accepts all
	Registered func(event string) bool
}

func DefaultConfig() Config {
	return Config{ApplyChanges: false, Retry: utils.DefaultRetryConfig()}
}

// Dispatcher handles webhook deliveries
type Dispatcher struct {
	config    Config
	verifier  Verifier
	dedup     Deduplicator
	rules     RuleSource
	tokens    TokenSource
	callers   CallerFactory
	evaluator *rules.Evaluator
	executor  *Executor
	logger    logging.Logger
}

func NewDispatcher(
	config Config,
	verifier Verifier,
	dedup Deduplicator,
	ruleSource RuleSource,
	tokens TokenSource,
	callers CallerFactory,
	logger logging.Logger,
) *Dispatcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Dispatcher{
		config:    config,
		verifier:  verifier,
		dedup:     dedup,
		rules:     ruleSource,
		tokens:    tokens,
		callers:   callers,
		evaluator: rules.NewEvaluator(logger),
		executor:  NewExecutor(config.Retry, logger),
		logger:    logger.WithFields(logging.Field{Key: "component", Value: "dispatcher"}),
	}
}

// Handle processes one delivery of event. A payload "event" field overrides
// the routed event and must itself be registered.
func (d *Dispatcher) Handle(ctx context.Context, event string, headers http.Header, body []byte) Outcome {
	event = NormalizeEvent(event)
	out := Outcome{HTTPStatus: http.StatusOK, Stage: StageReceived, Event: event}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return d.reject(ctx, out, http.StatusBadRequest, StatusInvalidPayload, "invalid JSON payload")
	}

	if override, ok := payload["event"].(string); ok && strings.TrimSpace(override) != "" {
		event = NormalizeEvent(override)
		out.Event = event
	}
	if d.config.Registered != nil && !d.config.Registered(event) {
		return d.reject(ctx, out, http.StatusNotFound, StatusUnknownEvent, "no receiver for event")
	}

	workspaceID, _ := payload["workspaceId"].(string)
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return d.reject(ctx, out, http.StatusBadRequest, StatusMissingWorkspace, "workspaceId missing")
	}
	out.WorkspaceID = workspaceID

	ctx = logging.ContextWith(ctx, logging.WorkspaceIDKey, workspaceID)
	ctx = logging.ContextWith(ctx, logging.EventKey, event)
	logger := d.logger.WithContext(ctx)

	verified := d.verifier.Verify(ctx, headers, body, workspaceID)
	if !verified.Valid {
		out = d.finish(out, verified.StatusCode, StatusUnauthorized)
		out.ErrorBody = verified.ErrorBody
		return out
	}
	out.Stage = StageSignatureVerified

	if d.dedup.IsDuplicate(ctx, workspaceID, event, payload) {
		logger.Info("Duplicate webhook ignored")
		return d.finish(out, http.StatusOK, StatusDuplicate)
	}
	out.Stage = StageDedupChecked

	applicable, matched := d.match(ctx, workspaceID, event, payload)
	out.Stage = StageRulesLoaded
	if len(applicable) == 0 {
		logger.Debug("No rules for event")
		return d.finish(out, http.StatusOK, StatusNoRules)
	}
	out.Stage = StageEvaluated
	if len(matched) == 0 {
		return d.finish(out, http.StatusOK, StatusNoMatch)
	}

	out = summarize(out, matched)
	logger.Info("Rules matched",
		logging.Field{Key: "matched", Value: len(matched)},
		logging.Field{Key: "actions", Value: out.ActionsCount},
	)

	if out.ActionsCount == 0 {
		return d.finish(out, http.StatusOK, StatusNoActions)
	}
	if !d.config.ApplyChanges {
		return d.finish(out, http.StatusOK, StatusActionsLogged)
	}

	token, ok := d.tokens.Get(ctx, workspaceID)
	if !ok {
		logger.Warn("No installation token for action execution")
		return d.reject(ctx, out, http.StatusPreconditionFailed, StatusMissingToken, "installation token not found")
	}

	eventCtx := rules.NewEventContext(event, workspaceID, payload)
	out.Results = d.execute(context.WithoutCancel(ctx), workspaceID, token, matched, eventCtx)
	for _, result := range out.Results {
		if result.Skipped {
			continue
		}
		out.ActionsAttempted++
		if result.Succeeded {
			out.ExecutedCount++
		} else {
			out.ActionsFailed++
		}
	}
	out.Stage = StageActionsExecuted
	out.Actions = nil

	if out.ActionsAttempted == 0 {
		logger.Info("Matched actions produced no changes")
		return d.finish(out, http.StatusOK, StatusNoChanges)
	}
	return d.finish(out, http.StatusOK, StatusActionsApplied)
}

// Preview evaluates payload against the workspace's rules without
// verification, deduplication or execution
func (d *Dispatcher) Preview(ctx context.Context, workspaceID, event string, payload map[string]interface{}) Outcome {
	event = NormalizeEvent(event)
	out := Outcome{HTTPStatus: http.StatusOK, Event: event, WorkspaceID: workspaceID}

	applicable, matched := d.match(ctx, workspaceID, event, payload)
	switch {
	case len(applicable) == 0:
		return d.finish(out, http.StatusOK, StatusNoRules)
	case len(matched) == 0:
		return d.finish(out, http.StatusOK, StatusNoMatch)
	}

	out = summarize(out, matched)
	if out.ActionsCount == 0 {
		return d.finish(out, http.StatusOK, StatusNoActions)
	}
	return d.finish(out, http.StatusOK, StatusActionsLogged)
}

// match returns the rules bound to event, by descending priority, and the
// subset that matches payload
func (d *Dispatcher) match(ctx context.Context, workspaceID, event string, payload map[string]interface{}) ([]rules.Rule, []rules.Rule) {
	applicable := lo.Filter(d.rules.GetEnabledRules(ctx, workspaceID), func(rule rules.Rule, _ int) bool {
		trigger := rule.TriggerEvent()
		return trigger == "" || trigger == event
	})
	if len(applicable) == 0 {
		return nil, nil
	}
	rules.SortByPriority(applicable)

	eventCtx := rules.NewEventContext(event, workspaceID, payload)
	matched := lo.Filter(applicable, func(rule rules.Rule, _ int) bool {
		return d.matches(rule, eventCtx)
	})
	return applicable, matched
}

func summarize(out Outcome, matched []rules.Rule) Outcome {
	out.MatchedRules = lo.Map(matched, func(rule rules.Rule, _ int) string { return rule.ID })
	for _, rule := range matched {
		for _, action := range rule.Actions {
			out.Actions = append(out.Actions, PlannedAction{RuleID: rule.ID, Type: action.Type, Args: action.Args})
		}
	}
	out.ActionsCount = len(out.Actions)
	return out
}

// matches applies the evaluator, except that an explicitly triggered rule
// with no conditions matches every delivery of its event
func (d *Dispatcher) matches(rule rules.Rule, ctx rules.EventContext) bool {
	if len(rule.Conditions) == 0 {
		return rule.Enabled && rule.Trigger != nil
	}
	return d.evaluator.Evaluate(rule, ctx)
}

// execute runs openapi_call actions in rule order, then applies the time
// entry actions of all matched rules as one update
func (d *Dispatcher) execute(ctx context.Context, workspaceID string, token credentials.WorkspaceToken, matched []rules.Rule, eventCtx rules.EventContext) []ActionResult {
	caller := d.callers(workspaceID, token)
	values := eventCtx.Values()

	var (
		results      []ActionResult
		entryActions []EntryAction
	)
	for _, rule := range matched {
		for _, action := range rule.Actions {
			if rules.IsEntryAction(action.Type) {
				entryActions = append(entryActions, EntryAction{RuleID: rule.ID, Action: action})
				continue
			}
			results = append(results, d.executor.Execute(ctx, caller, rule.ID, action, values))
		}
	}
	if len(entryActions) > 0 {
		entryID, _ := eventCtx.TimeEntryID()
		results = append(results, d.executor.ApplyEntryActions(ctx, caller, workspaceID, entryID, entryActions)...)
	}
	return results
}

func (d *Dispatcher) finish(out Outcome, status int, result string) Outcome {
	out.HTTPStatus = status
	out.Status = result
	out.Stage = StageResponded
	return out
}

func (d *Dispatcher) reject(ctx context.Context, out Outcome, status int, result, message string) Outcome {
	d.logger.WithContext(ctx).Warn("Webhook rejected",
		logging.Field{Key: "status", Value: result},
		logging.Field{Key: "reason", Value: message},
	)
	out = d.finish(out, status, result)
	out.Error = message
	return out
}

// NewWorkspaceCallers adapts an API client into a CallerFactory
func NewWorkspaceCallers(client *apiclient.Client) CallerFactory {
	return func(workspaceID string, token credentials.WorkspaceToken) apiclient.Caller {
		return client.ForWorkspace(workspaceID, token.APIBaseURL, token.Token)
	}
}
