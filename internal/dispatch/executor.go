package dispatch

import (
	"context"
	"errors"

	"webhook-rules/internal/apiclient"
	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/common/utils"
	"webhook-rules/internal/rules"
)

// ActionResult is the outcome of one action
type ActionResult struct {
	RuleID     string `json:"ruleId"`
	Type       string `json:"type"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	Succeeded  bool   `json:"succeeded"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Executor runs openapi_call actions with bounded retry
type Executor struct {
	retry  utils.RetryConfig
	logger logging.Logger
}

// NewExecutor creates an executor. Only transient failures (429, 5xx,
// transport errors) are retried regardless of retry.RetryableErrors.
func NewExecutor(retry utils.RetryConfig, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	retry.RetryableErrors = apiclient.IsRetryable
	return &Executor{
		retry:  retry,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "action_executor"}),
	}
}

// Execute runs action for ruleID. Actions other than openapi_call are
// reported as skipped; time entry actions go through ApplyEntryActions.
// Failures are reported in the result, never returned.
func (e *Executor) Execute(ctx context.Context, caller apiclient.Caller, ruleID string, action rules.Action, values map[string]interface{}) ActionResult {
	result := ActionResult{RuleID: ruleID, Type: action.Type}
	logger := e.logger.WithContext(ctx).WithFields(
		logging.Field{Key: "rule_id", Value: ruleID},
		logging.Field{Key: "action", Value: action.Type},
	)

	if action.Type != rules.ActionOpenAPICall {
		result.Skipped = true
		result.Reason = ReasonNotExecuted
		logger.Debug("Skipping non-executable action")
		return result
	}

	call, err := rules.ParseOpenAPICall(action)
	if err != nil {
		result.Error = err.Error()
		logger.Warn("Invalid openapi_call action", logging.Field{Key: "error", Value: err.Error()})
		return result
	}

	resolved, err := call.Resolve(values)
	if err != nil {
		result.Error = err.Error()
		logger.Warn("Failed to resolve openapi_call", logging.Field{Key: "error", Value: err.Error()})
		return result
	}
	result.Method = resolved.Method
	result.Path = resolved.Path

	resp, attempts, err := e.call(ctx, logger, caller, resolved.Method, resolved.Path, resolved.Body)
	result.Attempts = attempts
	if resp != nil {
		result.StatusCode = resp.StatusCode
	}

	if err != nil {
		result.Error = err.Error()
		var statusErr *apiclient.StatusError
		if errors.As(err, &statusErr) {
			result.StatusCode = statusErr.StatusCode
		}
		logger.Error("Action failed", err,
			logging.Field{Key: "method", Value: resolved.Method},
			logging.Field{Key: "path", Value: resolved.Path},
			logging.Field{Key: "attempts", Value: result.Attempts},
		)
		return result
	}

	result.Succeeded = true
	logger.Info("Action executed",
		logging.Field{Key: "method", Value: resolved.Method},
		logging.Field{Key: "path", Value: resolved.Path},
		logging.Field{Key: "status", Value: result.StatusCode},
		logging.Field{Key: "attempts", Value: result.Attempts},
	)
	return result
}

// call performs one request with the retry policy and reports how many
// attempts were made. A non-2xx final response is returned along with its
// error.
func (e *Executor) call(ctx context.Context, logger logging.Logger, caller apiclient.Caller, method, path string, body []byte) (*apiclient.Response, int, error) {
	var (
		resp     *apiclient.Response
		attempts int
	)
	err := utils.RetryWithBackoff(ctx, e.retry, func(attempt int) error {
		attempts = attempt
		r, err := caller.Call(ctx, method, path, body)
		if err != nil {
			return err
		}
		resp = r
		if err := r.Err(); err != nil {
			if attempt < e.retry.MaxAttempts && apiclient.IsRetryable(err) {
				logger.Debug("Retrying request",
					logging.Field{Key: "method", Value: method},
					logging.Field{Key: "attempt", Value: attempt},
					logging.Field{Key: "status", Value: r.StatusCode},
				)
			}
			return err
		}
		return nil
	})
	return resp, attempts, err
}
