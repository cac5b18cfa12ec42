package rules

import (
	"strings"

	"github.com/samber/lo"

	"webhook-rules/internal/common/logging"
)

// Evaluator matches rules against events. It holds no state besides its
// logger and is safe for concurrent use.
type Evaluator struct {
	logger logging.Logger
}

func NewEvaluator(logger logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Evaluator{logger: logger.WithFields(logging.Field{Key: "component", Value: "evaluator"})}
}

// Evaluate reports whether rule matches ctx. Disabled rules and rules without
// conditions never match. AND stops at the first false condition and OR at
// the first true one.
func (e *Evaluator) Evaluate(rule Rule, ctx EventContext) bool {
	if !rule.Enabled || len(rule.Conditions) == 0 {
		return false
	}

	isOr := strings.EqualFold(string(rule.Combinator), string(CombinatorOr))
	for _, condition := range rule.Conditions {
		matched := e.evaluateCondition(rule.ID, condition, ctx)
		if isOr && matched {
			return true
		}
		if !isOr && !matched {
			return false
		}
	}
	return !isOr
}

func (e *Evaluator) evaluateCondition(ruleID string, c Condition, ctx EventContext) bool {
	op := c.Operator
	if op == "" {
		op = defaultOperator(c.Type)
	}
	if !knownOperator(op) {
		e.logger.Warn("Unknown operator", logging.Field{Key: "rule_id", Value: ruleID}, logging.Field{Key: "operator", Value: string(op)})
		return false
	}

	switch c.Type {
	case CondDescriptionContains, CondDescriptionEquals:
		description, ok := ctx.Description()
		return ok && compareString(op, description, c)
	case CondProjectIDEquals, CondProjectIDIn:
		projectID, ok := ctx.ProjectID()
		return ok && compareString(op, projectID, c)
	case CondUserIDEquals:
		userID, ok := ctx.UserID()
		return ok && compareString(op, userID, c)
	case CondClientIDEquals:
		clientID, ok := ctx.ClientID()
		return ok && compareString(op, clientID, c)
	case CondHasTag:
		return compareSet(op, ctx.TagIDs(), c)
	case CondIsBillable:
		billable, ok := ctx.Billable()
		if !ok {
			billable = false
		}
		return compareBool(op, billable, c)
	default:
		e.logger.Warn("Unknown condition type", logging.Field{Key: "rule_id", Value: ruleID}, logging.Field{Key: "type", Value: c.Type})
		return false
	}
}

func knownOperator(op Operator) bool {
	switch op {
	case OpContains, OpNotContains, OpEquals, OpNotEquals, OpIn, OpNotIn:
		return true
	}
	return false
}

func negated(op Operator) bool {
	return op == OpNotContains || op == OpNotEquals || op == OpNotIn
}

// candidates are the values IN/NOT_IN test against; value stands in when
// values is empty
func candidates(c Condition) []string {
	if len(c.Values) > 0 {
		return c.Values
	}
	if c.Value != "" {
		return []string{c.Value}
	}
	return nil
}

func compareString(op Operator, field string, c Condition) bool {
	var matched bool
	switch op {
	case OpContains, OpNotContains:
		matched = c.Value != "" && strings.Contains(field, c.Value)
	case OpEquals, OpNotEquals:
		matched = field == c.Value
	case OpIn, OpNotIn:
		matched = lo.Contains(candidates(c), field)
	}
	return matched != negated(op)
}

// compareSet tests membership of the condition value in a field that holds
// several values, such as tag ids
func compareSet(op Operator, field []string, c Condition) bool {
	var matched bool
	switch op {
	case OpIn, OpNotIn:
		matched = lo.SomeBy(candidates(c), func(v string) bool { return lo.Contains(field, v) })
	default:
		matched = c.Value != "" && lo.Contains(field, c.Value)
	}
	return matched != negated(op)
}

func compareBool(op Operator, field bool, c Condition) bool {
	var matched bool
	switch op {
	case OpIn, OpNotIn:
		matched = lo.SomeBy(candidates(c), func(v string) bool { return parseBool(v) == field })
	default:
		if c.Value == "" {
			return false
		}
		matched = parseBool(c.Value) == field
	}
	return matched != negated(op)
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
