package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ledgerflow/internal/models"

	"github.com/sirupsen/logrus"
)

// StateChecker answers user and system conditions from host state.
type StateChecker interface {
	Check(ctx context.Context, cond models.Condition, data map[string]interface{}) (bool, error)
}

// ConditionEvaluator folds a rule's conditions into a single boolean.
type ConditionEvaluator struct {
	production    bool
	sandbox       ExpressionSandbox
	userChecker   StateChecker
	systemChecker StateChecker
	now           func() time.Time
	logger        *logrus.Logger
}

func NewConditionEvaluator(production bool, sandbox ExpressionSandbox, logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{
		production: production,
		sandbox:    sandbox,
		now:        time.Now,
		logger:     logger,
	}
}

// SetStateCheckers wires collaborators for user and system conditions. nil keeps them true.
func (e *ConditionEvaluator) SetStateCheckers(user, system StateChecker) {
	e.userChecker = user
	e.systemChecker = system
}

// Evaluate folds conditions left to right from true. and: acc && c, or: acc || c,
// not: acc && !c. Every condition is evaluated; there is no short circuit and no
// precedence, so the order of the list changes the result.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, conds []models.Condition, data map[string]interface{}) (bool, error) {
	result := true
	for i, cond := range conds {
		v, err := e.evaluateOne(ctx, cond, data)
		if err != nil {
			return false, fmt.Errorf("condition %d (%s): %w", i, cond.Type, err)
		}
		switch cond.Operator {
		case models.OperatorAnd:
			result = result && v
		case models.OperatorOr:
			result = result || v
		case models.OperatorNot:
			result = result && !v
		default:
			return false, fmt.Errorf("condition %d: unknown operator %q", i, cond.Operator)
		}
	}
	return result, nil
}

func (e *ConditionEvaluator) evaluateOne(ctx context.Context, cond models.Condition, data map[string]interface{}) (bool, error) {
	switch cond.Type {
	case models.ConditionData:
		return e.evaluateData(cond.Config, data), nil
	case models.ConditionTime:
		return e.evaluateTime(cond.Config), nil
	case models.ConditionLogic:
		return e.evaluateLogic(ctx, cond.Config, data), nil
	case models.ConditionUser:
		return checkState(ctx, e.userChecker, cond, data)
	case models.ConditionSystem:
		return checkState(ctx, e.systemChecker, cond, data)
	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

func checkState(ctx context.Context, c StateChecker, cond models.Condition, data map[string]interface{}) (bool, error) {
	if c == nil {
		return true, nil
	}
	return c.Check(ctx, cond, data)
}

func (e *ConditionEvaluator) evaluateData(cfg models.ConditionConfig, data map[string]interface{}) bool {
	if cfg.Field == "" {
		return false
	}
	actual, ok := resolvePath(data, cfg.Field)
	if !ok {
		return false
	}
	return compareValues(cfg.Operator, actual, cfg.Value)
}

func (e *ConditionEvaluator) evaluateTime(cfg models.ConditionConfig) bool {
	now := e.now()
	var current int
	switch cfg.Field {
	case "hour":
		current = now.Hour()
	case "day":
		current = int(now.Weekday())
	case "month":
		current = int(now.Month())
	default:
		return false
	}
	op := cfg.Operator
	if op == "" {
		op = "equals"
	}
	return compareValues(op, current, cfg.Value)
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func (e *ConditionEvaluator) evaluateLogic(ctx context.Context, cfg models.ConditionConfig, data map[string]interface{}) bool {
	if e.production || e.sandbox == nil || cfg.Expression == "" {
		return false
	}
	expr := RenderExpression(cfg.Expression, data)
	ok, err := e.sandbox.EvaluateBool(ctx, expr)
	if err != nil {
		e.logger.WithField("expression", expr).Warnf("automation: logic condition failed: %v", err)
		return false
	}
	return ok
}

// RenderExpression replaces ${path} tokens with literals resolved from data.
// Strings are quoted, other values JSON-encoded, unresolved paths become null.
func RenderExpression(template string, data map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(tok string) string {
		path := strings.TrimSpace(placeholderPattern.FindStringSubmatch(tok)[1])
		v, ok := resolvePath(data, path)
		if !ok || v == nil {
			return "null"
		}
		if s, isStr := v.(string); isStr {
			return strconv.Quote(s)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return strconv.Quote(fmt.Sprint(v))
		}
		return string(raw)
	})
}

// resolvePath walks a dot path through nested maps and slices.
func resolvePath(data map[string]interface{}, path string) (interface{}, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var cur interface{} = data
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// compareValues applies equals, contains, greater or less. Unknown operators are false.
func compareValues(op string, actual, expected interface{}) bool {
	switch op {
	case "equals":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if aok && bok {
			return a == b
		}
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "contains":
		if list, ok := actual.([]interface{}); ok {
			for _, item := range list {
				if compareValues("equals", item, expected) {
					return true
				}
			}
			return false
		}
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
	case "greater", "less":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		if op == "greater" {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
