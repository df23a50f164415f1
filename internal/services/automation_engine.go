package services

import (
	"context"
	"fmt"
	"time"

	appmetrics "ledgerflow/internal/metrics"
	"ledgerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineOptions 自动化引擎配置
type EngineOptions struct {
	// Production disables logic conditions and script actions regardless of
	// the sandbox and script runner supplied.
	Production    bool
	HistoryLimit  int
	TickInterval  time.Duration
	MaxConcurrent int
	EventBuffer   int

	Collaborators ActionCollaborators
	Sandbox       ExpressionSandbox
	UserChecker   StateChecker
	SystemChecker StateChecker

	// Observer receives a snapshot after every execution transition.
	Observer func(models.AutomationExecution)
}

// AutomationEngine ties the rule store, evaluator, executor, tracker and
// dispatcher together. One engine per host process.
type AutomationEngine struct {
	production bool
	rules      *RuleStore
	bus        *EventBus
	evaluator  *ConditionEvaluator
	executor   *ActionExecutor
	tracker    *ExecutionTracker
	dispatcher *Dispatcher
	tracer     trace.Tracer
	logger     *logrus.Logger
}

func NewAutomationEngine(opts EngineOptions, bus *EventBus, logger *logrus.Logger) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	if opts.Production {
		opts.Sandbox = nil
		opts.Collaborators.Scripts = nil
	}

	rules := NewRuleStore()
	evaluator := NewConditionEvaluator(opts.Production, opts.Sandbox, logger)
	evaluator.SetStateCheckers(opts.UserChecker, opts.SystemChecker)
	tracker := NewExecutionTracker(rules, opts.HistoryLimit, logger)
	if opts.Observer != nil {
		tracker.SetObserver(opts.Observer)
	}

	e := &AutomationEngine{
		production: opts.Production,
		rules:      rules,
		bus:        bus,
		evaluator:  evaluator,
		executor:   NewActionExecutor(opts.Production, opts.Collaborators, logger),
		tracker:    tracker,
		tracer:     otel.Tracer("ledgerflow.automation"),
		logger:     logger,
	}
	e.dispatcher = newDispatcher(e, opts.TickInterval, opts.MaxConcurrent, opts.EventBuffer, logger)
	return e
}

// Bus returns the event bus the engine subscribes to.
func (e *AutomationEngine) Bus() *EventBus {
	return e.bus
}

// BreakerStats reports the circuit breakers of the api collaborator, or nil
// when it keeps none.
func (e *AutomationEngine) BreakerStats() map[string]interface{} {
	if r, ok := e.executor.collab.API.(interface {
		BreakerStats() map[string]interface{}
	}); ok {
		return r.BreakerStats()
	}
	return nil
}

// Production reports whether logic conditions and scripts are disabled.
func (e *AutomationEngine) Production() bool {
	return e.production
}

// Start launches the dispatcher loop.
func (e *AutomationEngine) Start(ctx context.Context) error {
	e.syncRuleGauge()
	return e.dispatcher.Start(ctx)
}

// Stop halts the dispatcher and waits for in-flight executions.
func (e *AutomationEngine) Stop() {
	e.dispatcher.Stop()
}

func (e *AutomationEngine) CreateRule(draft *RuleDraft) (*models.AutomationRule, error) {
	rule, err := e.rules.Create(draft)
	if err != nil {
		return nil, err
	}
	e.syncRuleGauge()
	e.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "trigger": rule.Trigger.Type}).Infof("automation: rule %q created", rule.Name)
	return rule, nil
}

func (e *AutomationEngine) UpdateRule(id string, upd *RuleUpdate) (*models.AutomationRule, error) {
	if err := e.rules.Update(id, upd); err != nil {
		return nil, err
	}
	e.syncRuleGauge()
	return e.rules.Get(id)
}

// DeleteRule removes a rule. Its execution history is kept.
func (e *AutomationEngine) DeleteRule(id string) {
	e.rules.Delete(id)
	e.syncRuleGauge()
}

func (e *AutomationEngine) EnableRule(id string) error {
	if err := e.rules.Enable(id); err != nil {
		return err
	}
	e.syncRuleGauge()
	return nil
}

func (e *AutomationEngine) DisableRule(id string) error {
	if err := e.rules.Disable(id); err != nil {
		return err
	}
	e.syncRuleGauge()
	return nil
}

func (e *AutomationEngine) GetRule(id string) (*models.AutomationRule, error) {
	return e.rules.Get(id)
}

func (e *AutomationEngine) ListRules() []*models.AutomationRule {
	return e.rules.List()
}

// ExecuteRule fires one rule synchronously and returns the finished execution.
// Disabled rules are refused with RuleDisabledError.
func (e *AutomationEngine) ExecuteRule(ctx context.Context, ruleID, triggerSource string, data map[string]interface{}) (*models.AutomationExecution, error) {
	rule, err := e.rules.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, &RuleDisabledError{RuleID: ruleID}
	}
	if triggerSource == "" {
		triggerSource = "manual"
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	rec := e.tracker.Start(rule.ID, triggerSource, data)
	e.drive(ctx, rec, rule, data)
	return rec.snapshot(), nil
}

// Emit publishes a named event; matching event rules fire asynchronously.
func (e *AutomationEngine) Emit(ctx context.Context, name string, payload map[string]interface{}) (BusEvent, error) {
	if name == "" {
		return BusEvent{}, &ValidationError{Problems: []string{"event name required"}}
	}
	return e.bus.Publish(ctx, name, payload)
}

// FireWebhook starts every enabled webhook rule registered for path and returns
// the pending executions. The executions run asynchronously.
func (e *AutomationEngine) FireWebhook(ctx context.Context, path string, payload map[string]interface{}) []*models.AutomationExecution {
	path = NormalizeWebhookPath(path)
	rules := e.rules.Enabled(func(r *models.AutomationRule) bool {
		return r.Trigger.Type == models.TriggerWebhook && r.Trigger.Path == path
	})

	data := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data[WebhookEnvelopeKey] = map[string]interface{}{"path": path}

	out := make([]*models.AutomationExecution, 0, len(rules))
	for _, rule := range rules {
		rec := e.tracker.Start(rule.ID, "webhook:"+path, data)
		snap := rec.snapshot()
		if !e.dispatcher.spawn(context.WithoutCancel(ctx), rec, rule, data) {
			snap = rec.snapshot()
		}
		out = append(out, snap)
	}
	return out
}

func (e *AutomationEngine) CancelExecution(id string) error {
	return e.tracker.Cancel(id)
}

func (e *AutomationEngine) GetExecution(id string) (*models.AutomationExecution, error) {
	return e.tracker.Get(id)
}

// GetExecutionHistory returns executions newest first. An empty ruleID returns all rules.
func (e *AutomationEngine) GetExecutionHistory(ruleID string, limit int) []*models.AutomationExecution {
	return e.tracker.History(ruleID, limit)
}

func (e *AutomationEngine) GetStatistics() AutomationStatistics {
	total, active := e.rules.Counts()
	return computeStatistics(total, active, e.tracker.History("", 0))
}

// drive runs a pending execution to a terminal state. A cancel that lands while
// conditions or actions run wins; the late transition is dropped.
func (e *AutomationEngine) drive(ctx context.Context, rec *executionRecord, rule *models.AutomationRule, data map[string]interface{}) {
	exec := rec.snapshot()
	ctx, span := e.tracer.Start(ctx, "automation.execute_rule", trace.WithAttributes(
		attribute.String("automation.rule.id", rule.ID),
		attribute.String("automation.execution.id", exec.ID),
		attribute.String("automation.trigger.source", exec.TriggerSource),
	))
	defer span.End()
	ctx = withRuleID(ctx, rule.ID)

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.settle(rec, e.tracker.Fail(rec, err))
	}

	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("execution panicked: %v", r))
		}
	}()

	met, err := e.evaluator.Evaluate(ctx, rule.Conditions, data)
	if err != nil {
		fail(fmt.Errorf("evaluate conditions: %w", err))
		return
	}
	if !met {
		span.SetAttributes(attribute.Bool("automation.skipped", true))
		e.settle(rec, e.tracker.Skip(rec))
		return
	}

	if err := e.tracker.Running(rec); err != nil {
		e.settle(rec, err)
		return
	}
	results, err := e.executor.Execute(ctx, rule.Actions, data)
	if err != nil {
		fail(err)
		return
	}
	span.SetAttributes(attribute.Int("automation.actions", len(results)))
	e.settle(rec, e.tracker.Complete(rec, results))
}

// settle logs a transition refused because the execution already finished.
func (e *AutomationEngine) settle(rec *executionRecord, err error) {
	if err == nil {
		return
	}
	exec := rec.snapshot()
	e.logger.WithFields(logrus.Fields{
		"rule_id":      exec.RuleID,
		"execution_id": exec.ID,
		"status":       exec.Status,
	}).Debugf("automation: outcome discarded: %v", err)
}

func (e *AutomationEngine) syncRuleGauge() {
	appmetrics.SetRuleCounts(e.rules.Counts())
}
