package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ledgerflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts EngineOptions) *AutomationEngine {
	t.Helper()
	e := NewAutomationEngine(opts, nil, nil)
	t.Cleanup(e.Stop)
	return e
}

func TestEngine_ManualNotificationScenario(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "manual notify",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "ping"}}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Result, 1)
	assert.Equal(t, true, exec.Result[0]["sent"])
	assert.NotNil(t, exec.EndTime)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, rule.ID, sent[0].RuleID)

	got, _ := e.GetRule(rule.ID)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.NotNil(t, got.LastTriggered)
}

func TestEngine_DataConditionNotMetSkips(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "degraded alert",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Conditions: []models.Condition{{
			Type:     models.ConditionData,
			Operator: models.OperatorAnd,
			Config:   models.ConditionConfig{Field: "status", Operator: "equals", Value: "degraded"},
		}},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "degraded!"}}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteRule(context.Background(), rule.ID, "manual", map[string]interface{}{"status": "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.True(t, exec.Skipped)
	assert.Empty(t, exec.Result)
	assert.True(t, containsLog(exec.Logs, "conditions not met"))
	assert.Empty(t, notifier.all())

	exec, err = e.ExecuteRule(context.Background(), rule.ID, "manual", map[string]interface{}{"status": "degraded"})
	require.NoError(t, err)
	assert.False(t, exec.Skipped)
	assert.Len(t, notifier.all(), 1)
}

func TestEngine_ScriptInProductionFails(t *testing.T) {
	scripts := &stubScripts{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Scripts: scripts}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "script",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Actions: []models.Action{{Type: models.ActionScript, Config: models.ActionConfig{Script: "{ x: 1 }"}}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, (&ScriptsDisabledError{}).Error())
	assert.Zero(t, scripts.calls)
}

func TestEngine_ScriptInDevelopmentUsesCUE(t *testing.T) {
	sandbox := NewCUESandbox()
	e := newTestEngine(t, EngineOptions{Sandbox: sandbox, Collaborators: ActionCollaborators{Scripts: sandbox}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "dev script",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Conditions: []models.Condition{{
			Type: models.ConditionLogic, Operator: models.OperatorAnd,
			Config: models.ConditionConfig{Expression: "${days} > 30"},
		}},
		Actions: []models.Action{{Type: models.ActionScript, Config: models.ActionConfig{Script: `{ fee: "late" }`}}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteRule(context.Background(), rule.ID, "", map[string]interface{}{"days": 45})
	require.NoError(t, err)
	assert.Equal(t, "manual", exec.TriggerSource)
	require.Equal(t, models.ExecutionCompleted, exec.Status, exec.Error)
	require.Len(t, exec.Result, 1)
	assert.Equal(t, map[string]interface{}{"fee": "late"}, exec.Result[0]["output"])
}

func TestEngine_UnknownOperatorFailsExecution(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true})
	rule, err := e.CreateRule(notifyDraft("r"))
	require.NoError(t, err)

	// bypass validation to reach the evaluator with a corrupt rule
	e.rules.mu.Lock()
	e.rules.rules[rule.ID].Conditions = []models.Condition{{Type: models.ConditionUser, Operator: "xor"}}
	e.rules.mu.Unlock()

	exec, err := e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "unknown operator")
	assert.True(t, containsLog(exec.Logs, "execution failed"))
}

func TestEngine_DisableTwiceAndExecuteDisabled(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true})
	rule, err := e.CreateRule(notifyDraft("r"))
	require.NoError(t, err)

	require.NoError(t, e.DisableRule(rule.ID))
	require.NoError(t, e.DisableRule(rule.ID))
	got, _ := e.GetRule(rule.ID)
	assert.False(t, got.Enabled)

	_, err = e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
	var disabled *RuleDisabledError
	assert.True(t, errors.As(err, &disabled))

	_, err = e.ExecuteRule(context.Background(), "missing", "manual", nil)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))

	var nf2 *NotFoundError
	assert.True(t, errors.As(e.EnableRule("missing"), &nf2))
}

func TestEngine_DeleteKeepsHistory(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: &memoryNotifier{}}})
	rule, _ := e.CreateRule(notifyDraft("r"))
	exec, err := e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
	require.NoError(t, err)

	e.DeleteRule(rule.ID)
	e.DeleteRule(rule.ID)
	assert.Empty(t, e.ListRules())

	history := e.GetExecutionHistory(rule.ID, 10)
	require.Len(t, history, 1)
	assert.Equal(t, exec.ID, history[0].ID)
}

func TestEngine_UpdateRule(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true})
	rule, _ := e.CreateRule(notifyDraft("r"))

	priority := models.PriorityCritical
	updated, err := e.UpdateRule(rule.ID, &RuleUpdate{Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityCritical, updated.Priority)

	_, err = e.UpdateRule("missing", &RuleUpdate{Priority: &priority})
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestEngine_StatisticsEmpty(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true})
	stats := e.GetStatistics()
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.AverageExecutionTimeMs)
	assert.Zero(t, stats.TotalExecutions)
}

func TestEngine_Statistics(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: &memoryNotifier{}}})
	ok, _ := e.CreateRule(notifyDraft("ok"))
	script, _ := e.CreateRule(&RuleDraft{
		Name:    "script",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Actions: []models.Action{{Type: models.ActionScript, Config: models.ActionConfig{Script: "{}"}}},
	})

	e.ExecuteRule(context.Background(), ok.ID, "manual", nil)
	e.ExecuteRule(context.Background(), script.ID, "manual", nil)

	stats := e.GetStatistics()
	assert.Equal(t, 2, stats.TotalRules)
	assert.Equal(t, 2, stats.ActiveRules)
	assert.Equal(t, 2, stats.TotalExecutions)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.Equal(t, 1, stats.ExecutionsByStatus[models.ExecutionFailed])
}

type gatedNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *gatedNotifier) Send(context.Context, Notification) error {
	close(n.entered)
	<-n.release
	return nil
}

func TestEngine_CancelDuringActions(t *testing.T) {
	notifier := &gatedNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})
	rule, _ := e.CreateRule(notifyDraft("slow"))

	done := make(chan *models.AutomationExecution, 1)
	go func() {
		exec, _ := e.ExecuteRule(context.Background(), rule.ID, "manual", nil)
		done <- exec
	}()

	<-notifier.entered
	running := e.GetExecutionHistory(rule.ID, 1)
	require.Len(t, running, 1)
	assert.Equal(t, models.ExecutionRunning, running[0].Status)

	require.NoError(t, e.CancelExecution(running[0].ID))
	close(notifier.release)

	exec := <-done
	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	assert.Empty(t, exec.Result)

	got, _ := e.GetRule(rule.ID)
	assert.Zero(t, got.ExecutionCount)
}

func TestDispatcher_ScheduleFiresOncePerMinute(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "monday digest",
		Trigger: models.Trigger{Type: models.TriggerSchedule, Schedule: "30 9 * * 1"},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "digest"}}},
	})
	require.NoError(t, err)
	_, err = e.CreateRule(&RuleDraft{
		Name:    "tuesday digest",
		Trigger: models.Trigger{Type: models.TriggerSchedule, Schedule: "30 9 * * 2"},
	})
	require.NoError(t, err)

	monday := time.Date(2026, time.October, 12, 9, 30, 5, 0, time.UTC)
	ctx := context.Background()
	e.dispatcher.onTick(ctx, monday)
	e.dispatcher.onTick(ctx, monday.Add(40*time.Second))
	e.dispatcher.onTick(ctx, monday.Add(time.Minute))
	e.dispatcher.workers.Wait()

	history := e.GetExecutionHistory("", 0)
	require.Len(t, history, 1)
	assert.Equal(t, rule.ID, history[0].RuleID)
	assert.Equal(t, "schedule", history[0].TriggerSource)
	assert.Equal(t, models.ExecutionCompleted, history[0].Status)
	assert.Len(t, notifier.all(), 1)
}

func TestDispatcher_EventsFireMatchingRules(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})

	paid, err := e.CreateRule(&RuleDraft{
		Name:    "paid",
		Trigger: models.Trigger{Type: models.TriggerEvent, Event: "invoice.paid"},
		Conditions: []models.Condition{{
			Type: models.ConditionData, Operator: models.OperatorAnd,
			Config: models.ConditionConfig{Field: "amount", Operator: "greater", Value: 100},
		}},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "paid {{.amount}}"}}},
	})
	require.NoError(t, err)
	disabled := false
	_, err = e.CreateRule(&RuleDraft{
		Name:    "paid but off",
		Enabled: &disabled,
		Trigger: models.Trigger{Type: models.TriggerEvent, Event: "invoice.paid"},
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()), "second start is refused")

	_, err = e.Emit(context.Background(), "invoice.paid", map[string]interface{}{"amount": 250})
	require.NoError(t, err)
	_, err = e.Emit(context.Background(), "invoice.voided", map[string]interface{}{"amount": 250})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h := e.GetExecutionHistory("", 0)
		return len(h) == 1 && h[0].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	exec := e.GetExecutionHistory("", 0)[0]
	assert.Equal(t, paid.ID, exec.RuleID)
	assert.Equal(t, "event:invoice.paid", exec.TriggerSource)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	require.Len(t, notifier.all(), 1)
	assert.Equal(t, "paid 250", notifier.all()[0].Rendered)

	e.Stop()
	_, err = e.Emit(context.Background(), "", nil)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestDispatcher_WorkflowActionChainsRules(t *testing.T) {
	bus := NewEventBus(nil)
	notifier := &memoryNotifier{}
	e := NewAutomationEngine(EngineOptions{
		Production:    true,
		Collaborators: ActionCollaborators{Notifier: notifier, Workflows: NewBusWorkflowInvoker(bus)},
	}, bus, nil)
	defer e.Stop()

	starter, _ := e.CreateRule(&RuleDraft{
		Name:    "start dunning",
		Trigger: models.Trigger{Type: models.TriggerManual},
		Actions: []models.Action{{Type: models.ActionWorkflow, Config: models.ActionConfig{WorkflowID: "dunning"}}},
	})
	step, _ := e.CreateRule(&RuleDraft{
		Name:    "dunning step",
		Trigger: models.Trigger{Type: models.TriggerEvent, Event: WorkflowEventName("dunning")},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "reminder"}}},
	})

	require.NoError(t, e.Start(context.Background()))
	exec, err := e.ExecuteRule(context.Background(), starter.ID, "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, true, exec.Result[0]["triggered"])

	require.Eventually(t, func() bool {
		h := e.GetExecutionHistory(step.ID, 1)
		return len(h) == 1 && h[0].Status == models.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, notifier.all(), 1)
}

func TestEngine_FireWebhook(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})

	rule, err := e.CreateRule(&RuleDraft{
		Name:    "bank feed",
		Trigger: models.Trigger{Type: models.TriggerWebhook, Path: "bank/feed"},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "{{.ref}}"}}},
	})
	require.NoError(t, err)

	pending := e.FireWebhook(context.Background(), "bank/feed", map[string]interface{}{"ref": "TX-1"})
	require.Len(t, pending, 1)
	assert.Equal(t, rule.ID, pending[0].RuleID)
	assert.Equal(t, "webhook:bank/feed", pending[0].TriggerSource)

	assert.Empty(t, e.FireWebhook(context.Background(), "other", nil))

	e.Stop()
	exec, err := e.GetExecution(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, "TX-1", notifier.all()[0].Rendered)
}

func TestEngine_FireWebhookAfterStopFails(t *testing.T) {
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: &memoryNotifier{}}})
	_, err := e.CreateRule(&RuleDraft{
		Name:    "bank feed",
		Trigger: models.Trigger{Type: models.TriggerWebhook, Path: "/bank/feed"},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "x"}}},
	})
	require.NoError(t, err)

	e.Stop()
	pending := e.FireWebhook(context.Background(), "/bank/feed/", nil)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ExecutionFailed, pending[0].Status)
	assert.Contains(t, pending[0].Error, "dispatcher stopped")

	assert.Error(t, e.Start(context.Background()), "a stopped engine does not restart")
}

func TestDispatcher_StopRacesWebhookFirings(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		e := NewAutomationEngine(EngineOptions{
			Production:    true,
			Collaborators: ActionCollaborators{Notifier: &memoryNotifier{}},
		}, nil, nil)
		_, err := e.CreateRule(&RuleDraft{
			Name:    "bank feed",
			Trigger: models.Trigger{Type: models.TriggerWebhook, Path: "bank/feed"},
			Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "x"}}},
		})
		require.NoError(t, err)
		require.NoError(t, e.Start(ctx))

		var wg sync.WaitGroup
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.FireWebhook(ctx, "bank/feed", nil)
			}()
		}
		e.Stop()
		wg.Wait()

		for _, exec := range e.GetExecutionHistory("", 0) {
			assert.True(t, exec.Status.Terminal(), "execution %s left %s", exec.ID, exec.Status)
		}
	}
}

func TestDispatcher_LoopUsesTickTime(t *testing.T) {
	notifier := &memoryNotifier{}
	e := newTestEngine(t, EngineOptions{Production: true, Collaborators: ActionCollaborators{Notifier: notifier}})
	rule, err := e.CreateRule(&RuleDraft{
		Name:    "monday digest",
		Trigger: models.Trigger{Type: models.TriggerSchedule, Schedule: "30 9 * * 1"},
		Actions: []models.Action{{Type: models.ActionNotification, Config: models.ActionConfig{Template: "digest"}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.dispatcher.loop(ctx, ticks, nil)
	}()

	// 最后一秒发出的 tick 仍属于 9:30
	ticks <- time.Date(2026, time.October, 12, 9, 30, 59, 999_000_000, time.UTC)
	cancel()
	<-done
	e.dispatcher.workers.Wait()

	history := e.GetExecutionHistory("", 0)
	require.Len(t, history, 1)
	assert.Equal(t, rule.ID, history[0].RuleID)
	assert.Equal(t, "2026-10-12T09:30:00Z", history[0].Metadata["scheduled_at"])
}

func TestEventContext_ReservesEnvelopeKey(t *testing.T) {
	data := eventContext(BusEvent{
		ID:        "evt-1",
		Name:      "invoice.paid",
		EmittedAt: time.Date(2026, time.October, 12, 9, 30, 0, 0, time.UTC),
		Payload:   map[string]interface{}{"event": "customer_signup", "amount": 10},
	})

	assert.Equal(t, "customer_signup", data["event"], "payload field must not be overwritten")
	assert.Equal(t, 10, data["amount"])
	env, ok := data[EventEnvelopeKey].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "evt-1", env["id"])
	assert.Equal(t, "invoice.paid", env["name"])
}

func containsLog(logs []string, fragment string) bool {
	for _, l := range logs {
		if strings.Contains(l, fragment) {
			return true
		}
	}
	return false
}
