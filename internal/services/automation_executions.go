package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	appmetrics "ledgerflow/internal/metrics"
	"ledgerflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrExecutionFinished is returned when a finished execution is asked to transition.
var ErrExecutionFinished = errors.New("execution already finished")

// allowedTransitions is the execution state machine.
var allowedTransitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.ExecutionPending: {models.ExecutionRunning, models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled},
	models.ExecutionRunning: {models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled},
}

func canTransition(from, to models.ExecutionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// executionRecord is one mutable execution. The driving goroutine is its only
// writer apart from Cancel; readers take snapshots.
type executionRecord struct {
	mu   sync.RWMutex
	exec models.AutomationExecution
}

func (r *executionRecord) snapshot() *models.AutomationExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.exec
	c.Logs = append([]string(nil), r.exec.Logs...)
	c.Result = append([]models.ActionResult(nil), r.exec.Result...)
	if r.exec.EndTime != nil {
		end := *r.exec.EndTime
		c.EndTime = &end
	}
	return &c
}

// ExecutionTracker owns the bounded execution history and its state machine.
type ExecutionTracker struct {
	mu       sync.RWMutex
	records  map[string]*executionRecord
	order    []string // oldest first
	limit    int
	rules    *RuleStore
	observer func(models.AutomationExecution)
	now      func() time.Time
	logger   *logrus.Logger
}

func NewExecutionTracker(rules *RuleStore, limit int, logger *logrus.Logger) *ExecutionTracker {
	if limit <= 0 {
		limit = 1000
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionTracker{
		records: make(map[string]*executionRecord),
		limit:   limit,
		rules:   rules,
		now:     time.Now,
		logger:  logger,
	}
}

// SetObserver registers a callback receiving a snapshot after every transition.
func (t *ExecutionTracker) SetObserver(fn func(models.AutomationExecution)) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Start creates a pending execution and adds it to the history, evicting the oldest.
func (t *ExecutionTracker) Start(ruleID, source string, metadata map[string]interface{}) *executionRecord {
	start := t.now()
	rec := &executionRecord{exec: models.AutomationExecution{
		ID:            uuid.NewString(),
		RuleID:        ruleID,
		TriggerSource: source,
		StartTime:     start,
		Status:        models.ExecutionPending,
		Metadata:      metadata,
		Logs:          []string{fmt.Sprintf("execution started at %s via %s", start.Format(time.RFC3339Nano), source)},
	}}

	t.mu.Lock()
	t.records[rec.exec.ID] = rec
	t.order = append(t.order, rec.exec.ID)
	for len(t.order) > t.limit {
		delete(t.records, t.order[0])
		t.order = t.order[1:]
	}
	t.mu.Unlock()

	t.notify(rec)
	return rec
}

// Log appends a trace line to a running or pending execution.
func (t *ExecutionTracker) Log(rec *executionRecord, format string, args ...interface{}) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.exec.EndTime != nil {
		return
	}
	rec.exec.Logs = append(rec.exec.Logs, fmt.Sprintf(format, args...))
}

// Running moves pending to running.
func (t *ExecutionTracker) Running(rec *executionRecord) error {
	return t.transition(rec, models.ExecutionRunning, func(e *models.AutomationExecution) {
		e.Logs = append(e.Logs, "conditions met, executing actions")
	})
}

// Complete finishes an execution that ran its actions.
func (t *ExecutionTracker) Complete(rec *executionRecord, results []models.ActionResult) error {
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	return t.transition(rec, models.ExecutionCompleted, func(e *models.AutomationExecution) {
		e.Result = results
		e.Logs = append(e.Logs, fmt.Sprintf("executed %d actions, %d failed", len(results), failed))
	})
}

// Skip finishes an execution whose conditions were not met.
func (t *ExecutionTracker) Skip(rec *executionRecord) error {
	return t.transition(rec, models.ExecutionCompleted, func(e *models.AutomationExecution) {
		e.Skipped = true
		e.Logs = append(e.Logs, "conditions not met, skipped")
	})
}

// Fail records err and finishes the execution.
func (t *ExecutionTracker) Fail(rec *executionRecord, err error) error {
	return t.transition(rec, models.ExecutionFailed, func(e *models.AutomationExecution) {
		e.Error = err.Error()
		e.Logs = append(e.Logs, "execution failed: "+err.Error())
	})
}

// Cancel marks a pending or running execution cancelled. Actions already in
// flight are not interrupted; their outcome is discarded.
func (t *ExecutionTracker) Cancel(id string) error {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return &NotFoundError{Kind: "execution", ID: id}
	}
	return t.transition(rec, models.ExecutionCancelled, func(e *models.AutomationExecution) {
		e.Logs = append(e.Logs, "execution cancelled")
	})
}

func (t *ExecutionTracker) transition(rec *executionRecord, to models.ExecutionStatus, mutate func(*models.AutomationExecution)) error {
	rec.mu.Lock()
	from := rec.exec.Status
	if !canTransition(from, to) {
		rec.mu.Unlock()
		if from.Terminal() {
			return fmt.Errorf("%s -> %s: %w", from, to, ErrExecutionFinished)
		}
		return fmt.Errorf("invalid execution transition %s -> %s", from, to)
	}
	rec.exec.Status = to
	mutate(&rec.exec)
	if to.Terminal() {
		end := t.now()
		rec.exec.EndTime = &end
	}
	exec := rec.exec
	rec.mu.Unlock()

	if to.Terminal() {
		t.finish(exec)
	}
	t.notify(rec)
	return nil
}

// finish updates rule counters and metrics. Skipped and cancelled runs leave the
// rule's execution count and success rate untouched.
func (t *ExecutionTracker) finish(exec models.AutomationExecution) {
	appmetrics.ObserveExecution(string(exec.Status), exec.Skipped, exec.Duration())

	fields := logrus.Fields{"rule_id": exec.RuleID, "execution_id": exec.ID, "status": exec.Status}
	switch {
	case exec.Status == models.ExecutionCompleted && !exec.Skipped:
		t.rules.recordOutcome(exec.RuleID, true, exec.StartTime)
		t.logger.WithFields(fields).Info("automation: execution completed")
	case exec.Status == models.ExecutionFailed:
		t.rules.recordOutcome(exec.RuleID, false, exec.StartTime)
		t.logger.WithFields(fields).Warnf("automation: execution failed: %s", exec.Error)
	default:
		t.logger.WithFields(fields).Debug("automation: execution finished without running actions")
	}
}

func (t *ExecutionTracker) notify(rec *executionRecord) {
	t.mu.RLock()
	fn := t.observer
	t.mu.RUnlock()
	if fn != nil {
		fn(*rec.snapshot())
	}
}

// Get returns a snapshot of one execution.
func (t *ExecutionTracker) Get(id string) (*models.AutomationExecution, error) {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	return rec.snapshot(), nil
}

// History returns snapshots newest first, optionally filtered by rule. limit <= 0 means all.
func (t *ExecutionTracker) History(ruleID string, limit int) []*models.AutomationExecution {
	t.mu.RLock()
	recs := make([]*executionRecord, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		recs = append(recs, t.records[t.order[i]])
	}
	t.mu.RUnlock()

	out := make([]*models.AutomationExecution, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snapshot()
		if ruleID != "" && snap.RuleID != ruleID {
			continue
		}
		out = append(out, snap)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
