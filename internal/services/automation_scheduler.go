package services

import (
	"context"
	"errors"
	"sync"
	"time"

	appmetrics "ledgerflow/internal/metrics"
	"ledgerflow/internal/models"

	"github.com/sirupsen/logrus"
)

// Dispatcher multiplexes the schedule ticker and the event subscription into one
// loop. Accepted firings get a pending record in the loop and then run in their
// own goroutine, at most maxConcurrent at a time.
type Dispatcher struct {
	engine   *AutomationEngine
	interval time.Duration
	buffer   int
	sem      chan struct{}
	logger   *logrus.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	loopDone   chan struct{}
	stopping   bool // set by Stop; no workers are added afterwards
	workers    sync.WaitGroup
	lastMinute time.Time
}

// EventEnvelopeKey and WebhookEnvelopeKey name the reserved context keys that
// carry trigger metadata next to the caller's payload fields.
const (
	EventEnvelopeKey   = "_event"
	WebhookEnvelopeKey = "_webhook"
)

func newDispatcher(engine *AutomationEngine, interval time.Duration, maxConcurrent, buffer int, logger *logrus.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		engine:   engine,
		interval: interval,
		buffer:   buffer,
		sem:      make(chan struct{}, maxConcurrent),
		logger:   logger,
	}
}

var (
	errDispatcherRunning = errors.New("dispatcher already running")
	errDispatcherStopped = errors.New("dispatcher stopped")
)

// Start subscribes to the event bus and launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return errDispatcherStopped
	}
	if d.cancel != nil {
		return errDispatcherRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe := d.engine.bus.Subscribe(d.buffer)
	d.cancel = cancel
	d.loopDone = make(chan struct{})

	go func() {
		defer close(d.loopDone)
		defer unsubscribe()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		d.loop(ctx, ticker.C, events)
	}()
	d.logger.Infof("automation: dispatcher started (tick %s)", d.interval)
	return nil
}

// Stop ends the loop and waits for in-flight executions to finish. Firings
// arriving after Stop begins are failed instead of run. A stopped dispatcher
// cannot be started again.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.loopDone
	d.cancel = nil
	d.stopping = true
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	d.workers.Wait()
	if cancel != nil {
		d.logger.Info("automation: dispatcher stopped")
	}
}

// loop schedules against each tick's own timestamp, not the time it is read.
func (d *Dispatcher) loop(ctx context.Context, ticks <-chan time.Time, events <-chan BusEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticks:
			d.onTick(ctx, t)
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.onEvent(ctx, evt)
		}
	}
}

// onTick fires schedule rules matching the current minute, once per minute.
// Minutes that pass without a tick are not caught up.
func (d *Dispatcher) onTick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.After(d.lastMinute) {
		return
	}
	d.lastMinute = minute

	rules := d.engine.rules.Enabled(func(r *models.AutomationRule) bool {
		if r.Trigger.Type != models.TriggerSchedule {
			return false
		}
		s, err := ParseSchedule(r.Trigger.Schedule)
		return err == nil && s.Matches(minute)
	})
	for _, rule := range rules {
		d.fire(ctx, rule, "schedule", map[string]interface{}{
			"scheduled_at": minute.Format(time.RFC3339),
		})
	}
}

// onEvent fires every enabled event rule whose event name equals the emission.
func (d *Dispatcher) onEvent(ctx context.Context, evt BusEvent) {
	appmetrics.IncEvent()
	rules := d.engine.rules.Enabled(func(r *models.AutomationRule) bool {
		return r.Trigger.Type == models.TriggerEvent && r.Trigger.Event == evt.Name
	})
	if len(rules) == 0 {
		return
	}
	d.logger.WithField("event", evt.Name).Debugf("automation: event matched %d rules", len(rules))
	for _, rule := range rules {
		d.fire(ctx, rule, "event:"+evt.Name, eventContext(evt))
	}
}

func (d *Dispatcher) fire(ctx context.Context, rule *models.AutomationRule, source string, data map[string]interface{}) {
	rec := d.engine.tracker.Start(rule.ID, source, data)
	d.spawn(ctx, rec, rule, data)
}

// spawn runs the execution on a worker goroutine. It reports false, after
// failing rec, once Stop has begun.
func (d *Dispatcher) spawn(ctx context.Context, rec *executionRecord, rule *models.AutomationRule, data map[string]interface{}) bool {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		d.engine.tracker.Fail(rec, errDispatcherStopped)
		return false
	}
	d.workers.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.workers.Done()
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.engine.tracker.Fail(rec, ctx.Err())
			return
		}
		defer func() { <-d.sem }()
		// Detached from the loop context so Stop lets running executions finish.
		d.engine.drive(context.WithoutCancel(ctx), rec, rule, data)
	}()
	return true
}

// eventContext is the data conditions and actions see for an event firing. The
// payload fields sit at the top level and the envelope under EventEnvelopeKey.
func eventContext(evt BusEvent) map[string]interface{} {
	data := make(map[string]interface{}, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		data[k] = v
	}
	data[EventEnvelopeKey] = map[string]interface{}{
		"id":         evt.ID,
		"name":       evt.Name,
		"emitted_at": evt.EmittedAt.Format(time.RFC3339Nano),
	}
	return data
}
