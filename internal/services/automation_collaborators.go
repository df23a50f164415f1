package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Notification is a rendered notification or email handed to a sender.
type Notification struct {
	Channel    string                 `json:"channel"` // notification, email
	Template   string                 `json:"template"`
	Rendered   string                 `json:"rendered"`
	Recipients []string               `json:"recipients,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	RuleID     string                 `json:"rule_id,omitempty"`
}

// NotificationSender delivers notifications and emails.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// WorkflowInvoker starts a workflow by id.
type WorkflowInvoker interface {
	Trigger(ctx context.Context, workflowID string, params map[string]interface{}) (map[string]interface{}, error)
}

// RecordMutator creates, updates and deletes business records.
type RecordMutator interface {
	CreateRecord(ctx context.Context, entity string, fields map[string]interface{}) (string, error)
	UpdateRecord(ctx context.Context, entity, id string, fields map[string]interface{}) error
	DeleteRecord(ctx context.Context, entity, id string) error
}

// APIRequest is an outbound call made by an api action.
type APIRequest struct {
	Method   string
	Endpoint string
	Headers  map[string]string
	Body     interface{}
}

// APIResponse is the decoded reply of an outbound call.
type APIResponse struct {
	StatusCode int         `json:"status"`
	Body       interface{} `json:"body,omitempty"`
}

// APIDispatcher performs outbound HTTP calls.
type APIDispatcher interface {
	Do(ctx context.Context, req APIRequest) (*APIResponse, error)
}

// LogNotificationSender logs notifications and mirrors them to the execution feed.
type LogNotificationSender struct {
	logger *logrus.Logger
	feed   *ExecutionFeed
}

func NewLogNotificationSender(logger *logrus.Logger, feed *ExecutionFeed) *LogNotificationSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotificationSender{logger: logger, feed: feed}
}

func (s *LogNotificationSender) Send(_ context.Context, n Notification) error {
	s.logger.WithFields(logrus.Fields{
		"channel":    n.Channel,
		"rule_id":    n.RuleID,
		"recipients": n.Recipients,
	}).Infof("automation notify: %s", n.Rendered)
	if s.feed != nil {
		s.feed.Publish(FeedMessage{Type: "notification", Data: n})
	}
	return nil
}

// BusWorkflowInvoker starts workflows by emitting "workflow.<id>" on the event bus,
// so workflows are themselves event-triggered rules.
type BusWorkflowInvoker struct {
	bus *EventBus
}

func NewBusWorkflowInvoker(bus *EventBus) *BusWorkflowInvoker {
	return &BusWorkflowInvoker{bus: bus}
}

// WorkflowEventName is the bus event a workflow id is published under.
func WorkflowEventName(workflowID string) string {
	return "workflow." + workflowID
}

func (w *BusWorkflowInvoker) Trigger(ctx context.Context, workflowID string, params map[string]interface{}) (map[string]interface{}, error) {
	evt, err := w.bus.Publish(ctx, WorkflowEventName(workflowID), params)
	if err != nil {
		return nil, fmt.Errorf("publish workflow %s: %w", workflowID, err)
	}
	return map[string]interface{}{
		"triggered":   true,
		"workflow_id": workflowID,
		"event_id":    evt.ID,
	}, nil
}
