package models

import "time"

// RuleCategory 规则分类
type RuleCategory string

const (
	CategoryData         RuleCategory = "data"
	CategoryWorkflow     RuleCategory = "workflow"
	CategoryNotification RuleCategory = "notification"
	CategorySecurity     RuleCategory = "security"
	CategoryCustom       RuleCategory = "custom"
)

// RulePriority 规则优先级
type RulePriority string

const (
	PriorityLow      RulePriority = "low"
	PriorityMedium   RulePriority = "medium"
	PriorityHigh     RulePriority = "high"
	PriorityCritical RulePriority = "critical"
)

// TriggerType identifies the stimulus that fires a rule.
type TriggerType string

const (
	TriggerSchedule  TriggerType = "schedule"
	TriggerEvent     TriggerType = "event"
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
	TriggerThreshold TriggerType = "threshold"
)

// Trigger 触发器定义，每条规则恰好一个
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type" validate:"required,oneof=schedule event manual webhook threshold"`
	// Schedule is a 5-field expression: minute hour day-of-month month weekday.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Event    string `json:"event,omitempty" yaml:"event,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	// Threshold triggers are evaluated by an external metrics collaborator.
	Metric   string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Operator string  `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    float64 `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionType 条件类型
type ConditionType string

const (
	ConditionData   ConditionType = "data"
	ConditionLogic  ConditionType = "logic"
	ConditionTime   ConditionType = "time"
	ConditionUser   ConditionType = "user"
	ConditionSystem ConditionType = "system"
)

// ConditionOperator folds a condition into the running result.
type ConditionOperator string

const (
	OperatorAnd ConditionOperator = "and"
	OperatorOr  ConditionOperator = "or"
	OperatorNot ConditionOperator = "not"
)

// ConditionConfig carries the per-type settings of a condition.
type ConditionConfig struct {
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Operator is the comparison: equals, contains, greater, less.
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Condition 条件
type Condition struct {
	Type     ConditionType     `json:"type" yaml:"type" validate:"required,oneof=data logic time user system"`
	Operator ConditionOperator `json:"operator" yaml:"operator" validate:"required,oneof=and or not"`
	Config   ConditionConfig   `json:"config" yaml:"config"`
}

// ActionType 动作类型
type ActionType string

const (
	ActionNotification ActionType = "notification"
	ActionWorkflow     ActionType = "workflow"
	ActionData         ActionType = "data"
	ActionAPI          ActionType = "api"
	ActionScript       ActionType = "script"
	ActionEmail        ActionType = "email"
)

// AllActionTypes lists every action variant the executor must handle.
var AllActionTypes = []ActionType{
	ActionNotification, ActionWorkflow, ActionData, ActionAPI, ActionScript, ActionEmail,
}

// ActionConfig carries the per-type settings of an action.
type ActionConfig struct {
	Template   string                 `json:"template,omitempty" yaml:"template,omitempty"`
	Recipients []string               `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	Operation  string                 `json:"operation,omitempty" yaml:"operation,omitempty"` // create, update, delete
	Entity     string                 `json:"entity,omitempty" yaml:"entity,omitempty"`
	RecordID   string                 `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Endpoint   string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method     string                 `json:"method,omitempty" yaml:"method,omitempty"`
	Headers    map[string]string      `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       interface{}            `json:"body,omitempty" yaml:"body,omitempty"`
	Script     string                 `json:"script,omitempty" yaml:"script,omitempty"`
}

// Action 动作
type Action struct {
	Type   ActionType   `json:"type" yaml:"type" validate:"required,oneof=notification workflow data api script email"`
	Config ActionConfig `json:"config" yaml:"config"`
}

// ActionResult is the outcome of one action. Failed actions carry an "error" key.
type ActionResult map[string]interface{}

// Failed reports whether the action failed.
func (r ActionResult) Failed() bool {
	_, ok := r["error"]
	return ok
}

// ErrorMessage returns the failure message, or "" when the action succeeded.
func (r ActionResult) ErrorMessage() string {
	if msg, ok := r["error"].(string); ok {
		return msg
	}
	return ""
}

// AutomationRule 自动化规则
type AutomationRule struct {
	ID          string       `json:"id" yaml:"id,omitempty"`
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Description string       `json:"description" yaml:"description,omitempty"`
	Category    RuleCategory `json:"category" yaml:"category" validate:"omitempty,oneof=data workflow notification security custom"`
	Trigger     Trigger      `json:"trigger" yaml:"trigger"`
	Conditions  []Condition  `json:"conditions" yaml:"conditions" validate:"dive"`
	Actions     []Action     `json:"actions" yaml:"actions" validate:"dive"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Priority    RulePriority `json:"priority" yaml:"priority" validate:"omitempty,oneof=low medium high critical"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`

	// Maintained by the execution tracker only.
	LastTriggered  *time.Time `json:"last_triggered,omitempty" yaml:"-"`
	ExecutionCount int        `json:"execution_count" yaml:"-"`
	SuccessRate    float64    `json:"success_rate" yaml:"-"`
}

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// AutomationExecution 执行记录，用于审计单次规则调用
type AutomationExecution struct {
	ID            string                 `json:"id"`
	RuleID        string                 `json:"rule_id"`
	TriggerSource string                 `json:"trigger_source"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       *time.Time             `json:"end_time,omitempty"`
	Status        ExecutionStatus        `json:"status"`
	Result        []ActionResult         `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Logs          []string               `json:"logs"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	// Skipped marks a completed run whose conditions were not met.
	Skipped bool `json:"skipped"`
}

// Duration returns EndTime-StartTime, or 0 while the execution is unfinished.
func (e *AutomationExecution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}
