package services

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"ledgerflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ruleValidator = validator.New()

// thresholdOperators are the comparisons an external metrics collaborator may apply.
var thresholdOperators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

// RuleDraft 创建规则的请求
type RuleDraft struct {
	Name        string              `json:"name" yaml:"name" binding:"required"`
	Description string              `json:"description" yaml:"description"`
	Category    models.RuleCategory `json:"category" yaml:"category"`
	Trigger     models.Trigger      `json:"trigger" yaml:"trigger"`
	Conditions  []models.Condition  `json:"conditions" yaml:"conditions"`
	Actions     []models.Action     `json:"actions" yaml:"actions"`
	Enabled     *bool               `json:"enabled" yaml:"enabled"`
	Priority    models.RulePriority `json:"priority" yaml:"priority"`
}

// RuleUpdate 更新规则请求，nil 字段保持不变
type RuleUpdate struct {
	Name        *string              `json:"name"`
	Description *string              `json:"description"`
	Category    *models.RuleCategory `json:"category"`
	Trigger     *models.Trigger      `json:"trigger"`
	Conditions  *[]models.Condition  `json:"conditions"`
	Actions     *[]models.Action     `json:"actions"`
	Enabled     *bool                `json:"enabled"`
	Priority    *models.RulePriority `json:"priority"`
}

// RuleStore holds rule definitions in insertion order. Safe for concurrent use.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.AutomationRule
	order []string
	now   func() time.Time
}

func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules: make(map[string]*models.AutomationRule),
		now:   time.Now,
	}
}

// Create validates the draft and stores it as a new rule.
func (s *RuleStore) Create(draft *RuleDraft) (*models.AutomationRule, error) {
	if draft == nil {
		return nil, &ValidationError{Problems: []string{"rule draft required"}}
	}

	enabled := true
	if draft.Enabled != nil {
		enabled = *draft.Enabled
	}
	category := draft.Category
	if category == "" {
		category = models.CategoryCustom
	}
	priority := draft.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	now := s.now()
	rule := &models.AutomationRule{
		ID:          uuid.NewString(),
		Name:        draft.Name,
		Description: draft.Description,
		Category:    category,
		Trigger:     normalizeTrigger(draft.Trigger),
		Conditions:  append([]models.Condition(nil), draft.Conditions...),
		Actions:     append([]models.Action(nil), draft.Actions...),
		Enabled:     enabled,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.rules[rule.ID] = rule
	s.order = append(s.order, rule.ID)
	s.mu.Unlock()

	return cloneRule(rule), nil
}

// Update merges the non-nil fields of upd into the rule.
func (s *RuleStore) Update(id string, upd *RuleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[id]
	if !ok {
		return &NotFoundError{Kind: "rule", ID: id}
	}
	if upd == nil {
		return nil
	}

	merged := cloneRule(current)
	if upd.Name != nil {
		merged.Name = *upd.Name
	}
	if upd.Description != nil {
		merged.Description = *upd.Description
	}
	if upd.Category != nil {
		merged.Category = *upd.Category
	}
	if upd.Trigger != nil {
		merged.Trigger = normalizeTrigger(*upd.Trigger)
	}
	if upd.Conditions != nil {
		merged.Conditions = append([]models.Condition(nil), (*upd.Conditions)...)
	}
	if upd.Actions != nil {
		merged.Actions = append([]models.Action(nil), (*upd.Actions)...)
	}
	if upd.Enabled != nil {
		merged.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		merged.Priority = *upd.Priority
	}
	if err := ValidateRule(merged); err != nil {
		return err
	}

	merged.UpdatedAt = s.now()
	s.rules[id] = merged
	return nil
}

// Delete removes the rule. Deleting an absent id is a no-op.
func (s *RuleStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return
	}
	delete(s.rules, id)
	for i, rid := range s.order {
		if rid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *RuleStore) Enable(id string) error {
	enabled := true
	return s.Update(id, &RuleUpdate{Enabled: &enabled})
}

func (s *RuleStore) Disable(id string) error {
	enabled := false
	return s.Update(id, &RuleUpdate{Enabled: &enabled})
}

// Get returns a copy of the rule.
func (s *RuleStore) Get(id string) (*models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, &NotFoundError{Kind: "rule", ID: id}
	}
	return cloneRule(rule), nil
}

// List returns copies of all rules in insertion order.
func (s *RuleStore) List() []*models.AutomationRule {
	return s.filter(func(*models.AutomationRule) bool { return true })
}

// Enabled returns copies of the enabled rules accepted by match, in insertion order.
func (s *RuleStore) Enabled(match func(*models.AutomationRule) bool) []*models.AutomationRule {
	return s.filter(func(r *models.AutomationRule) bool { return r.Enabled && match(r) })
}

func (s *RuleStore) filter(keep func(*models.AutomationRule) bool) []*models.AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AutomationRule, 0, len(s.order))
	for _, id := range s.order {
		if r := s.rules[id]; keep(r) {
			out = append(out, cloneRule(r))
		}
	}
	return out
}

// Counts returns the number of rules and of enabled rules.
func (s *RuleStore) Counts() (total, active int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.Enabled {
			active++
		}
	}
	return len(s.rules), active
}

// recordOutcome folds one finished execution into the rule's cached counters.
func (s *RuleStore) recordOutcome(id string, succeeded bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return
	}
	successes := rule.SuccessRate * float64(rule.ExecutionCount)
	if succeeded {
		successes++
	}
	rule.ExecutionCount++
	rule.SuccessRate = successes / float64(rule.ExecutionCount)
	triggered := at
	rule.LastTriggered = &triggered
}

// normalizeTrigger stores webhook paths without surrounding slashes, the form
// the webhook route delivers them in.
func normalizeTrigger(t models.Trigger) models.Trigger {
	t.Path = NormalizeWebhookPath(t.Path)
	return t
}

// NormalizeWebhookPath 去掉 webhook 路径首尾的 "/"
func NormalizeWebhookPath(path string) string {
	return strings.Trim(path, "/")
}

// ValidateRule checks the structural validity of a rule.
func ValidateRule(rule *models.AutomationRule) error {
	var problems []string

	if err := ruleValidator.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	t := rule.Trigger
	switch t.Type {
	case models.TriggerSchedule:
		if _, err := ParseSchedule(t.Schedule); err != nil {
			problems = append(problems, err.Error())
		}
	case models.TriggerEvent:
		if t.Event == "" {
			problems = append(problems, "event trigger requires an event name")
		}
	case models.TriggerWebhook:
		if t.Path == "" {
			problems = append(problems, "webhook trigger requires a path")
		}
	case models.TriggerThreshold:
		if t.Metric == "" {
			problems = append(problems, "threshold trigger requires a metric")
		}
		if !thresholdOperators[t.Operator] {
			problems = append(problems, fmt.Sprintf("threshold trigger has unknown operator %q", t.Operator))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// LoadRulesFile reads rule drafts from a YAML file of the form `rules: [...]`.
func LoadRulesFile(path string) ([]*RuleDraft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var doc struct {
		Rules []*RuleDraft `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return doc.Rules, nil
}

func cloneRule(r *models.AutomationRule) *models.AutomationRule {
	c := *r
	c.Conditions = append([]models.Condition(nil), r.Conditions...)
	c.Actions = make([]models.Action, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = a
		c.Actions[i].Config.Recipients = append([]string(nil), a.Config.Recipients...)
		if a.Config.Parameters != nil {
			params := make(map[string]interface{}, len(a.Config.Parameters))
			for k, v := range a.Config.Parameters {
				params[k] = v
			}
			c.Actions[i].Config.Parameters = params
		}
		if a.Config.Headers != nil {
			headers := make(map[string]string, len(a.Config.Headers))
			for k, v := range a.Config.Headers {
				headers[k] = v
			}
			c.Actions[i].Config.Headers = headers
		}
	}
	if r.LastTriggered != nil {
		lt := *r.LastTriggered
		c.LastTriggered = &lt
	}
	return &c
}
