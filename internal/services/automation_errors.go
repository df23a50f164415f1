package services

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed rule on create or update.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Problems, "; ")
}

// NotFoundError reports an unknown rule or execution id.
type NotFoundError struct {
	Kind string // rule, execution
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// MissingParameterError reports an action config without a required field.
type MissingParameterError struct {
	Action    string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s action requires %s", e.Action, e.Parameter)
}

// UnsupportedOperationError reports an unknown action type or sub-operation.
type UnsupportedOperationError struct {
	Action    string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("unsupported action type: %s", e.Action)
	}
	return fmt.Sprintf("unsupported %s operation: %s", e.Action, e.Operation)
}

// ScriptsDisabledError is returned when a script action runs outside development mode.
type ScriptsDisabledError struct{}

func (e *ScriptsDisabledError) Error() string {
	return "script actions are disabled in production mode"
}

// ConfigurationError reports a collaborator the engine was not given.
type ConfigurationError struct {
	Collaborator string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("automation not configured: no %s available", e.Collaborator)
}

// RuleDisabledError is returned when a disabled rule is executed directly.
type RuleDisabledError struct {
	RuleID string
}

func (e *RuleDisabledError) Error() string {
	return fmt.Sprintf("rule %s is disabled", e.RuleID)
}
