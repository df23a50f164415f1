package services

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ExpressionSandbox evaluates boolean expressions for logic conditions.
// It is only consulted in development mode.
type ExpressionSandbox interface {
	EvaluateBool(ctx context.Context, expr string) (bool, error)
}

// ScriptRunner runs the body of a script action. Development mode only.
type ScriptRunner interface {
	Run(ctx context.Context, script string, data map[string]interface{}) (interface{}, error)
}

// CUESandbox evaluates expressions and scripts as CUE. CUE is a pure
// configuration language: no I/O, no process access, evaluation always terminates.
type CUESandbox struct {
	mu  sync.Mutex
	cue *cue.Context
}

func NewCUESandbox() *CUESandbox {
	return &CUESandbox{cue: cuecontext.New()}
}

// EvaluateBool compiles expr and requires it to be a concrete boolean.
func (s *CUESandbox) EvaluateBool(_ context.Context, expr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.cue.CompileString(expr)
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("compile expression: %w", err)
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("expression is not a boolean: %w", err)
	}
	return b, nil
}

// Run evaluates script with the execution context bound to the identifier
// `context` and returns the decoded result.
func (s *CUESandbox) Run(_ context.Context, script string, data map[string]interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data == nil {
		data = map[string]interface{}{}
	}
	scope := s.cue.Encode(map[string]interface{}{"context": data})
	if err := scope.Err(); err != nil {
		return nil, fmt.Errorf("encode script context: %w", err)
	}
	v := s.cue.CompileString(script, cue.Scope(scope))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("script result is not concrete: %w", err)
	}
	var out interface{}
	if err := v.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode script result: %w", err)
	}
	return out, nil
}
