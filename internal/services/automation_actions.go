package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	appmetrics "ledgerflow/internal/metrics"
	"ledgerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionCollaborators are the side-effecting backends reachable from actions.
// A nil collaborator turns its actions into ConfigurationError results.
type ActionCollaborators struct {
	Notifier  NotificationSender
	Workflows WorkflowInvoker
	Records   RecordMutator
	API       APIDispatcher
	Scripts   ScriptRunner
}

type actionHandler func(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error)

// ActionExecutor runs an ordered action list, isolating per-action failures.
type ActionExecutor struct {
	production bool
	collab     ActionCollaborators
	handlers   map[models.ActionType]actionHandler
	logger     *logrus.Logger
	tracer     trace.Tracer
}

func NewActionExecutor(production bool, collab ActionCollaborators, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	x := &ActionExecutor{
		production: production,
		collab:     collab,
		logger:     logger,
		tracer:     otel.Tracer("ledgerflow.automation.actions"),
	}
	x.handlers = map[models.ActionType]actionHandler{
		models.ActionNotification: x.sendNotification,
		models.ActionEmail:        x.sendNotification,
		models.ActionWorkflow:     x.triggerWorkflow,
		models.ActionData:         x.mutateRecord,
		models.ActionAPI:          x.callAPI,
		models.ActionScript:       x.runScript,
	}
	return x
}

// Execute runs actions strictly in order and returns exactly one result per action.
// A failing action yields {"error": msg} and the remaining actions still run.
// In production mode a list containing a script action is refused as a whole
// with ScriptsDisabledError before any action runs.
func (x *ActionExecutor) Execute(ctx context.Context, actions []models.Action, data map[string]interface{}) ([]models.ActionResult, error) {
	if x.production {
		for i, act := range actions {
			if act.Type == models.ActionScript {
				return nil, fmt.Errorf("action %d: %w", i, &ScriptsDisabledError{})
			}
		}
	}

	results := make([]models.ActionResult, 0, len(actions))
	for i, act := range actions {
		results = append(results, x.runOne(ctx, i, act, data))
	}
	return results, nil
}

func (x *ActionExecutor) runOne(ctx context.Context, index int, act models.Action, data map[string]interface{}) (result models.ActionResult) {
	ctx, span := x.tracer.Start(ctx, "automation.action", trace.WithAttributes(
		attribute.String("automation.action.type", string(act.Type)),
		attribute.Int("automation.action.index", index),
	))
	defer span.End()

	fail := func(err error) models.ActionResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		appmetrics.IncActionFailure(string(act.Type))
		x.logger.WithFields(logrus.Fields{"action": act.Type, "index": index}).Warnf("automation: action failed: %v", err)
		return models.ActionResult{"error": err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			result = fail(fmt.Errorf("action panicked: %v", r))
		}
	}()

	handler, ok := x.handlers[act.Type]
	if !ok {
		return fail(&UnsupportedOperationError{Action: string(act.Type)})
	}
	res, err := handler(ctx, act, data)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		res = models.ActionResult{}
	}
	return res
}

func (x *ActionExecutor) sendNotification(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error) {
	if x.collab.Notifier == nil {
		return nil, &ConfigurationError{Collaborator: "notification sender"}
	}
	cfg := act.Config
	rendered, err := renderTemplate(cfg.Template, mergeParams(data, cfg.Parameters))
	if err != nil {
		return nil, err
	}

	n := Notification{
		Channel:    string(act.Type),
		Template:   cfg.Template,
		Rendered:   rendered,
		Recipients: cfg.Recipients,
		Parameters: cfg.Parameters,
	}
	if ruleID, ok := ctx.Value(ruleIDKey{}).(string); ok {
		n.RuleID = ruleID
	}
	if err := x.collab.Notifier.Send(ctx, n); err != nil {
		return nil, fmt.Errorf("send %s: %w", act.Type, err)
	}
	return models.ActionResult{
		"sent":       true,
		"channel":    string(act.Type),
		"template":   cfg.Template,
		"parameters": cfg.Parameters,
	}, nil
}

func (x *ActionExecutor) triggerWorkflow(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error) {
	id := interpolate(act.Config.WorkflowID, data)
	if id == "" {
		return nil, &MissingParameterError{Action: "workflow", Parameter: "workflow_id"}
	}
	if x.collab.Workflows == nil {
		return nil, &ConfigurationError{Collaborator: "workflow invoker"}
	}
	out, err := x.collab.Workflows.Trigger(ctx, id, act.Config.Parameters)
	if err != nil {
		return nil, err
	}
	return models.ActionResult(out), nil
}

func (x *ActionExecutor) mutateRecord(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error) {
	cfg := act.Config
	if cfg.Operation == "" {
		return nil, &MissingParameterError{Action: "data", Parameter: "operation"}
	}
	switch cfg.Operation {
	case "create", "update", "delete":
	default:
		return nil, &UnsupportedOperationError{Action: "data", Operation: cfg.Operation}
	}
	if cfg.Entity == "" {
		return nil, &MissingParameterError{Action: "data", Parameter: "entity"}
	}
	if x.collab.Records == nil {
		return nil, &ConfigurationError{Collaborator: "record backend"}
	}

	recordID := interpolate(cfg.RecordID, data)
	result := models.ActionResult{"operation": cfg.Operation, "entity": cfg.Entity}
	switch cfg.Operation {
	case "create":
		id, err := x.collab.Records.CreateRecord(ctx, cfg.Entity, cfg.Parameters)
		if err != nil {
			return nil, err
		}
		recordID = id
	case "update":
		if recordID == "" {
			return nil, &MissingParameterError{Action: "data", Parameter: "record_id"}
		}
		if err := x.collab.Records.UpdateRecord(ctx, cfg.Entity, recordID, cfg.Parameters); err != nil {
			return nil, err
		}
	case "delete":
		if recordID == "" {
			return nil, &MissingParameterError{Action: "data", Parameter: "record_id"}
		}
		if err := x.collab.Records.DeleteRecord(ctx, cfg.Entity, recordID); err != nil {
			return nil, err
		}
	}
	result["record_id"] = recordID
	result["success"] = true
	return result, nil
}

func (x *ActionExecutor) callAPI(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error) {
	cfg := act.Config
	endpoint := interpolate(cfg.Endpoint, data)
	if endpoint == "" {
		return nil, &MissingParameterError{Action: "api", Parameter: "endpoint"}
	}
	if x.collab.API == nil {
		return nil, &ConfigurationError{Collaborator: "http client"}
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = "POST"
	}
	resp, err := x.collab.API.Do(ctx, APIRequest{
		Method:   method,
		Endpoint: endpoint,
		Headers:  cfg.Headers,
		Body:     cfg.Body,
	})
	if err != nil {
		return nil, err
	}
	return models.ActionResult{
		"method":   method,
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"body":     resp.Body,
	}, nil
}

func (x *ActionExecutor) runScript(ctx context.Context, act models.Action, data map[string]interface{}) (models.ActionResult, error) {
	if x.production {
		return nil, &ScriptsDisabledError{}
	}
	if act.Config.Script == "" {
		return nil, &MissingParameterError{Action: "script", Parameter: "script"}
	}
	if x.collab.Scripts == nil {
		return nil, &ConfigurationError{Collaborator: "script runner"}
	}
	out, err := x.collab.Scripts.Run(ctx, act.Config.Script, data)
	if err != nil {
		return nil, err
	}
	return models.ActionResult{"output": out}, nil
}

func renderTemplate(text string, vars map[string]interface{}) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New("action").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// mergeParams overlays action parameters on the execution context.
func mergeParams(data, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+len(params))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// interpolate replaces ${path} tokens with the plain string form of context values.
func interpolate(s string, data map[string]interface{}) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(tok string) string {
		path := strings.TrimSpace(placeholderPattern.FindStringSubmatch(tok)[1])
		v, ok := resolvePath(data, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
