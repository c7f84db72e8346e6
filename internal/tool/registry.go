// Package tool exposes the registry of operations the generation model may
// invoke. Arguments arrive as loosely-typed JSON from the model and are
// decoded into a typed struct per tool and validated before any backend call;
// violations come back as recoverable tool errors, not turn failures.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/tasks"
)

var tracer = otel.Tracer("agent-platform/tool")

// Tool error codes, machine-parseable by the model.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeBackendError     = "backend_error"
)

// ToolError is a failed tool invocation, fed back to the model as data so it
// can self-correct. It never aborts the turn.
type ToolError struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// JSON renders the error as the payload recorded and fed to the model.
func (e *ToolError) JSON() json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(`{"error":"` + e.Code + `"}`)
	}
	return data
}

func invalidArgs(format string, args ...any) *ToolError {
	return &ToolError{Code: CodeInvalidArguments, Detail: fmt.Sprintf(format, args...)}
}

func backendError(err error) *ToolError {
	var apiErr *tasks.APIError
	if errors.As(err, &apiErr) {
		return &ToolError{Code: CodeBackendError, Detail: fmt.Sprintf("status %d", apiErr.StatusCode)}
	}
	return &ToolError{Code: CodeBackendError, Detail: err.Error()}
}

// handler executes one tool for one user with already-raw arguments.
type handler func(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError)

type registration struct {
	def    llm.ToolDefinition
	handle handler
}

// Registry maps tool names to handlers and their schemas. It is stateless
// and safe to invoke from concurrent turns; every invocation is scoped by
// the caller-supplied user id, never by anything in the model's arguments.
type Registry struct {
	api   tasks.API
	tools map[string]registration
	order []string
}

// NewRegistry builds the registry over the item-management API.
func NewRegistry(api tasks.API) *Registry {
	r := &Registry{
		api:   api,
		tools: make(map[string]registration),
	}
	r.register(addTaskDefinition, r.addTask)
	r.register(listTasksDefinition, r.listTasks)
	r.register(updateTaskDefinition, r.updateTask)
	r.register(completeTaskDefinition, r.completeTask)
	r.register(deleteTaskDefinition, r.deleteTask)
	r.register(completeAllTasksDefinition, r.completeAllTasks)
	r.register(deleteAllTasksDefinition, r.deleteAllTasks)
	return r
}

func (r *Registry) register(def llm.ToolDefinition, h handler) {
	r.tools[def.Name] = registration{def: def, handle: h}
	r.order = append(r.order, def.Name)
}

// Definitions returns the declared tools in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Invoke runs one tool call on behalf of userID. The result payload or the
// ToolError is recorded on the turn's ToolCallRecord; a nil result always
// pairs with a non-nil ToolError.
func (r *Registry) Invoke(ctx context.Context, userID, name string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	ctx, span := tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", name),
	))
	defer span.End()

	reg, ok := r.tools[name]
	if !ok {
		span.SetStatus(codes.Error, CodeUnknownTool)
		return nil, &ToolError{Code: CodeUnknownTool, Detail: name}
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	result, toolErr := reg.handle(ctx, userID, raw)
	if toolErr != nil {
		span.SetStatus(codes.Error, toolErr.Code)
	}
	return result, toolErr
}
