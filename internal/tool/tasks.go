package tool

import (
	"context"
	"encoding/json"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/taskpilot-ai/agent-platform/internal/llm"
	"github.com/taskpilot-ai/agent-platform/internal/tasks"
)

func validPriority(p string) bool {
	switch p {
	case "", tasks.PriorityLow, tasks.PriorityMedium, tasks.PriorityHigh:
		return true
	}
	return false
}

func validStatusFilter(s string) bool {
	switch s {
	case "", "pending", "completed":
		return true
	}
	return false
}

func marshalResult(v any) (json.RawMessage, *ToolError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ToolError{Code: CodeBackendError, Detail: "failed to encode result"}
	}
	return data, nil
}

// --- add_task ---

var addTaskDefinition = llm.ToolDefinition{
	Name:        "add_task",
	Description: "Create a new task in the user's todo list. Use this when the user wants to create, add, or remind themselves about a task.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"title":       {Type: jsonschema.String, Description: "Task title (brief description)"},
			"description": {Type: jsonschema.String, Description: "Detailed task description"},
			"due_date":    {Type: jsonschema.String, Description: "Due date in ISO 8601 format"},
			"priority":    {Type: jsonschema.String, Enum: []string{"low", "medium", "high"}, Description: "Task priority level"},
		},
		Required: []string{"title"},
	},
}

type addTaskArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    string `json:"priority"`
}

func (a *addTaskArgs) validate() *ToolError {
	if a.Title == "" {
		return invalidArgs("title is required")
	}
	if len(a.Title) > 255 {
		return invalidArgs("title exceeds 255 characters")
	}
	if !validPriority(a.Priority) {
		return invalidArgs("priority must be one of low, medium, high")
	}
	return nil
}

func (r *Registry) addTask(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args addTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if terr := args.validate(); terr != nil {
		return nil, terr
	}

	task, err := r.api.Create(ctx, userID, &tasks.CreateTaskRequest{
		Title:       args.Title,
		Description: args.Description,
		DueDate:     args.DueDate,
		Priority:    args.Priority,
	})
	if err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"task": task})
}

// --- list_tasks ---

var listTasksDefinition = llm.ToolDefinition{
	Name:        "list_tasks",
	Description: "List and filter tasks from the user's todo list. Use this when the user wants to see their tasks or a filtered view of them.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"status":          {Type: jsonschema.String, Enum: []string{"all", "pending", "completed"}, Description: "Filter by completion status"},
			"due_within_days": {Type: jsonschema.Number, Description: "Only show tasks due within this many days"},
			"limit":           {Type: jsonschema.Number, Description: "Maximum tasks to return (1-100)"},
		},
	},
}

type listTasksArgs struct {
	Status        string `json:"status"`
	DueWithinDays int    `json:"due_within_days"`
	Limit         int    `json:"limit"`
}

func (a *listTasksArgs) validate() *ToolError {
	switch a.Status {
	case "", "all", "pending", "completed":
	default:
		return invalidArgs("status must be one of all, pending, completed")
	}
	if a.DueWithinDays < 0 {
		return invalidArgs("due_within_days must be non-negative")
	}
	if a.Limit < 0 || a.Limit > 100 {
		return invalidArgs("limit must be between 1 and 100")
	}
	return nil
}

func (r *Registry) listTasks(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args listTasksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if terr := args.validate(); terr != nil {
		return nil, terr
	}

	list, err := r.api.List(ctx, userID, tasks.ListFilter{
		Status:        args.Status,
		DueWithinDays: args.DueWithinDays,
		Limit:         args.Limit,
	})
	if err != nil {
		return nil, backendError(err)
	}
	if list == nil {
		list = []tasks.Task{}
	}
	return marshalResult(map[string]any{"tasks": list, "count": len(list)})
}

// --- update_task ---

var updateTaskDefinition = llm.ToolDefinition{
	Name:        "update_task",
	Description: "Update an existing task. Use this when the user wants to modify an existing task; the task_id is required.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"task_id":     {Type: jsonschema.String, Description: "ID of the task to update"},
			"title":       {Type: jsonschema.String, Description: "New task title"},
			"description": {Type: jsonschema.String, Description: "New task description"},
			"due_date":    {Type: jsonschema.String, Description: "New due date in ISO 8601 format"},
			"priority":    {Type: jsonschema.String, Enum: []string{"low", "medium", "high"}, Description: "New priority level"},
			"completed":   {Type: jsonschema.Boolean, Description: "Mark task as completed or not"},
		},
		Required: []string{"task_id"},
	},
}

type updateTaskArgs struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
	Priority    *string `json:"priority"`
	Completed   *bool   `json:"completed"`
}

func (a *updateTaskArgs) validate() *ToolError {
	if a.TaskID == "" {
		return invalidArgs("task_id is required")
	}
	if a.Title == nil && a.Description == nil && a.DueDate == nil && a.Priority == nil && a.Completed == nil {
		return invalidArgs("at least one field to update is required")
	}
	if a.Title != nil && *a.Title == "" {
		return invalidArgs("title cannot be empty")
	}
	if a.Priority != nil && !validPriority(*a.Priority) {
		return invalidArgs("priority must be one of low, medium, high")
	}
	return nil
}

func (r *Registry) updateTask(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args updateTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if terr := args.validate(); terr != nil {
		return nil, terr
	}

	task, err := r.api.Update(ctx, userID, args.TaskID, &tasks.UpdateTaskRequest{
		Title:       args.Title,
		Description: args.Description,
		DueDate:     args.DueDate,
		Priority:    args.Priority,
		Completed:   args.Completed,
	})
	if err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"task": task})
}

// --- complete_task ---

var completeTaskDefinition = llm.ToolDefinition{
	Name:        "complete_task",
	Description: "Mark a task as completed or not completed. Use this when the user wants to mark a task as done, or back to pending.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"task_id":   {Type: jsonschema.String, Description: "ID of the task to mark"},
			"completed": {Type: jsonschema.Boolean, Description: "true to mark complete, false to mark pending"},
		},
		Required: []string{"task_id", "completed"},
	},
}

type completeTaskArgs struct {
	TaskID    string `json:"task_id"`
	Completed *bool  `json:"completed"`
}

func (a *completeTaskArgs) validate() *ToolError {
	if a.TaskID == "" {
		return invalidArgs("task_id is required")
	}
	if a.Completed == nil {
		return invalidArgs("completed is required")
	}
	return nil
}

func (r *Registry) completeTask(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args completeTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if terr := args.validate(); terr != nil {
		return nil, terr
	}

	task, err := r.api.SetCompleted(ctx, userID, args.TaskID, *args.Completed)
	if err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"task": task})
}

// --- delete_task ---

var deleteTaskDefinition = llm.ToolDefinition{
	Name:        "delete_task",
	Description: "Delete a task from the user's todo list permanently. Use this when the user wants to remove a task.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"task_id": {Type: jsonschema.String, Description: "ID of the task to delete"},
		},
		Required: []string{"task_id"},
	},
}

type deleteTaskArgs struct {
	TaskID string `json:"task_id"`
}

func (r *Registry) deleteTask(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args deleteTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if args.TaskID == "" {
		return nil, invalidArgs("task_id is required")
	}

	if err := r.api.Delete(ctx, userID, args.TaskID); err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"deleted": true, "task_id": args.TaskID})
}

// --- complete_all_tasks ---

var completeAllTasksDefinition = llm.ToolDefinition{
	Name:        "complete_all_tasks",
	Description: "Mark all tasks as completed or not completed, optionally only those with a given current status.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"completed":     {Type: jsonschema.Boolean, Description: "true to mark all complete, false to mark all pending"},
			"status_filter": {Type: jsonschema.String, Enum: []string{"pending", "completed"}, Description: "Only affect tasks with this status"},
		},
		Required: []string{"completed"},
	},
}

type completeAllTasksArgs struct {
	Completed    *bool  `json:"completed"`
	StatusFilter string `json:"status_filter"`
}

func (r *Registry) completeAllTasks(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args completeAllTasksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if args.Completed == nil {
		return nil, invalidArgs("completed is required")
	}
	if !validStatusFilter(args.StatusFilter) {
		return nil, invalidArgs("status_filter must be pending or completed")
	}

	result, err := r.api.CompleteAll(ctx, userID, *args.Completed, args.StatusFilter)
	if err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"count": result.Count})
}

// --- delete_all_tasks ---

var deleteAllTasksDefinition = llm.ToolDefinition{
	Name:        "delete_all_tasks",
	Description: "Delete all tasks permanently. Destructive: first call with confirmed=false to get the count, inform the user, then call again with confirmed=true after they confirm.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"confirmed":     {Type: jsonschema.Boolean, Description: "Must be true to actually delete; false returns the count without deleting"},
			"status_filter": {Type: jsonschema.String, Enum: []string{"pending", "completed"}, Description: "Only delete tasks with this status"},
		},
		Required: []string{"confirmed"},
	},
}

type deleteAllTasksArgs struct {
	Confirmed    *bool  `json:"confirmed"`
	StatusFilter string `json:"status_filter"`
}

func (r *Registry) deleteAllTasks(ctx context.Context, userID string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	var args deleteAllTasksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidArgs("malformed arguments: %v", err)
	}
	if args.Confirmed == nil {
		return nil, invalidArgs("confirmed is required")
	}
	if !validStatusFilter(args.StatusFilter) {
		return nil, invalidArgs("status_filter must be pending or completed")
	}

	if !*args.Confirmed {
		// Dry run: report what would be deleted so the model can ask the
		// user for confirmation.
		list, err := r.api.List(ctx, userID, tasks.ListFilter{Status: args.StatusFilter})
		if err != nil {
			return nil, backendError(err)
		}
		return marshalResult(map[string]any{
			"count":                 len(list),
			"deleted":               false,
			"requires_confirmation": true,
		})
	}

	result, err := r.api.DeleteAll(ctx, userID, args.StatusFilter)
	if err != nil {
		return nil, backendError(err)
	}
	return marshalResult(map[string]any{"count": result.Count, "deleted": true})
}
