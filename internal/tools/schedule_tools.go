package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foyerlabs/concierge/internal/store"
)

func (r *Registry) registerScheduleTools() {
	r.Register(&Tool{
		Name: "schedule_task",
		Description: "Schedule a Home Assistant service call to run once at a future time. " +
			"Compute execute_at as a unix timestamp from the current time given in the system prompt.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"execute_at": map[string]any{
					"type":        "number",
					"description": "Unix timestamp (seconds) at which to run the service call. Must be in the future.",
				},
				"domain": map[string]any{
					"type":        "string",
					"description": "Service domain, e.g. light",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "Service name, e.g. turn_off",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Service data, usually including entity_id",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Short human-readable description of what the task does",
				},
			},
			"required": []string{"execute_at", "domain", "service", "description"},
		},
		Handler: r.handleScheduleTask,
	})

	r.Register(&Tool{
		Name:        "list_scheduled_tasks",
		Description: "List the user's pending scheduled tasks.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListScheduledTasks,
	})

	r.Register(&Tool{
		Name:        "cancel_task",
		Description: "Cancel a pending scheduled task by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "Id of the task to cancel, as returned by schedule_task or list_scheduled_tasks",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCancelTask,
	})
}

func (r *Registry) handleScheduleTask(_ context.Context, conversationKey string, args map[string]any) (string, error) {
	executeAt, ok := args["execute_at"].(float64)
	if !ok {
		return "", fmt.Errorf("missing required argument %q", "execute_at")
	}
	domain, err := stringArg(args, "domain")
	if err != nil {
		return "", err
	}
	service, err := stringArg(args, "service")
	if err != nil {
		return "", err
	}
	description, err := stringArg(args, "description")
	if err != nil {
		return "", err
	}
	data, _ := args["data"].(map[string]any)

	at := time.Unix(int64(executeAt), 0)
	if !at.After(r.now()) {
		return "", fmt.Errorf("execute_at must be in the future (got %s)", at.Format(time.RFC3339))
	}

	task := &store.Task{
		ConversationKey: conversationKey,
		ExecuteAt:       at,
		Domain:          domain,
		Service:         service,
		Data:            data,
		Description:     description,
	}
	if err := r.store.CreateTask(task); err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}

	return fmt.Sprintf("Task scheduled for %s (id: %s): %s",
		at.Local().Format("Mon Jan 2 15:04:05"), task.ID, description), nil
}

func (r *Registry) handleListScheduledTasks(_ context.Context, conversationKey string, _ map[string]any) (string, error) {
	tasks, err := r.store.PendingTasks(conversationKey)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scheduled tasks (%d):\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- %s at %s: %s (%s.%s)\n",
			t.ID, t.ExecuteAt.Local().Format("Mon Jan 2 15:04:05"),
			t.Description, t.Domain, t.Service)
	}
	return sb.String(), nil
}

func (r *Registry) handleCancelTask(_ context.Context, conversationKey string, args map[string]any) (string, error) {
	taskID, err := stringArg(args, "task_id")
	if err != nil {
		return "", err
	}

	cancelled, err := r.store.CancelTask(taskID, conversationKey)
	if err != nil {
		return "", fmt.Errorf("cancel task: %w", err)
	}
	if !cancelled {
		return fmt.Sprintf("Task %s was not found or has already run.", taskID), nil
	}
	if t, err := r.store.GetTask(taskID); err == nil && t != nil {
		return fmt.Sprintf("Task cancelled: %s", t.Description), nil
	}
	return fmt.Sprintf("Task %s cancelled.", taskID), nil
}
