package tools

import (
	"context"
	"fmt"
	"strings"
)

func (r *Registry) registerAlertTools() {
	r.Register(&Tool{
		Name:        "add_alert",
		Description: "Start alerting the user whenever an entity's state changes. Adding an existing alert is a no-op.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity to watch",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: r.handleAddAlert,
	})

	r.Register(&Tool{
		Name:        "remove_alert",
		Description: "Stop alerting the user about an entity's state changes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity to stop watching",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: r.handleRemoveAlert,
	})

	r.Register(&Tool{
		Name:        "list_alerts",
		Description: "List the entities the user is currently alerted about.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListAlerts,
	})

	r.Register(&Tool{
		Name:        "set_preference",
		Description: "Remember a user preference (e.g. preferred temperature, favorite scene). Preferences are injected into every future conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Preference name",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "Preference value",
				},
			},
			"required": []string{"name", "value"},
		},
		Handler: r.handleSetPreference,
	})
}

func (r *Registry) handleAddAlert(_ context.Context, conversationKey string, args map[string]any) (string, error) {
	entityID, err := stringArg(args, "entity_id")
	if err != nil {
		return "", err
	}

	if err := r.store.SetAlert(conversationKey, entityID, true); err != nil {
		return "", fmt.Errorf("add alert: %w", err)
	}
	return fmt.Sprintf("Alert enabled for %s.", entityID), nil
}

func (r *Registry) handleRemoveAlert(_ context.Context, conversationKey string, args map[string]any) (string, error) {
	entityID, err := stringArg(args, "entity_id")
	if err != nil {
		return "", err
	}

	if err := r.store.SetAlert(conversationKey, entityID, false); err != nil {
		return "", fmt.Errorf("remove alert: %w", err)
	}
	return fmt.Sprintf("Alert disabled for %s.", entityID), nil
}

func (r *Registry) handleListAlerts(_ context.Context, conversationKey string, _ map[string]any) (string, error) {
	ids, err := r.store.Alerts(conversationKey)
	if err != nil {
		return "", fmt.Errorf("list alerts: %w", err)
	}
	if len(ids) == 0 {
		return "No active alerts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Active alerts (%d):\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(&sb, "- %s\n", id)
	}
	return sb.String(), nil
}

func (r *Registry) handleSetPreference(_ context.Context, conversationKey string, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	value, err := stringArg(args, "value")
	if err != nil {
		return "", err
	}

	if err := r.store.SetPreference(conversationKey, name, value); err != nil {
		return "", fmt.Errorf("set preference: %w", err)
	}
	return fmt.Sprintf("Preference saved: %s = %s", name, value), nil
}
